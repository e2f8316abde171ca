// bundlectl inspects manifests and manages a package's bundle cache.
//
// Commands that touch the cache read a YAML config file given by --config
// or the BUNDLE_CONFIG environment variable; see the config package for
// its format.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/meigma/bundle/config"
)

type command struct {
	name    string
	summary string
	run     func(env *env, args []string) error
}

var commands = []command{
	{"inspect", "print the contents of a manifest file", runInspect},
	{"fetch", "download the bundles of a manifest into the cache", runFetch},
	{"verify", "verify cached bundles of the active manifest", runVerify},
	{"prune", "remove unused bundles or shrink the cache", runPrune},
}

// env carries what every command shares.
type env struct {
	configPath string
	logLevel   string
	cfg        *config.Config
	logger     *slog.Logger
}

// loadConfig reads the config file and builds the logger it describes.
func (e *env) loadConfig() error {
	if e.configPath == "" {
		e.configPath = os.Getenv("BUNDLE_CONFIG")
	}
	if e.configPath == "" {
		return errors.New("no config file; pass --config or set BUNDLE_CONFIG")
	}
	cfg, err := config.LoadFile(e.configPath)
	if err != nil {
		return err
	}
	if e.logLevel != "" {
		cfg.Log.Level = e.logLevel
	}
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}
	e.cfg = cfg
	e.logger = logger
	return nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	e := &env{}
	flagSet := pflag.NewFlagSet("bundlectl", pflag.ContinueOnError)
	flagSet.StringVarP(&e.configPath, "config", "c", "", "path to the YAML config file (default: $BUNDLE_CONFIG)")
	flagSet.StringVar(&e.logLevel, "log-level", "", "override the configured log level")
	flagSet.SetInterspersed(false)
	flagSet.Usage = func() { printHelp(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(flagSet)
		return errors.New("missing command")
	}
	for _, cmd := range commands {
		if cmd.name == rest[0] {
			return cmd.run(e, rest[1:])
		}
	}
	return fmt.Errorf("unknown command %q", rest[0])
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "bundlectl manages versioned bundle caches.\n\nUsage:\n  bundlectl [flags] <command> [args]\n\nCommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
