package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/bundle"
	"github.com/meigma/bundle/cache"
	"github.com/meigma/bundle/manifest"
)

func runInspect(_ *env, args []string) error {
	flagSet := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	showAssets := flagSet.Bool("assets", false, "list assets as well as bundles")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("usage: bundlectl inspect [--assets] <manifest>")
	}

	data, err := os.ReadFile(flagSet.Arg(0))
	if err != nil {
		return err
	}
	m, err := manifest.Load(data)
	if err != nil {
		return err
	}

	fmt.Printf("package:     %s\n", m.PackageName())
	fmt.Printf("version:     %s\n", m.PackageVersion())
	fmt.Printf("format:      %s\n", m.FormatVersion())
	fmt.Printf("digest:      %s\n", m.Digest())
	fmt.Printf("name style:  %s\n", m.NameStyle())
	fmt.Printf("addressable: %t\n\n", m.Addressable())

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BUNDLE\tFILE\tSIZE\tFLAGS\tTAGS")
	var total int64
	for _, b := range m.Bundles() {
		total += b.Size
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", b.Name, b.FileName(), b.Size, flags(b), strings.Join(b.Tags, ","))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d bundles, %d bytes, %d assets\n", len(m.Bundles()), total, len(m.Assets()))

	if !*showAssets {
		return nil
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ASSET\tADDRESS\tBUNDLE\tDEPENDENCIES")
	for _, a := range m.Assets() {
		main, err := m.MainBundle(a.Path)
		if err != nil {
			return err
		}
		deps, err := m.Dependencies(a.Path)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(deps))
		for _, d := range deps {
			names = append(names, d.Name)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Path, a.Address, main.Name, strings.Join(names, ","))
	}
	return w.Flush()
}

func flags(b *manifest.BundleRecord) string {
	var out []string
	if b.Encrypted {
		out = append(out, "encrypted")
	}
	if b.RawFile {
		out = append(out, "raw")
	}
	if len(out) == 0 {
		return "-"
	}
	return strings.Join(out, ",")
}

func runFetch(e *env, args []string) error {
	flagSet := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
	tags := flagSet.StringSlice("tag", nil, "only fetch bundles with any of these tags")
	concurrency := flagSet.Int("concurrency", bundle.DefaultBatchConcurrency, "bundles fetched at once")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("usage: bundlectl fetch [--tag t]... <manifest>")
	}
	if err := e.loadConfig(); err != nil {
		return err
	}
	data, err := os.ReadFile(flagSet.Arg(0))
	if err != nil {
		return err
	}

	m, err := e.cfg.NewManager(e.logger)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Initialize(data).WaitForCompletion(); err != nil {
		return err
	}

	batch, err := m.NewBatchDownload(*tags, bundle.BatchWithConcurrency(*concurrency))
	if err != nil {
		return err
	}
	start := time.Now()
	lastLog := start
	for !batch.Done() {
		m.Update()
		if time.Since(lastLog) >= time.Second {
			total, done := batch.Progress()
			e.logger.Info("fetching", "completed", batch.Completed(), "bundles", batch.Bundles(),
				"bytes", done, "total", total)
			lastLog = time.Now()
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := batch.Err(); err != nil {
		return err
	}
	fmt.Printf("fetched %d bundles in %s\n", batch.Completed(), time.Since(start).Round(time.Millisecond))
	return nil
}

func runVerify(e *env, args []string) error {
	flagSet := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	levelName := flagSet.String("level", "high", "verification level: low, middle or high")
	version := flagSet.String("version", "", "manifest version (default: active version)")
	remove := flagSet.Bool("remove", false, "delete bundles that fail verification")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	level, err := cache.ParseVerifyLevel(*levelName)
	if err != nil {
		return err
	}
	if err := e.loadConfig(); err != nil {
		return err
	}

	m, err := e.cfg.NewManager(e.logger)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.InitializeFromCache(*version).WaitForCompletion(); err != nil {
		return err
	}
	store := m.Store()

	var cached []*manifest.BundleRecord
	for _, rec := range m.Manifest().Bundles() {
		if store.Exists(rec) {
			cached = append(cached, rec)
		}
	}

	// Each goroutine only reads files; results are applied afterwards.
	errs := make([]error, len(cached))
	var g errgroup.Group
	g.SetLimit(max(e.cfg.Workers, 4))
	for i, rec := range cached {
		g.Go(func() error {
			errs[i] = store.VerifyFile(rec, level)
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for i, err := range errs {
		if err == nil {
			continue
		}
		rec := cached[i]
		failed = append(failed, rec.Name)
		e.logger.Warn("bundle failed verification", "bundle", rec.Name, "error", err)
		if *remove {
			if err := store.DeleteRecord(rec); err != nil {
				return err
			}
		}
	}
	sort.Strings(failed)
	fmt.Printf("verified %d of %d cached bundles at level %s\n", len(cached)-len(failed), len(cached), level)
	if len(failed) > 0 {
		return fmt.Errorf("%d bundles failed verification: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

func runPrune(e *env, args []string) error {
	flagSet := pflag.NewFlagSet("prune", pflag.ContinueOnError)
	unused := flagSet.Bool("unused", true, "remove bundles the active manifest does not reference")
	target := flagSet.Int64("target", -1, "shrink the cache to at most this many bytes")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if err := e.loadConfig(); err != nil {
		return err
	}

	m, err := e.cfg.NewManager(e.logger)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.InitializeFromCache("").WaitForCompletion(); err != nil {
		return err
	}

	if *unused {
		n, err := m.ClearUnusedCache()
		if err != nil {
			return err
		}
		fmt.Printf("removed %d unused bundles\n", n)
	}
	if *target >= 0 {
		freed, err := m.PruneCache(*target)
		if err != nil {
			return err
		}
		fmt.Printf("freed %d bytes\n", freed)
	}
	size, err := m.Store().SizeBytes()
	if err != nil {
		return err
	}
	fmt.Printf("cache size: %d bytes\n", size)
	return nil
}
