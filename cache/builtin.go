package cache

import (
	"os"
	"path/filepath"
)

// Builtin answers whether a bundle file ships inside the application package.
type Builtin interface {
	// Has reports whether fileName is shipped with the application.
	Has(fileName string) bool

	// Path returns the local path of a shipped file.
	Path(fileName string) string
}

// DirBuiltin serves builtin files from a directory.
type DirBuiltin string

// Has implements Builtin.
func (d DirBuiltin) Has(fileName string) bool {
	if d == "" || fileName == "" {
		return false
	}
	info, err := os.Stat(d.Path(fileName))
	return err == nil && info.Mode().IsRegular()
}

// Path implements Builtin.
func (d DirBuiltin) Path(fileName string) string {
	return filepath.Join(string(d), filepath.FromSlash(fileName))
}

type noBuiltin struct{}

func (noBuiltin) Has(string) bool    { return false }
func (noBuiltin) Path(string) string { return "" }
