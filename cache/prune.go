package cache

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/meigma/bundle/manifest"
)

type diskEntry struct {
	id      string
	size    int64
	modTime time.Time
}

// PruneUnused removes every on-disk entry the manifest does not reference,
// indexed or not, and returns the removed identifiers.
func (s *Store) PruneUnused(m *manifest.Manifest) ([]string, error) {
	wanted := make(map[string]struct{}, len(m.Bundles()))
	for _, b := range m.Bundles() {
		wanted[b.CacheID()] = struct{}{}
	}
	entries, err := s.scan()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		if _, ok := wanted[e.id]; ok {
			continue
		}
		if err := s.Delete(e.id); err != nil {
			return removed, err
		}
		removed = append(removed, e.id)
	}
	if len(removed) > 0 {
		s.logger.Info("pruned unused cache entries", "count", len(removed))
	}
	return removed, nil
}

// SizeBytes returns the total size of the package's bundle files on disk.
func (s *Store) SizeBytes() (int64, error) {
	entries, err := s.scan()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.size
	}
	return total, nil
}

// PruneToSize removes the least recently modified entries until the bundle
// files total at most targetBytes. Entries for which keep returns true are
// never removed. It returns the number of bytes freed.
func (s *Store) PruneToSize(targetBytes int64, keep func(id string) bool) (int64, error) {
	if targetBytes < 0 {
		targetBytes = 0
	}
	entries, err := s.scan()
	if err != nil {
		return 0, err
	}
	var remaining int64
	for _, e := range entries {
		remaining += e.size
	}
	if remaining <= targetBytes {
		return 0, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].id < entries[j].id
		}
		return entries[i].modTime.Before(entries[j].modTime)
	})

	var freed int64
	for _, e := range entries {
		if remaining <= targetBytes {
			break
		}
		if keep != nil && keep(e.id) {
			continue
		}
		if err := s.Delete(e.id); err != nil {
			return freed, err
		}
		remaining -= e.size
		freed += e.size
	}
	return freed, nil
}

// scan walks the bundles directory and sums every entry's files.
func (s *Store) scan() ([]diskEntry, error) {
	root := filepath.Join(s.root, bundlesDir)
	byID := make(map[string]*diskEntry)
	var order []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		id := parts[1]
		e, ok := byID[id]
		if !ok {
			e = &diskEntry{id: id}
			byID[id] = e
			order = append(order, id)
		}
		e.size += info.Size()
		if info.ModTime().After(e.modTime) {
			e.modTime = info.ModTime()
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]diskEntry, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}
