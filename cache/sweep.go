package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/meigma/bundle/internal/task"
)

// enumeration is posted once by the enumerating worker.
type enumeration struct {
	candidates []candidate
	strays     []string
	err        error
}

// verdict is posted by a verification worker for one candidate.
type verdict struct {
	entry *Entry
	err   error
}

// Sweep rebuilds the index from entries found on disk.
//
// Enumeration and verification run on the worker pool; results are applied
// to the index only from [Sweep.Update], on the goroutine that owns the store.
type Sweep struct {
	store    *Store
	pool     *task.Pool
	listing  *task.Queue[enumeration]
	verdicts *task.Queue[verdict]

	enumerated bool
	found      int
	checked    int
	verified   int
	removed    int
}

// StartSweep begins verifying every on-disk entry that is not yet indexed.
// A nil pool runs the whole sweep synchronously.
func (s *Store) StartSweep(pool *task.Pool) *Sweep {
	sw := &Sweep{
		store:   s,
		pool:    pool,
		listing: task.NewQueue[enumeration](1),
	}
	known := make(map[string]struct{}, len(s.entries))
	for id := range s.entries {
		known[id] = struct{}{}
	}
	root := filepath.Join(s.root, bundlesDir)
	list := func(context.Context) {
		candidates, strays, err := enumerate(root, known)
		sw.listing.Post(enumeration{candidates: candidates, strays: strays, err: err})
	}
	if pool == nil {
		list(context.Background())
		sw.Update()
		return sw
	}
	pool.Go(list)
	return sw
}

// Update applies results posted since the previous call and reports whether
// the sweep is complete.
func (sw *Sweep) Update() bool {
	if !sw.enumerated {
		sw.listing.Drain(sw.schedule)
	}
	if sw.verdicts != nil {
		sw.verdicts.Drain(sw.apply)
	}
	return sw.Done()
}

// Wait blocks until every result has been applied.
func (sw *Sweep) Wait() {
	if !sw.enumerated {
		sw.schedule(sw.listing.Next())
	}
	for !sw.Done() {
		sw.apply(sw.verdicts.Next())
	}
}

func (sw *Sweep) schedule(ev enumeration) {
	sw.enumerated = true
	sw.found = len(ev.candidates)
	if ev.err != nil {
		sw.store.logger.Warn("cache sweep enumeration incomplete", "error", ev.err)
	}
	for _, p := range ev.strays {
		sw.store.logger.Warn("unexpected file in cache", "path", p)
	}
	// Capacity covers every verdict so workers never block on a slow consumer.
	sw.verdicts = task.NewQueue[verdict](len(ev.candidates))
	level, checkCRC := sw.store.level, sw.store.checkCRC
	for _, c := range ev.candidates {
		job := func(context.Context) {
			e, err := c.verify(level, checkCRC)
			sw.verdicts.Post(verdict{entry: e, err: err})
		}
		if sw.pool == nil {
			job(context.Background())
			continue
		}
		sw.pool.Go(job)
	}
}

func (sw *Sweep) apply(v verdict) {
	sw.checked++
	if v.err == nil {
		sw.store.record(v.entry)
		sw.verified++
		return
	}
	sw.store.logger.Warn("removing cache entry that failed verification",
		"id", v.entry.ID, "level", sw.store.level.String(), "error", v.err)
	if err := sw.store.Delete(v.entry.ID); err != nil {
		sw.store.logger.Warn("remove cache entry", "id", v.entry.ID, "error", err)
	}
	sw.removed++
}

// Done reports whether every candidate has been checked.
func (sw *Sweep) Done() bool {
	return sw.enumerated && sw.checked == sw.found
}

// Progress returns the fraction of candidates checked.
func (sw *Sweep) Progress() float64 {
	if !sw.enumerated {
		return 0
	}
	if sw.found == 0 {
		return 1
	}
	return float64(sw.checked) / float64(sw.found)
}

// Verified returns how many entries were added to the index.
func (sw *Sweep) Verified() int { return sw.verified }

// Removed returns how many entries failed verification and were deleted.
func (sw *Sweep) Removed() int { return sw.removed }

type candidate struct {
	id  string
	dir string
}

func (c candidate) verify(level VerifyLevel, checkCRC bool) (*Entry, error) {
	e := &Entry{
		ID:       c.id,
		DataPath: filepath.Join(c.dir, dataName),
		InfoPath: filepath.Join(c.dir, infoName),
	}
	var rec infoRecord
	if err := readCBOR(e.InfoPath, &rec); err != nil {
		return e, err
	}
	if rec.Hash.Encoded() != c.id {
		return e, errors.New("info hash does not match entry identifier")
	}
	e.Hash, e.CRC, e.Size = rec.Hash, rec.CRC, rec.Size
	return e, verifyEntry(e.DataPath, e.InfoPath, &rec, level, checkCRC)
}

// enumerate lists entry directories under root that are not in known, and
// regular files that do not belong to the layout.
func enumerate(root string, known map[string]struct{}) ([]candidate, []string, error) {
	shards, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var out []candidate
	var strays []string
	for _, shard := range shards {
		shardPath := filepath.Join(root, shard.Name())
		if !shard.IsDir() {
			strays = append(strays, shardPath)
			continue
		}
		ids, err := os.ReadDir(shardPath)
		if err != nil {
			return out, strays, err
		}
		for _, id := range ids {
			if !id.IsDir() {
				strays = append(strays, filepath.Join(shardPath, id.Name()))
				continue
			}
			if _, ok := known[id.Name()]; ok {
				continue
			}
			dir := filepath.Join(shardPath, id.Name())
			if staging(dir) {
				continue
			}
			out = append(out, candidate{id: id.Name(), dir: dir})
		}
	}
	return out, strays, nil
}

// staging reports whether dir holds only an interrupted download, which is
// kept so the next fetch can resume it.
func staging(dir string) bool {
	for _, name := range []string{infoName, dataName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return false
		}
	}
	return true
}
