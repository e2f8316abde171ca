package bundle

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/meigma/bundle/archive"
	"github.com/meigma/bundle/cache"
	"github.com/meigma/bundle/download"
	bundlehttp "github.com/meigma/bundle/http"
	"github.com/meigma/bundle/internal/task"
	"github.com/meigma/bundle/manifest"
)

// Manager is the entry point for one package: it owns the cache store, the
// download engine, the worker pool and the registries of live loaders and
// providers.
//
// Manager is not safe for concurrent use. Every method, and every method of
// the handles it returns, must be called from the goroutine that drives
// [Manager.Update].
type Manager struct {
	packageName string
	logger      *slog.Logger

	store  *cache.Store
	engine *download.Engine
	pool   *task.Pool

	endpoints    download.Endpoints
	httpOpts     []bundlehttp.Option
	engineOpts   []download.Option
	storeOpts    []cache.Option
	opener       archive.Opener
	decryptor    archive.Decryptor
	appFootprint string
	workers      int
	parseBudget  int

	manifest *manifest.Manifest
	init     *Operation

	loaders      map[string]*Loader
	loaderList   []*Loader
	providers    map[string]*Provider
	providerList []*Provider
	batches      []*BatchDownload

	providersDestroyed int
	loadersDestroyed   int
	closed             bool
}

// New creates a Manager for packageName with its cache under root.
// The manager cannot serve loads until [Manager.Initialize] completes.
func New(root, packageName string, opts ...Option) (*Manager, error) {
	m := &Manager{
		packageName: packageName,
		logger:      slog.New(slog.DiscardHandler),
		opener:      archive.ZipOpener{},
		parseBudget: DefaultParseBudget,
		loaders:     make(map[string]*Loader),
		providers:   make(map[string]*Provider),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}

	store, err := cache.New(root, packageName, append(m.storeOpts, cache.WithLogger(m.logger))...)
	if err != nil {
		return nil, fmt.Errorf("bundle: open cache: %w", err)
	}
	m.store = store
	m.pool = task.NewPool(m.workers)

	web := bundlehttp.New(m.httpOpts...)
	engineOpts := []download.Option{
		download.WithTransport("http", web),
		download.WithTransport("https", web),
	}
	engineOpts = append(engineOpts, m.engineOpts...)
	engineOpts = append(engineOpts, download.WithPool(m.pool), download.WithLogger(m.logger))
	m.engine = download.NewEngine(store, m.endpoints, engineOpts...)
	return m, nil
}

// Manifest returns the active manifest, or nil before initialization.
func (m *Manager) Manifest() *manifest.Manifest { return m.manifest }

// Store returns the cache store.
func (m *Manager) Store() *cache.Store { return m.store }

// Initialized reports whether a manifest is active.
func (m *Manager) Initialized() bool { return m.manifest != nil }

// Update advances initialization, downloads, loaders, providers and batch
// downloads by one step, in that order, then tears down everything that
// is finished and unreferenced.
func (m *Manager) Update() {
	if m.closed {
		return
	}
	if m.init != nil && !m.init.Done() {
		m.init.update()
	}
	m.engine.Update()
	for _, l := range m.loaderList {
		l.update()
	}
	// Opens started this tick are joined before providers are polled.
	for _, l := range m.loaderList {
		l.waitOpen()
	}
	for _, p := range m.providerList {
		p.update()
	}
	m.reap()
	if len(m.batches) > 0 {
		live := m.batches[:0]
		for _, b := range m.batches {
			b.update()
			if !b.Done() {
				live = append(live, b)
			}
		}
		clear(m.batches[len(live):])
		m.batches = live
	}
}

// reap destroys providers and loaders that are terminal and unreferenced.
func (m *Manager) reap() {
	for _, p := range m.providerList {
		if !p.destroyed && p.refs == 0 && p.status.Terminal() {
			m.destroyProvider(p)
		}
	}
	for _, l := range m.loaderList {
		if !l.destroyed && l.refs == 0 && l.status.Terminal() {
			m.destroyLoader(l)
		}
	}
	m.providerList = compact(m.providerList, func(p *Provider) bool { return p.destroyed })
	m.loaderList = compact(m.loaderList, func(l *Loader) bool { return l.destroyed })
}

func compact[T any](s []T, drop func(T) bool) []T {
	live := s[:0]
	for _, v := range s {
		if !drop(v) {
			live = append(live, v)
		}
	}
	clear(s[len(live):])
	return live
}

// acquireLoader returns the loader for rec with one more reference,
// creating it if needed. A failed loader is replaced so that a new request
// retries the bundle.
func (m *Manager) acquireLoader(rec *manifest.BundleRecord) *Loader {
	if l, ok := m.loaders[rec.Name]; ok {
		if l.status != LoaderFailed {
			l.refs++
			return l
		}
		delete(m.loaders, rec.Name)
	}
	l := newLoader(m, rec)
	m.loaders[rec.Name] = l
	m.loaderList = append(m.loaderList, l)
	return l
}

func (m *Manager) releaseLoader(l *Loader) {
	l.release()
	if !l.destroyed && l.refs == 0 && l.status.Terminal() {
		m.destroyLoader(l)
	}
}

func (m *Manager) destroyLoader(l *Loader) {
	if l.destroyed {
		return
	}
	l.destroy()
	if cur, ok := m.loaders[l.rec.Name]; ok && cur == l {
		delete(m.loaders, l.rec.Name)
	}
	m.loadersDestroyed++
}

func (m *Manager) destroyProvider(p *Provider) {
	if p.destroyed {
		return
	}
	p.destroyed = true
	if cur, ok := m.providers[p.key]; ok && cur == p {
		delete(m.providers, p.key)
	}
	for _, l := range p.loaders() {
		m.releaseLoader(l)
	}
	p.main, p.deps = nil, nil
	m.providersDestroyed++
	m.logger.Debug("provider destroyed", "request", p.key)
}

// ForceUnloadAll tears down every provider and loader regardless of
// outstanding handles. Handles stay safe to call but report ErrUnloaded or,
// after release, ErrHandleReleased. In-flight downloads are aborted and
// in-flight opens are waited for.
func (m *Manager) ForceUnloadAll() {
	for _, p := range m.providerList {
		if p.destroyed {
			continue
		}
		p.forceFinish()
		m.destroyProvider(p)
	}
	for _, l := range m.loaderList {
		if l.destroyed {
			continue
		}
		l.forceFinish()
		m.destroyLoader(l)
	}
	m.providerList = m.providerList[:0]
	m.loaderList = m.loaderList[:0]
	for _, b := range m.batches {
		b.Cancel()
	}
	m.batches = m.batches[:0]
	m.logger.Info("all loads unloaded")
}

// ClearUnusedCache deletes every cached bundle the active manifest does not
// reference and returns how many were removed.
func (m *Manager) ClearUnusedCache() (int, error) {
	if m.manifest == nil {
		return 0, ErrNotInitialized
	}
	removed, err := m.store.PruneUnused(m.manifest)
	return len(removed), err
}

// PruneCache evicts least recently written bundles until the cache holds at
// most targetBytes. Bundles of live loaders and in-flight downloads are kept.
func (m *Manager) PruneCache(targetBytes int64) (int64, error) {
	keep := make(map[string]struct{})
	for _, l := range m.loaderList {
		if !l.destroyed {
			keep[l.rec.CacheID()] = struct{}{}
		}
	}
	for _, rec := range m.engine.Records() {
		keep[rec.CacheID()] = struct{}{}
	}
	return m.store.PruneToSize(targetBytes, func(id string) bool {
		_, ok := keep[id]
		return ok
	})
}

// Stats reports the manager's live object counts.
type Stats struct {
	Providers          int
	Loaders            int
	Downloads          int
	CachedBundles      int
	ProvidersDestroyed int
	LoadersDestroyed   int
}

// Stats returns the current counts.
func (m *Manager) Stats() Stats {
	s := Stats{
		Downloads:          m.engine.Active(),
		CachedBundles:      m.store.Len(),
		ProvidersDestroyed: m.providersDestroyed,
		LoadersDestroyed:   m.loadersDestroyed,
	}
	for _, p := range m.providerList {
		if !p.destroyed {
			s.Providers++
		}
	}
	for _, l := range m.loaderList {
		if !l.destroyed {
			s.Loaders++
		}
	}
	return s
}

// Close unloads everything, aborts downloads and stops the worker pool.
// It is safe to call more than once.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	m.ForceUnloadAll()
	if m.init != nil && !m.init.Done() {
		m.init.fail(ErrClosed)
	}
	m.engine.AbortAll()
	m.pool.Close()
	m.closed = true
	return nil
}

// resolve maps a location to an asset path. Locations are tried as paths
// first and then as addresses.
func (m *Manager) resolve(location string) (string, error) {
	if m.closed {
		return "", ErrClosed
	}
	if m.manifest == nil {
		return "", ErrNotInitialized
	}
	if _, err := m.manifest.Asset(location); err == nil {
		return location, nil
	}
	if m.manifest.Addressable() {
		p, err := m.manifest.MapAlias(location)
		if err == nil {
			return p, nil
		}
		m.logger.Warn("location is neither an asset path nor an address", "location", location)
	}
	return "", fmt.Errorf("%w: %s", manifest.ErrAssetNotFound, location)
}

func (m *Manager) logFailure(p *Provider) {
	if errors.Is(p.err, ErrCanceled) || errors.Is(p.err, ErrUnloaded) {
		m.logger.Debug("load ended", "request", p.key, "error", p.err)
		return
	}
	if p.strategy == nil {
		m.logger.Error("load failed", "location", p.location, "error", p.err)
		return
	}
	m.logger.Error("load failed", "location", p.location, "kind", p.strategy.kind(), "error", p.err)
}
