// Package bundle loads objects out of versioned, content-addressed archive
// files that are fetched over unreliable networks and kept in a verified
// local cache.
//
// A [Manager] owns everything for one package: the cache store, the download
// engine, a worker pool and the registries of live loads. It is driven by
// calling [Manager.Update] once per tick from a single goroutine; network
// transfers, hashing and archive opens run in the background and their
// results are observed from Update.
//
// # Quick Start
//
//	m, err := bundle.New("/var/cache/game", "core",
//	    bundle.WithRemote("https://cdn.example.com/core", "https://mirror.example.com/core"),
//	    bundle.WithLogger(slog.Default()),
//	)
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
//	if err := m.Initialize(manifestBytes).WaitForCompletion(); err != nil {
//	    return err
//	}
//
//	h := m.LoadAsset("characters/hero.obj")
//	h.OnCompleted(func(h *bundle.Handle) {
//	    data, err := h.Object()
//	    // ...
//	})
//	for !h.Done() {
//	    m.Update()
//	}
//	h.Release()
//
// # Loads
//
// Each load returns a [Handle]. Handles for the same request share one
// provider, which attaches to one loader per bundle it needs: the bundle
// that owns the asset and every bundle listed as its dependency. Loaders
// are shared between providers, so each bundle is fetched and opened once
// no matter how many requests need it. Releasing the last handle of a
// request tears it down; bundles no request holds are closed.
//
// # Cache
//
// Fetched bundles are verified against the manifest before they become
// visible in the cache. At startup, entries left on disk by earlier runs are
// re-verified at the configured [cache.VerifyLevel] in the background.
// Bundles can also be served from files that ship with the application,
// see [WithBuiltinDir].
package bundle
