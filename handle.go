package bundle

import "fmt"

// Handle is a caller's reference to a load request. Every handle must be
// released exactly once; the request is torn down when its last handle is
// released and it has finished.
//
// After Release every accessor returns ErrHandleReleased.
type Handle struct {
	p        *Provider
	released bool
}

func newHandle(p *Provider) *Handle {
	return &Handle{p: p}
}

// Release drops the handle's reference. Calling it again is a no-op.
func (h *Handle) Release() {
	if h.released {
		h.p.m.logger.Warn("handle released twice", "location", h.p.location)
		return
	}
	h.released = true
	h.p.release()
}

// IsValid reports whether the handle has not been released and its request
// is still live.
func (h *Handle) IsValid() bool {
	return !h.released && !h.p.destroyed
}

// Location returns the asset path the request resolved to, or the
// location as given when it could not be resolved.
func (h *Handle) Location() string { return h.p.location }

// Status returns the request's state. A released handle reports Failed.
func (h *Handle) Status() ProviderStatus {
	if h.released {
		return ProviderFailed
	}
	return h.p.status
}

// Done reports whether the request reached a terminal state.
func (h *Handle) Done() bool { return h.Status().Terminal() }

// Err returns the request's terminal error.
func (h *Handle) Err() error {
	if h.released {
		return ErrHandleReleased
	}
	return h.p.err
}

// Progress returns the request's completion between 0 and 1.
func (h *Handle) Progress() float64 {
	if h.released {
		return 0
	}
	return h.p.progress()
}

// DownloadProgress returns the byte totals of every bundle the request needs.
func (h *Handle) DownloadProgress() (total, done int64) {
	if h.released {
		return 0, 0
	}
	return h.p.downloadProgress()
}

// OnCompleted registers fn to be called once the request is terminal.
// If it already is, fn is called immediately. Callbacks of a handle that
// has been released are skipped.
func (h *Handle) OnCompleted(fn func(*Handle)) {
	if fn == nil || h.released {
		return
	}
	h.p.onCompleted(func() {
		if !h.released {
			fn(h)
		}
	})
}

// WaitForCompletion drives the request synchronously until it is terminal
// and returns its error. It blocks the caller; use it only when the result
// cannot wait for the next Update.
func (h *Handle) WaitForCompletion() error {
	if h.released {
		return ErrHandleReleased
	}
	h.p.waitForCompletion()
	return h.p.err
}

func (h *Handle) result() (result, error) {
	switch {
	case h.released:
		return result{}, ErrHandleReleased
	case h.p.status == ProviderFailed:
		return result{}, h.p.err
	case h.p.status != ProviderSucceeded:
		return result{}, ErrNotComplete
	}
	return h.p.result, nil
}

func (h *Handle) wrongKind(want string) error {
	return fmt.Errorf("%w: %s request has no %s", ErrResultKind, h.p.strategy.kind(), want)
}

// Object returns the loaded object of a LoadAsset request.
func (h *Handle) Object() ([]byte, error) {
	r, err := h.result()
	if err != nil {
		return nil, err
	}
	if r.object == nil {
		return nil, h.wrongKind("object")
	}
	return r.object, nil
}

// Objects returns the objects of a LoadSubAssets or LoadAllAssets request.
func (h *Handle) Objects() (map[string][]byte, error) {
	r, err := h.result()
	if err != nil {
		return nil, err
	}
	if r.objects == nil {
		return nil, h.wrongKind("objects")
	}
	return r.objects, nil
}

// RawFilePath returns the local path of a LoadRawFile request's file.
func (h *Handle) RawFilePath() (string, error) {
	r, err := h.result()
	if err != nil {
		return "", err
	}
	if r.path == "" {
		return "", h.wrongKind("file path")
	}
	return r.path, nil
}

// Scene returns the scene of a LoadScene request.
func (h *Handle) Scene() (*Scene, error) {
	r, err := h.result()
	if err != nil {
		return nil, err
	}
	if r.scene == nil {
		return nil, h.wrongKind("scene")
	}
	return r.scene, nil
}

// ActivateScene activates a scene loaded suspended.
func (h *Handle) ActivateScene() error {
	s, err := h.Scene()
	if err != nil {
		return err
	}
	s.active = true
	h.p.m.logger.Debug("scene activated", "path", s.Path)
	return nil
}
