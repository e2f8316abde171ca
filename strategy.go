package bundle

import (
	"fmt"

	"github.com/meigma/bundle/archive"
	"github.com/meigma/bundle/manifest"
)

// openStrategy implements the Checking step of one kind of request. check
// runs on a worker once every loader is ready; it may only read from the
// main bundle.
type openStrategy interface {
	kind() string
	check(main *manifest.BundleRecord, a archive.Archive, path string) (result, error)
}

// result is what a successful Checking step produces. Exactly one field is
// set, depending on the strategy.
type result struct {
	object  []byte
	objects map[string][]byte
	path    string
	scene   *Scene
}

// Scene is a loaded scene. A scene loaded suspended stays inactive until
// [Handle.ActivateScene] is called.
type Scene struct {
	// Path is the scene's asset path.
	Path string

	// Data is the serialized scene.
	Data []byte

	active bool
}

// Active reports whether the scene has been activated.
func (s *Scene) Active() bool { return s.active }

type objectStrategy struct {
	asset string
}

func (objectStrategy) kind() string { return "object" }

func (s objectStrategy) check(main *manifest.BundleRecord, a archive.Archive, _ string) (result, error) {
	if main.RawFile {
		return result{}, fmt.Errorf("%w: %s", ErrRawFile, main.Name)
	}
	data, err := a.ReadObject(s.asset)
	if err != nil {
		return result{}, err
	}
	return result{object: data}, nil
}

type subObjectsStrategy struct {
	asset string
}

func (subObjectsStrategy) kind() string { return "sub_objects" }

func (s subObjectsStrategy) check(main *manifest.BundleRecord, a archive.Archive, _ string) (result, error) {
	if main.RawFile {
		return result{}, fmt.Errorf("%w: %s", ErrRawFile, main.Name)
	}
	objects, err := archive.SubObjects(a, s.asset)
	if err != nil {
		return result{}, err
	}
	return result{objects: objects}, nil
}

type allObjectsStrategy struct{}

func (allObjectsStrategy) kind() string { return "all_objects" }

func (allObjectsStrategy) check(main *manifest.BundleRecord, a archive.Archive, _ string) (result, error) {
	if main.RawFile {
		return result{}, fmt.Errorf("%w: %s", ErrRawFile, main.Name)
	}
	objects, err := archive.All(a)
	if err != nil {
		return result{}, err
	}
	return result{objects: objects}, nil
}

type rawFileStrategy struct{}

func (rawFileStrategy) kind() string { return "raw_file" }

func (rawFileStrategy) check(main *manifest.BundleRecord, _ archive.Archive, path string) (result, error) {
	if !main.RawFile {
		return result{}, fmt.Errorf("%w: %s", ErrNotRawFile, main.Name)
	}
	return result{path: path}, nil
}

type sceneStrategy struct {
	asset   string
	suspend bool
}

func (sceneStrategy) kind() string { return "scene" }

func (s sceneStrategy) check(main *manifest.BundleRecord, a archive.Archive, _ string) (result, error) {
	if main.RawFile {
		return result{}, fmt.Errorf("%w: %s", ErrRawFile, main.Name)
	}
	data, err := a.ReadObject(s.asset)
	if err != nil {
		return result{}, err
	}
	return result{scene: &Scene{Path: s.asset, Data: data, active: !s.suspend}}, nil
}
