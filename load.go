package bundle

import "github.com/google/uuid"

// LoadAsset requests the object at location, which may be an asset path or
// an address. Requests for the same asset share one provider.
func (m *Manager) LoadAsset(location string) *Handle {
	path, err := m.resolve(location)
	if err != nil {
		return m.failed(location, err)
	}
	return m.request("object:"+path, path, objectStrategy{asset: path})
}

// LoadSubAssets requests every sub-object stored under the asset at location.
func (m *Manager) LoadSubAssets(location string) *Handle {
	path, err := m.resolve(location)
	if err != nil {
		return m.failed(location, err)
	}
	return m.request("subs:"+path, path, subObjectsStrategy{asset: path})
}

// LoadAllAssets requests every object in the bundle that owns location.
// Requests naming any asset of the same bundle share one provider.
func (m *Manager) LoadAllAssets(location string) *Handle {
	path, err := m.resolve(location)
	if err != nil {
		return m.failed(location, err)
	}
	rec, err := m.manifest.MainBundle(path)
	if err != nil {
		return m.failed(location, err)
	}
	return m.request("all:"+rec.Name, path, allObjectsStrategy{})
}

// LoadRawFile requests the local path of the raw-file bundle owning location.
func (m *Manager) LoadRawFile(location string) *Handle {
	path, err := m.resolve(location)
	if err != nil {
		return m.failed(location, err)
	}
	return m.request("raw:"+path, path, rawFileStrategy{})
}

// LoadScene requests the scene at location. Scene requests are never
// shared. With suspend the scene stays inactive until
// [Handle.ActivateScene].
func (m *Manager) LoadScene(location string, suspend bool) *Handle {
	path, err := m.resolve(location)
	if err != nil {
		return m.failed(location, err)
	}
	return m.request("scene:"+path+":"+uuid.NewString(), path, sceneStrategy{asset: path, suspend: suspend})
}

// request attaches to the live provider for key or creates one. A failed
// provider is detached so the new request retries; its existing handles
// keep reporting the old failure.
func (m *Manager) request(key, path string, s openStrategy) *Handle {
	if p, ok := m.providers[key]; ok {
		if p.status != ProviderFailed {
			p.refs++
			return newHandle(p)
		}
		delete(m.providers, key)
	}
	p := newProvider(m, key, path, s)
	m.providers[key] = p
	m.providerList = append(m.providerList, p)
	return newHandle(p)
}

func (m *Manager) failed(location string, err error) *Handle {
	p := failedProvider(m, location, err)
	m.logFailure(p)
	return newHandle(p)
}
