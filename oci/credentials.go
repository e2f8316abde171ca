package oci

import (
	"context"
	"errors"
	"strings"

	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
)

// DockerCredentials returns a credential store that reads the Docker config
// (~/.docker/config.json) and its credential helpers.
func DockerCredentials() (credentials.Store, error) {
	return credentials.NewStoreFromDocker(credentials.StoreOptions{})
}

// StaticCredentials returns a read-only store holding one username and
// password for registry.
func StaticCredentials(registry, username, password string) credentials.Store {
	return &staticStore{
		registry: normalizeServerAddress(registry),
		cred:     auth.Credential{Username: username, Password: password},
	}
}

// StaticToken returns a read-only store holding one bearer token for registry.
func StaticToken(registry, token string) credentials.Store {
	return &staticStore{
		registry: normalizeServerAddress(registry),
		cred:     auth.Credential{AccessToken: token},
	}
}

type staticStore struct {
	registry string
	cred     auth.Credential
}

func (s *staticStore) Get(_ context.Context, serverAddress string) (auth.Credential, error) {
	if normalizeServerAddress(serverAddress) == s.registry {
		return s.cred, nil
	}
	return auth.EmptyCredential, nil
}

func (s *staticStore) Put(context.Context, string, auth.Credential) error {
	return errors.New("oci: static credential store is read-only")
}

func (s *staticStore) Delete(context.Context, string) error {
	return errors.New("oci: static credential store is read-only")
}

// normalizeServerAddress strips scheme and path, keeping host and port.
func normalizeServerAddress(addr string) string {
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimPrefix(addr, "https://")
	addr, _, _ = strings.Cut(addr, "/")
	return addr
}
