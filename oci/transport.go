// Package oci provides a download transport that fetches bundle files as
// blobs from an OCI registry.
//
// URLs have the form oci://<registry>/<repository>/<file-name>. The file name
// is informational; the blob is located by the bundle's content digest, so
// bundles must be hashed with an algorithm the registry accepts (sha256 or
// sha512).
package oci

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/errcode"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/meigma/bundle/download"
)

// Scheme is the URL scheme served by Transport.
const Scheme = "oci"

// MediaTypeBundle is the media type bundle blobs are pushed with.
const MediaTypeBundle = "application/vnd.meigma.bundle.archive.v1"

var errMissingDigest = errors.New("oci: request has no digest")

// Transport fetches bundle blobs from OCI registries.
// It satisfies download.Transport.
type Transport struct {
	plainHTTP  bool
	userAgent  string
	credStore  credentials.Store
	authClient *auth.Client
}

// Option configures a Transport.
type Option func(*Transport)

// WithPlainHTTP enables plain HTTP (no TLS) for registries.
func WithPlainHTTP(enabled bool) Option {
	return func(t *Transport) {
		t.plainHTTP = enabled
	}
}

// WithCredentialStore sets the store credentials are looked up in.
// Without one, requests are anonymous.
func WithCredentialStore(store credentials.Store) Option {
	return func(t *Transport) {
		t.credStore = store
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(t *Transport) {
		t.userAgent = ua
	}
}

// New creates a Transport.
func New(opts ...Option) *Transport {
	t := &Transport{userAgent: "bundle/1.0"}
	for _, opt := range opts {
		opt(t)
	}
	t.authClient = &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
		Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
			if t.credStore == nil {
				return auth.EmptyCredential, nil
			}
			return t.credStore.Get(ctx, hostport)
		},
		Header: http.Header{
			"User-Agent": []string{t.userAgent},
		},
	}
	return t
}

// Open fetches the blob named by req.Digest from the repository in req.URL.
// Non-zero offsets are honored when the registry supports range requests.
func (t *Transport) Open(ctx context.Context, req *download.Request) (*download.Response, error) {
	if req.Digest == "" {
		return nil, errMissingDigest
	}
	repo, err := t.repository(req.URL)
	if err != nil {
		return nil, err
	}
	desc := ocispec.Descriptor{MediaType: MediaTypeBundle, Digest: req.Digest, Size: req.Size}
	rc, err := repo.Blobs().Fetch(ctx, desc)
	if err != nil {
		return nil, mapError(req.URL, err)
	}

	partial := false
	if req.Offset > 0 {
		// The registry client returns a seekable body only when the server
		// advertises byte ranges.
		if s, ok := rc.(io.Seeker); ok {
			if _, err := s.Seek(req.Offset, io.SeekStart); err != nil {
				rc.Close()
				return nil, fmt.Errorf("oci: seek to %d: %w", req.Offset, err)
			}
			partial = true
		}
	}
	return &download.Response{StatusCode: http.StatusOK, Body: rc, Partial: partial}, nil
}

// Push uploads content as the blob for a bundle file at rawURL.
func (t *Transport) Push(ctx context.Context, rawURL string, desc ocispec.Descriptor, content io.Reader) error {
	repo, err := t.repository(rawURL)
	if err != nil {
		return err
	}
	if desc.MediaType == "" {
		desc.MediaType = MediaTypeBundle
	}
	if err := repo.Blobs().Push(ctx, desc, content); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return mapError(rawURL, err)
	}
	return nil
}

func (t *Transport) repository(rawURL string) (*remote.Repository, error) {
	ref, err := RepositoryRef(rawURL)
	if err != nil {
		return nil, err
	}
	repo, err := remote.NewRepository(ref)
	if err != nil {
		return nil, fmt.Errorf("oci: parse reference %q: %w", ref, err)
	}
	repo.PlainHTTP = t.plainHTTP
	repo.Client = t.authClient
	return repo, nil
}

// RepositoryRef returns the <registry>/<repository> part of an oci:// URL.
func RepositoryRef(rawURL string) (string, error) {
	rest, ok := strings.CutPrefix(rawURL, Scheme+"://")
	if !ok {
		return "", fmt.Errorf("oci: not an %s url: %q", Scheme, rawURL)
	}
	idx := strings.LastIndex(rest, "/")
	if idx <= 0 || !strings.Contains(rest[:idx], "/") {
		return "", fmt.Errorf("oci: url %q has no repository", rawURL)
	}
	return rest[:idx], nil
}

func mapError(rawURL string, err error) error {
	if errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("%w: %v", &download.StatusError{URL: rawURL, Code: http.StatusNotFound}, err)
	}
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) {
		return fmt.Errorf("%w: %v", &download.StatusError{URL: rawURL, Code: errResp.StatusCode}, err)
	}
	return err
}
