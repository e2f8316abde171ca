package cache

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/bundle/internal/verify"
	"github.com/meigma/bundle/manifest"
)

// ErrVerificationFailed is returned when a file does not match its record.
var ErrVerificationFailed = errors.New("cache: verification failed")

const (
	bundlesDir    = "bundles"
	manifestsDir  = "manifests"
	footprintName = "footprint"
	dataName      = "__data"
	infoName      = "__info"
	tempName      = "__temp"

	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
	defaultFilePerm       = 0o600
)

// Entry is one verified bundle file in the store.
type Entry struct {
	ID       string
	DataPath string
	InfoPath string
	Hash     digest.Digest
	CRC      uint32
	Size     int64
}

// Store is the on-disk cache for one package.
type Store struct {
	root        string
	packageName string
	dirPerm     os.FileMode
	level       VerifyLevel
	checkCRC    bool
	builtin     Builtin
	unpack      bool
	logger      *slog.Logger

	entries map[string]*Entry
}

// Option configures a Store.
type Option func(*Store)

// WithVerifyLevel sets the level used by the startup sweep.
// Defaults to VerifyMiddle.
func WithVerifyLevel(level VerifyLevel) Option {
	return func(s *Store) {
		s.level = level
	}
}

// WithCRCCheck enables CRC comparison at VerifyHigh.
func WithCRCCheck(enabled bool) Option {
	return func(s *Store) {
		s.checkCRC = enabled
	}
}

// WithBuiltin sets the query for files shipped with the application.
func WithBuiltin(b Builtin) Option {
	return func(s *Store) {
		s.builtin = b
	}
}

// WithUnpackBuiltin requires builtin files to be imported into the store
// before use instead of being opened in place.
func WithUnpackBuiltin(enabled bool) Option {
	return func(s *Store) {
		s.unpack = enabled
	}
}

// WithDirPerm sets the permissions for created directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a store for packageName rooted at root.
// The index starts empty; call [Store.StartSweep] to rebuild it from disk.
func New(root, packageName string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("cache: root dir is empty")
	}
	if packageName == "" || packageName != filepath.Base(packageName) {
		return nil, fmt.Errorf("cache: invalid package name %q", packageName)
	}
	s := &Store{
		packageName: packageName,
		dirPerm:     defaultDirPerm,
		level:       VerifyMiddle,
		builtin:     noBuiltin{},
		logger:      slog.New(slog.DiscardHandler),
		entries:     make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.root = filepath.Join(root, packageName)
	if err := os.MkdirAll(filepath.Join(s.root, bundlesDir), s.dirPerm); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(s.root, manifestsDir), s.dirPerm); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the package directory.
func (s *Store) Root() string { return s.root }

// Level returns the configured sweep verification level.
func (s *Store) Level() VerifyLevel { return s.level }

// Exists reports whether rec is present and verified.
func (s *Store) Exists(rec *manifest.BundleRecord) bool {
	e, ok := s.entries[rec.CacheID()]
	return ok && e.Size == rec.Size
}

// Entry returns the recorded entry for rec.
func (s *Store) Entry(rec *manifest.BundleRecord) (*Entry, bool) {
	e, ok := s.entries[rec.CacheID()]
	return e, ok
}

// Len returns the number of recorded entries.
func (s *Store) Len() int { return len(s.entries) }

// IDs returns the recorded identifiers in sorted order.
func (s *Store) IDs() []string {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NeedsDownload reports whether rec must be fetched from a remote endpoint.
func (s *Store) NeedsDownload(rec *manifest.BundleRecord) bool {
	if s.Exists(rec) {
		return false
	}
	return !s.builtin.Has(rec.FileName())
}

// NeedsUnpack reports whether rec ships with the application but must be
// imported into the store before use.
func (s *Store) NeedsUnpack(rec *manifest.BundleRecord) bool {
	if s.Exists(rec) || !s.builtin.Has(rec.FileName()) {
		return false
	}
	return s.unpack
}

// IsBuiltin reports whether rec ships with the application.
func (s *Store) IsBuiltin(rec *manifest.BundleRecord) bool {
	return s.builtin.Has(rec.FileName())
}

// BuiltinPath returns the path of the builtin copy of rec.
func (s *Store) BuiltinPath(rec *manifest.BundleRecord) string {
	return s.builtin.Path(rec.FileName())
}

// DataPath returns where the verified file for rec lives.
func (s *Store) DataPath(rec *manifest.BundleRecord) string {
	return filepath.Join(s.entryDir(rec.CacheID()), dataName)
}

// InfoPath returns the info file path for rec.
func (s *Store) InfoPath(rec *manifest.BundleRecord) string {
	return filepath.Join(s.entryDir(rec.CacheID()), infoName)
}

// TempPath returns the staging path downloads and imports write to.
func (s *Store) TempPath(rec *manifest.BundleRecord) string {
	return filepath.Join(s.entryDir(rec.CacheID()), tempName)
}

func (s *Store) entryDir(id string) string {
	prefix := id
	if len(prefix) > defaultShardPrefixLen {
		prefix = prefix[:defaultShardPrefixLen]
	}
	return filepath.Join(s.root, bundlesDir, prefix, id)
}

// WriteOption configures Write.
type WriteOption func(*writeConfig)

type writeConfig struct {
	verified bool
}

// Verified tells Write that the source was already hashed against rec, so
// only its size is rechecked before it is published.
func Verified() WriteOption {
	return func(c *writeConfig) {
		c.verified = true
	}
}

// Write installs the file at src as the data for rec.
//
// The content is staged at TempPath (copied there unless src already is
// that path), verified, renamed into place, and only then described by an
// info file and recorded in the index. On verification failure the staged
// file is removed.
func (s *Store) Write(rec *manifest.BundleRecord, src string, opts ...WriteOption) error {
	var cfg writeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	dir := s.entryDir(rec.CacheID())
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return err
	}
	temp := s.TempPath(rec)
	if filepath.Clean(src) != temp {
		if err := copyFile(src, temp); err != nil {
			_ = os.Remove(temp)
			return fmt.Errorf("cache: stage %s: %w", rec.Name, err)
		}
	}

	var verr error
	if cfg.verified {
		verr = verify.Size(temp, rec.Size)
	} else {
		verr = verify.File(temp, s.expect(rec))
	}
	if verr != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("%w: %s: %w", ErrVerificationFailed, rec.Name, verr)
	}

	data := s.DataPath(rec)
	info := s.InfoPath(rec)
	// A stale info file must not describe the new data while it is moved in.
	if err := os.Remove(info); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Rename(temp, data); err != nil {
		_ = os.Remove(temp)
		return err
	}
	if err := writeCBOR(info, infoRecord{Hash: rec.Hash, CRC: rec.CRC, Size: rec.Size}, defaultFilePerm); err != nil {
		return err
	}
	s.record(&Entry{
		ID:       rec.CacheID(),
		DataPath: data,
		InfoPath: info,
		Hash:     rec.Hash,
		CRC:      rec.CRC,
		Size:     rec.Size,
	})
	s.logger.Debug("cache entry written", "bundle", rec.Name, "id", rec.CacheID())
	return nil
}

func (s *Store) record(e *Entry) {
	s.entries[e.ID] = e
}

func (s *Store) expect(rec *manifest.BundleRecord) verify.Expect {
	return verify.Expect{Size: rec.Size, Digest: rec.Hash, CRC: rec.CRC, CheckCRC: s.checkCRC}
}

// VerifyFile checks the stored file for rec at level.
func (s *Store) VerifyFile(rec *manifest.BundleRecord, level VerifyLevel) error {
	err := verifyEntry(s.DataPath(rec), s.InfoPath(rec), &infoRecord{Hash: rec.Hash, CRC: rec.CRC, Size: rec.Size}, level, s.checkCRC)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrVerificationFailed, rec.Name, err)
	}
	return nil
}

// verifyEntry checks a data file against want. It touches only the
// filesystem, so it is safe to call from worker goroutines.
func verifyEntry(dataPath, infoPath string, want *infoRecord, level VerifyLevel, checkCRC bool) error {
	if _, err := os.Stat(infoPath); err != nil {
		return fmt.Errorf("info file: %w", err)
	}
	if level == VerifyLow {
		_, err := os.Stat(dataPath)
		return err
	}
	if level == VerifyMiddle {
		return verify.Size(dataPath, want.Size)
	}
	return verify.File(dataPath, verify.Expect{Size: want.Size, Digest: want.Hash, CRC: want.CRC, CheckCRC: checkCRC})
}

// Delete removes the entry with the given identifier from disk and the index.
// Missing entries are a no-op.
func (s *Store) Delete(id string) error {
	delete(s.entries, id)
	if err := os.RemoveAll(s.entryDir(id)); err != nil {
		return err
	}
	return nil
}

// DeleteRecord removes the entry for rec.
func (s *Store) DeleteRecord(rec *manifest.BundleRecord) error {
	return s.Delete(rec.CacheID())
}

// RemoveTemp removes any staged temp file for rec.
func (s *Store) RemoveTemp(rec *manifest.BundleRecord) error {
	err := os.Remove(s.TempPath(rec))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Clear removes every cached bundle and persisted manifest of the package.
func (s *Store) Clear() error {
	s.entries = make(map[string]*Entry)
	for _, dir := range []string{bundlesDir, manifestsDir} {
		path := filepath.Join(s.root, dir)
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		if err := os.MkdirAll(path, s.dirPerm); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // caller-provided source path
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, defaultFilePerm) //nolint:gosec // path from cache layout
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
