package manifest

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/bundle/internal/verify"
)

// ErrParseCanceled is returned by Step after Cancel.
var ErrParseCanceled = errors.New("manifest: parse canceled")

type parseStage uint8

const (
	stageHeader parseStage = iota
	stageAssets
	stageBundleCount
	stageBundles
	stageFinalize
	stageDone
)

// Parser decodes a manifest incrementally so that large manifests can be
// parsed a slice at a time from a frame loop. A Parser is not safe for
// concurrent use.
type Parser struct {
	r     reader
	stage parseStage
	err   error

	m           *Manifest
	assetCount  int
	bundleCount int
}

// NewParser returns a parser over data. The parser retains data until done.
func NewParser(data []byte) *Parser {
	return &Parser{r: reader{buf: data}}
}

// Load parses a complete manifest in one call.
func Load(data []byte) (*Manifest, error) {
	p := NewParser(data)
	for {
		done, err := p.Step(0)
		if err != nil {
			return nil, err
		}
		if done {
			return p.Manifest(), nil
		}
	}
}

// Step parses up to budget asset or bundle records (budget <= 0 means no
// limit) and reports whether parsing has finished. Once Step returns an
// error, every later call returns the same error.
func (p *Parser) Step(budget int) (bool, error) {
	if p.err != nil {
		return false, p.err
	}
	if budget <= 0 {
		budget = int(^uint(0) >> 1)
	}
	for budget > 0 && p.stage != stageDone {
		switch p.stage {
		case stageHeader:
			p.header()
		case stageAssets:
			if len(p.m.assets) == p.assetCount {
				p.stage = stageBundleCount
				continue
			}
			p.asset()
			budget--
		case stageBundleCount:
			p.bundleCount = p.count("bundle count")
			p.m.bundles = make([]*BundleRecord, 0, p.bundleCount)
			p.stage = stageBundles
		case stageBundles:
			if len(p.m.bundles) == p.bundleCount {
				p.stage = stageFinalize
				continue
			}
			p.bundle()
			budget--
		case stageFinalize:
			if p.r.remaining() != 0 {
				p.r.fail("%d trailing bytes", p.r.remaining())
			}
			if p.r.err == nil {
				p.m.digest = digest.FromBytes(p.r.buf)
				p.r.err = p.m.finalize()
			}
			p.stage = stageDone
			budget--
		}
		if p.r.err != nil {
			p.err = p.r.err
			return false, p.err
		}
	}
	return p.stage == stageDone, nil
}

// Cancel stops parsing. Subsequent calls to Step return ErrParseCanceled.
func (p *Parser) Cancel() {
	if p.err == nil && p.stage != stageDone {
		p.err = ErrParseCanceled
	}
}

// Progress returns the fraction of records parsed, in [0, 1].
func (p *Parser) Progress() float64 {
	switch p.stage {
	case stageHeader:
		return 0
	case stageDone:
		return 1
	}
	total := p.assetCount + p.bundleCount
	if p.stage < stageBundles || total == 0 {
		return 0.5 * float64(len(p.m.assets)) / float64(max(p.assetCount, 1))
	}
	return float64(len(p.m.assets)+len(p.m.bundles)) / float64(total+1)
}

// Manifest returns the parsed manifest once Step has reported done.
func (p *Parser) Manifest() *Manifest {
	if p.stage != stageDone || p.err != nil {
		return nil
	}
	return p.m
}

func (p *Parser) header() {
	r := &p.r
	if magic := r.u32("magic"); r.err == nil && magic != Magic {
		r.fail("signature %#08x, want %#08x", magic, Magic)
		return
	}
	if v := r.str("format version"); r.err == nil && v != FormatVersion {
		r.fail("format version %q, want %q", v, FormatVersion)
		return
	}
	p.m = &Manifest{formatVersion: FormatVersion}
	p.m.addressable = r.boolean("addressable")
	p.m.nameStyle = NameStyle(r.i32("name style"))
	p.m.packageName = r.str("package name")
	p.m.packageVersion = r.str("package version")
	p.assetCount = p.count("asset count")
	if r.err == nil {
		p.m.assets = make([]*AssetRecord, 0, p.assetCount)
	}
	p.stage = stageAssets
}

func (p *Parser) count(what string) int {
	n := p.r.i32(what)
	if p.r.err == nil && n < 0 {
		p.r.fail("negative %s %d", what, n)
		return 0
	}
	// Every record occupies at least a few bytes; reject counts that cannot fit.
	if p.r.err == nil && int(n) > p.r.remaining() {
		p.r.fail("%s %d exceeds remaining input", what, n)
		return 0
	}
	return int(n)
}

func (p *Parser) asset() {
	r := &p.r
	a := &AssetRecord{
		Path:      r.str("asset path"),
		Address:   r.str("asset address"),
		Tags:      r.strs("asset tags"),
		BundleID:  r.i32("asset bundle id"),
		DependIDs: r.i32s("asset dependencies"),
	}
	if r.err == nil {
		p.m.assets = append(p.m.assets, a)
	}
}

func (p *Parser) bundle() {
	r := &p.r
	b := &BundleRecord{
		ID:        len(p.m.bundles),
		Name:      r.str("bundle name"),
		Hash:      digest.Digest(r.str("bundle hash")),
		CRC:       r.u32("bundle crc"),
		Size:      r.i64("bundle size"),
		Encrypted: r.boolean("bundle encrypted"),
		RawFile:   r.boolean("bundle raw file"),
		Tags:      r.strs("bundle tags"),
	}
	if r.err == nil {
		p.m.bundles = append(p.m.bundles, b)
	}
}

// Header carries the manifest-level fields for [New].
type Header struct {
	Addressable    bool
	NameStyle      NameStyle
	PackageName    string
	PackageVersion string
}

// New builds a manifest from records, applying the same validation as Load.
// Record IDs of bundles are assigned from their position.
func New(h Header, assets []AssetRecord, bundles []BundleRecord) (*Manifest, error) {
	m := &Manifest{
		formatVersion:  FormatVersion,
		addressable:    h.Addressable,
		nameStyle:      h.NameStyle,
		packageName:    h.PackageName,
		packageVersion: h.PackageVersion,
		assets:         make([]*AssetRecord, len(assets)),
		bundles:        make([]*BundleRecord, len(bundles)),
	}
	for i := range assets {
		a := assets[i]
		m.assets[i] = &a
	}
	for i := range bundles {
		b := bundles[i]
		b.ID = i
		m.bundles[i] = &b
	}
	if err := m.finalize(); err != nil {
		return nil, err
	}
	data, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	m.digest = digest.FromBytes(data)
	return m, nil
}

// finalize validates invariants and builds the lookup maps.
func (m *Manifest) finalize() error {
	if !m.nameStyle.valid() {
		return fmt.Errorf("%w: invalid name style %d", ErrCorruptManifest, m.nameStyle)
	}
	if m.packageName == "" {
		return fmt.Errorf("%w: empty package name", ErrCorruptManifest)
	}

	m.bundlesByName = make(map[string]*BundleRecord, len(m.bundles))
	for _, b := range m.bundles {
		if b.Name == "" {
			return fmt.Errorf("%w: bundle %d has no name", ErrCorruptManifest, b.ID)
		}
		if _, dup := m.bundlesByName[b.Name]; dup {
			return fmt.Errorf("%w: duplicate bundle name %q", ErrCorruptManifest, b.Name)
		}
		if err := verify.ValidateDigest(b.Hash); err != nil {
			return fmt.Errorf("%w: bundle %q hash: %v", ErrCorruptManifest, b.Name, err)
		}
		if b.Size < 0 {
			return fmt.Errorf("%w: bundle %q has negative size", ErrCorruptManifest, b.Name)
		}
		b.fileName = fileNameFor(m.nameStyle, b.Name, b.Hash)
		m.bundlesByName[b.Name] = b
	}

	m.assetsByPath = make(map[string]*AssetRecord, len(m.assets))
	m.aliases = make(map[string]string)
	for _, a := range m.assets {
		if a.Path == "" {
			return fmt.Errorf("%w: asset with empty path", ErrCorruptManifest)
		}
		if _, dup := m.assetsByPath[a.Path]; dup {
			return fmt.Errorf("%w: duplicate asset path %q", ErrCorruptManifest, a.Path)
		}
		if !m.validIndex(a.BundleID) {
			return fmt.Errorf("%w: asset %q bundle index %d out of range", ErrCorruptManifest, a.Path, a.BundleID)
		}
		for _, id := range a.DependIDs {
			if !m.validIndex(id) {
				return fmt.Errorf("%w: asset %q dependency index %d out of range", ErrCorruptManifest, a.Path, id)
			}
		}
		m.assetsByPath[a.Path] = a
		if m.addressable && a.Address != "" {
			if prev, dup := m.aliases[a.Address]; dup {
				return fmt.Errorf("%w: address %q used by %q and %q", ErrCorruptManifest, a.Address, prev, a.Path)
			}
			m.aliases[a.Address] = a.Path
		}
	}
	return nil
}

func (m *Manifest) validIndex(id int32) bool {
	return id >= 0 && int(id) < len(m.bundles)
}
