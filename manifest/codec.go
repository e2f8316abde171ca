package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// reader decodes the little-endian primitives of the manifest format.
// The first error sticks; later reads return zero values.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: offset %d: %s", ErrCorruptManifest, r.off, fmt.Sprintf(format, args...))
	}
}

func (r *reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.fail("truncated %s", what)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u16(what string) uint16 {
	b := r.take(2, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32(what string) uint32 {
	b := r.take(4, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) i32(what string) int32 {
	return int32(r.u32(what)) //nolint:gosec // two's complement reinterpretation
}

func (r *reader) i64(what string) int64 {
	b := r.take(8, what)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b)) //nolint:gosec // two's complement reinterpretation
}

func (r *reader) boolean(what string) bool {
	b := r.take(1, what)
	if b == nil {
		return false
	}
	switch b[0] {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail("invalid bool %d for %s", b[0], what)
		return false
	}
}

func (r *reader) str(what string) string {
	n := r.u16(what)
	b := r.take(int(n), what)
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *reader) strs(what string) []string {
	n := int(r.u16(what))
	if r.err != nil || n == 0 {
		return nil
	}
	out := make([]string, 0, n)
	for range n {
		out = append(out, r.str(what))
	}
	return out
}

func (r *reader) i32s(what string) []int32 {
	n := int(r.u16(what))
	if r.err != nil || n == 0 {
		return nil
	}
	out := make([]int32, 0, n)
	for range n {
		out = append(out, r.i32(what))
	}
	return out
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

// writer encodes the manifest format. Length overflows are reported once.
type writer struct {
	buf bytes.Buffer
	err error
}

func (w *writer) u16(v uint16) {
	w.buf.Write(binary.LittleEndian.AppendUint16(nil, v))
}

func (w *writer) u32(v uint32) {
	w.buf.Write(binary.LittleEndian.AppendUint32(nil, v))
}

func (w *writer) i32(v int32) {
	w.u32(uint32(v)) //nolint:gosec // two's complement reinterpretation
}

func (w *writer) i64(v int64) {
	w.buf.Write(binary.LittleEndian.AppendUint64(nil, uint64(v))) //nolint:gosec // two's complement reinterpretation
}

func (w *writer) boolean(v bool) {
	if v {
		w.buf.WriteByte(1)
		return
	}
	w.buf.WriteByte(0)
}

func (w *writer) length(n int, what string) {
	if n > math.MaxUint16 {
		if w.err == nil {
			w.err = fmt.Errorf("manifest: %s length %d exceeds %d", what, n, math.MaxUint16)
		}
		return
	}
	w.u16(uint16(n))
}

func (w *writer) str(s, what string) {
	w.length(len(s), what)
	w.buf.WriteString(s)
}

func (w *writer) strs(ss []string, what string) {
	w.length(len(ss), what)
	for _, s := range ss {
		w.str(s, what)
	}
}

func (w *writer) i32s(vs []int32, what string) {
	w.length(len(vs), what)
	for _, v := range vs {
		w.i32(v)
	}
}

// Marshal encodes m in the manifest wire format.
func Marshal(m *Manifest) ([]byte, error) {
	w := &writer{}
	w.u32(Magic)
	w.str(FormatVersion, "format version")
	w.boolean(m.addressable)
	w.i32(int32(m.nameStyle))
	w.str(m.packageName, "package name")
	w.str(m.packageVersion, "package version")

	if len(m.assets) > math.MaxInt32 || len(m.bundles) > math.MaxInt32 {
		return nil, fmt.Errorf("manifest: too many records")
	}
	w.i32(int32(len(m.assets))) //nolint:gosec // bounded above
	for _, a := range m.assets {
		w.str(a.Path, "asset path")
		w.str(a.Address, "asset address")
		w.strs(a.Tags, "asset tags")
		w.i32(a.BundleID)
		w.i32s(a.DependIDs, "asset dependencies")
	}
	w.i32(int32(len(m.bundles))) //nolint:gosec // bounded above
	for _, b := range m.bundles {
		w.str(b.Name, "bundle name")
		w.str(b.Hash.String(), "bundle hash")
		w.u32(b.CRC)
		w.i64(b.Size)
		w.boolean(b.Encrypted)
		w.boolean(b.RawFile)
		w.strs(b.Tags, "bundle tags")
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}
