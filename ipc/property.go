// Package ipc implements the tagged key/value property map used both as
// the per-tile-level persisted state (§4.7) and as the general
// marshalling medium between processes sharing a cache.
//
// The on-disk segment (segment.go) borrows its mmap-for-fast-path-reads
// trick from the teacher's memory-mapped COG reader
// (internal/cog/reader.go, mmap_unix.go/mmap_other.go): a read-only
// consumer maps the file directly, while the writer, holding a
// cross-process file lock, writes a temporary file and renames it
// over the segment.
package ipc

import (
	"fmt"
	"math"

	"github.com/natronlabs/tilecache/errs"
)

// Kind identifies the scalar type a Property holds.
type Kind int

const (
	KindBool Kind = iota
	KindI32
	KindU32
	KindU64
	KindF64
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindI32:
		return "i32"
	case KindU32:
		return "u32"
	case KindU64:
		return "u64"
	case KindF64:
		return "f64"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Property is a named, typed, 1-D vector of scalars. Numeric scalars
// (including bool and f64) are bit-cast into a single u64 word per
// element, matching spec §4.1 ("Scalars are stored as a u64"). Strings
// are stored in a parallel side table rather than as an in-segment
// pointer: Go has no safe way to embed a raw pointer inside a shared
// byte slice, so the index-into-a-side-table is the idiomatic reading
// of "a pointer to a character vector allocated in the same segment".
type Property struct {
	kind    Kind
	words   []uint64 // bit-cast scalar storage, len == NumDims()
	strings []string // parallel to words when kind == KindString
}

// NumDims returns the property's vector length.
func (p *Property) NumDims() int { return len(p.words) }

// Kind returns the property's scalar type.
func (p *Property) Kind() Kind { return p.kind }

// Resize grows or shrinks the property's vector length, zero-filling
// new elements.
func (p *Property) Resize(n int) {
	if n < 0 {
		n = 0
	}
	for len(p.words) < n {
		p.words = append(p.words, 0)
		if p.kind == KindString {
			p.strings = append(p.strings, "")
		}
	}
	p.words = p.words[:n]
	if p.kind == KindString {
		p.strings = p.strings[:n]
	}
}

func (p *Property) checkIndex(op string, i int) error {
	if i < 0 || i >= len(p.words) {
		return fmt.Errorf("ipc: %s: index %d out of range [0,%d)", op, i, len(p.words))
	}
	return nil
}

func (p *Property) checkKind(op string, want Kind) error {
	if p.kind != want {
		return fmt.Errorf("ipc: %s: property kind is %s, not %s", op, p.kind, want)
	}
	return nil
}

// GetBool/SetBool, GetI32/SetI32, ... are the typed accessors. Each
// returns an error on an out-of-range index or a kind mismatch rather
// than panicking: unlike GetOrCreate (a programmer error on first
// use), an index/kind mismatch here can legitimately happen when
// reading a segment written by a different cache version.

func (p *Property) GetBool(i int) (bool, error) {
	if err := p.checkKind("GetBool", KindBool); err != nil {
		return false, err
	}
	if err := p.checkIndex("GetBool", i); err != nil {
		return false, err
	}
	return p.words[i] != 0, nil
}

func (p *Property) SetBool(i int, v bool) error {
	if err := p.checkKind("SetBool", KindBool); err != nil {
		return err
	}
	if err := p.checkIndex("SetBool", i); err != nil {
		return err
	}
	if v {
		p.words[i] = 1
	} else {
		p.words[i] = 0
	}
	return nil
}

func (p *Property) GetI32(i int) (int32, error) {
	if err := p.checkKind("GetI32", KindI32); err != nil {
		return 0, err
	}
	if err := p.checkIndex("GetI32", i); err != nil {
		return 0, err
	}
	return int32(p.words[i]), nil
}

func (p *Property) SetI32(i int, v int32) error {
	if err := p.checkKind("SetI32", KindI32); err != nil {
		return err
	}
	if err := p.checkIndex("SetI32", i); err != nil {
		return err
	}
	p.words[i] = uint64(uint32(v))
	return nil
}

func (p *Property) GetU32(i int) (uint32, error) {
	if err := p.checkKind("GetU32", KindU32); err != nil {
		return 0, err
	}
	if err := p.checkIndex("GetU32", i); err != nil {
		return 0, err
	}
	return uint32(p.words[i]), nil
}

func (p *Property) SetU32(i int, v uint32) error {
	if err := p.checkKind("SetU32", KindU32); err != nil {
		return err
	}
	if err := p.checkIndex("SetU32", i); err != nil {
		return err
	}
	p.words[i] = uint64(v)
	return nil
}

func (p *Property) GetU64(i int) (uint64, error) {
	if err := p.checkKind("GetU64", KindU64); err != nil {
		return 0, err
	}
	if err := p.checkIndex("GetU64", i); err != nil {
		return 0, err
	}
	return p.words[i], nil
}

func (p *Property) SetU64(i int, v uint64) error {
	if err := p.checkKind("SetU64", KindU64); err != nil {
		return err
	}
	if err := p.checkIndex("SetU64", i); err != nil {
		return err
	}
	p.words[i] = v
	return nil
}

func (p *Property) GetF64(i int) (float64, error) {
	if err := p.checkKind("GetF64", KindF64); err != nil {
		return 0, err
	}
	if err := p.checkIndex("GetF64", i); err != nil {
		return 0, err
	}
	return math.Float64frombits(p.words[i]), nil
}

func (p *Property) SetF64(i int, v float64) error {
	if err := p.checkKind("SetF64", KindF64); err != nil {
		return err
	}
	if err := p.checkIndex("SetF64", i); err != nil {
		return err
	}
	p.words[i] = math.Float64bits(v)
	return nil
}

func (p *Property) GetString(i int) (string, error) {
	if err := p.checkKind("GetString", KindString); err != nil {
		return "", err
	}
	if err := p.checkIndex("GetString", i); err != nil {
		return "", err
	}
	return p.strings[i], nil
}

func (p *Property) SetString(i int, v string) error {
	if err := p.checkKind("SetString", KindString); err != nil {
		return err
	}
	if err := p.checkIndex("SetString", i); err != nil {
		return err
	}
	p.strings[i] = v
	return nil
}

// Map is a named collection of Properties, the per-segment container
// described in spec §4.1.
type Map struct {
	props map[string]*Property
	// capacity models the shared-memory segment's allocator: once the
	// number of properties reaches capacity, GetOrCreate for a new name
	// fails with BadAlloc. Zero means unbounded; every map this module
	// builds, ipc.Segment's included, is created with NewMap(0).
	capacity int
}

// NewMap creates an empty property map. capacity <= 0 means unbounded.
func NewMap(capacity int) *Map {
	return &Map{props: make(map[string]*Property), capacity: capacity}
}

// GetOrCreate returns the named property, creating it with the given
// kind if absent. A type mismatch against an existing property of the
// same name is a programmer error: per spec §4.1 the implementer may
// abort, so this panics rather than returning an error. No caller in
// this module recovers from that panic.
func (m *Map) GetOrCreate(name string, kind Kind) (*Property, error) {
	if p, ok := m.props[name]; ok {
		if p.kind != kind {
			panic(fmt.Sprintf("ipc: GetOrCreate(%q): existing kind %s != requested %s", name, p.kind, kind))
		}
		return p, nil
	}
	if m.capacity > 0 && len(m.props) >= m.capacity {
		return nil, errs.New("ipc.Map.GetOrCreate", errs.BadAlloc, fmt.Errorf("segment exhausted: capacity %d reached", m.capacity))
	}
	p := &Property{kind: kind}
	m.props[name] = p
	return p, nil
}

// Get returns the named property without creating it.
func (m *Map) Get(name string) (*Property, bool) {
	p, ok := m.props[name]
	return p, ok
}

// Names returns the set of property names currently stored, for
// serialization.
func (m *Map) Names() []string {
	out := make([]string, 0, len(m.props))
	for name := range m.props {
		out = append(out, name)
	}
	return out
}
