package dag

import (
	"encoding/binary"
	"encoding/hex"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint is the 128-bit structural identity of one computation:
// node type, configuration hash and the equality-based hashes of every
// effective input in slot order. Identical configuration and identical
// upstream outputs produce identical fingerprints.
type Fingerprint [16]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Fingerprinter accumulates the components of a node's fingerprint.
// Feeding it an unhashable input poisons it; Sum then reports not-ok and
// the node's outputs are not cached.
type Fingerprinter struct {
	h  hash.Hash
	ok bool
}

// NewFingerprinter starts a fingerprint over the node identity.
func NewFingerprinter(typ NodeTypeID, cfgHash uint64) *Fingerprinter {
	h, err := blake2b.New(16, nil)
	if err != nil {
		// blake2b.New only fails for invalid digest sizes.
		panic(err)
	}
	f := &Fingerprinter{h: h, ok: true}
	f.writeString(string(typ))
	f.writeUint64(cfgHash)
	return f
}

func (f *Fingerprinter) writeString(s string) {
	f.writeUint64(uint64(len(s)))
	f.h.Write([]byte(s))
}

func (f *Fingerprinter) writeUint64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	f.h.Write(buf[:])
}

// Input feeds one bound input value. Returns false and poisons the
// fingerprint when the value is not hashable.
func (f *Fingerprinter) Input(name PortName, slot int, v Value) bool {
	hv, ok := v.Hash()
	if !ok {
		f.ok = false
		return false
	}
	f.writeString(string(name))
	f.writeUint64(uint64(slot))
	f.writeUint64(hv)
	return true
}

// Absent marks an optional or variadic input with no connections, so a
// later binding changes the fingerprint.
func (f *Fingerprinter) Absent(name PortName) {
	f.writeString(string(name))
	f.writeUint64(^uint64(0))
}

// Sum finalizes the fingerprint. ok is false when any component was not
// hashable, in which case the result must not be used for cache lookups.
func (f *Fingerprinter) Sum() (Fingerprint, bool) {
	var fp Fingerprint
	copy(fp[:], f.h.Sum(nil))
	return fp, f.ok
}
