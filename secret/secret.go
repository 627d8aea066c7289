// Package secret provides a guarded in-memory byte buffer for passwords, seeds
// and symmetric keys.
//
// A Secret lives in memory allocated by memguard: the pages are locked against
// swapping, surrounded by guard pages and wiped when the Secret is destroyed.
// Every constructor takes ownership of the source bytes and wipes the caller's
// copy, including on the error path.
//
// Secrets must be released explicitly with Destroy. The zero value and a nil
// *Secret behave as an empty secret.
package secret

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// MaxSize is the largest secret accepted by New.
const MaxSize = 4096

var (
	// ErrTooLarge is returned when the source material exceeds MaxSize.
	ErrTooLarge = errors.New("secret exceeds maximum size")

	// ErrInvalidLength is returned by fixed-width accessors when the secret
	// does not have exactly the requested length.
	ErrInvalidLength = errors.New("secret has invalid length")
)

// Secret is an immutable, memory-locked byte buffer.
type Secret struct {
	buf *memguard.LockedBuffer
}

// New moves b into a locked buffer and wipes b.
func New(b []byte) (*Secret, error) {
	if len(b) > MaxSize {
		memguard.WipeBytes(b)
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(b), MaxSize)
	}

	buf := memguard.NewBufferFromBytes(b)
	if buf.Size() > 0 {
		buf.Freeze()
	}
	return &Secret{buf: buf}, nil
}

// FromString copies s into a locked buffer. The string itself is immutable and
// cannot be wiped, so callers should prefer New where the source is a byte slice.
func FromString(s string) (*Secret, error) {
	return New([]byte(s))
}

// Random returns a secret of n bytes read from the system CSPRNG.
func Random(n int) (*Secret, error) {
	if n > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, n, MaxSize)
	}
	if n <= 0 {
		return &Secret{buf: memguard.NewBuffer(0)}, nil
	}

	buf := memguard.NewBufferRandom(n)
	buf.Freeze()
	return &Secret{buf: buf}, nil
}

// Bytes returns a read-only view of the secret. The slice is only valid until
// Destroy is called and must not be retained or modified.
func (s *Secret) Bytes() []byte {
	if s == nil || s.buf == nil || !s.buf.IsAlive() {
		return nil
	}
	return s.buf.Bytes()
}

// Len returns the number of bytes held by the secret.
func (s *Secret) Len() int {
	return len(s.Bytes())
}

// IsEmpty reports whether the secret holds no bytes.
func (s *Secret) IsEmpty() bool {
	return s.Len() == 0
}

// Bytes32 returns a fixed-width view of a 32-byte secret. It never pads or
// truncates: any other length yields ErrInvalidLength.
func (s *Secret) Bytes32() (*[32]byte, error) {
	b := s.Bytes()
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidLength, len(b))
	}
	return (*[32]byte)(b), nil
}

// MustBytes32 is like Bytes32 but panics on a length mismatch.
func (s *Secret) MustBytes32() *[32]byte {
	b, err := s.Bytes32()
	if err != nil {
		panic(err)
	}
	return b
}

// Clone returns an independently locked copy.
func (s *Secret) Clone() *Secret {
	src := s.Bytes()
	if len(src) == 0 {
		return &Secret{buf: memguard.NewBuffer(0)}
	}

	buf := memguard.NewBuffer(len(src))
	buf.Copy(src)
	buf.Freeze()
	return &Secret{buf: buf}
}

// Equal compares two secrets in constant time with respect to their contents.
func (s *Secret) Equal(other *Secret) bool {
	return subtle.ConstantTimeCompare(s.Bytes(), other.Bytes()) == 1
}

// Destroy wipes and unlocks the backing memory. It is safe to call more than once.
func (s *Secret) Destroy() {
	if s == nil || s.buf == nil {
		return
	}
	s.buf.Destroy()
}

// String never reveals the contents.
func (s *Secret) String() string {
	return fmt.Sprintf("Secret(%d bytes)", s.Len())
}
