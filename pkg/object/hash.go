package object

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Hash is the lowercase hex encoding of an object's content digest.
type Hash string

// ZeroHash is never produced by a digest and marks "no object".
const ZeroHash Hash = ""

func (h Hash) String() string {
	return string(h)
}

// Short returns the first seven characters, for display.
func (h Hash) Short() string {
	if len(h) <= 7 {
		return string(h)
	}
	return string(h[:7])
}

// IsZero reports whether h is empty.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Algorithm selects the digest used to identify objects. A repository uses
// exactly one algorithm for its whole lifetime.
type Algorithm string

const (
	SHA1    Algorithm = "sha1"
	SHA256  Algorithm = "sha256"
	BLAKE2b Algorithm = "blake2b"
)

// DefaultAlgorithm matches Git's object naming.
const DefaultAlgorithm = SHA1

// ParseAlgorithm accepts the names used in configuration files.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "", SHA1:
		return SHA1, nil
	case SHA256:
		return SHA256, nil
	case BLAKE2b, "blake2b-256":
		return BLAKE2b, nil
	default:
		return "", fmt.Errorf("unknown hash algorithm: %s", name)
	}
}

// Size returns the raw digest length in bytes.
func (a Algorithm) Size() int {
	switch a {
	case SHA256, BLAKE2b:
		return 32
	default:
		return 20
	}
}

func (a Algorithm) newHash() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New()
	case BLAKE2b:
		h, _ := blake2b.New256(nil)
		return h
	default:
		return sha1.New()
	}
}

// Sum hashes already-serialized object bytes.
func (a Algorithm) Sum(data []byte) Hash {
	h := a.newHash()
	h.Write(data)
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// Valid reports whether h is a well-formed identifier for this algorithm.
func (a Algorithm) Valid(h Hash) bool {
	if len(h) != a.Size()*2 {
		return false
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// HashObject returns the identifier of obj under algorithm a.
func HashObject(a Algorithm, obj Object) Hash {
	return a.Sum(obj.Serialize())
}
