package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"

	"github.com/opencontainers/go-digest"
)

const (
	Sha256Hash digest.Algorithm = "sha256"
	Sha1Hash   digest.Algorithm = "sha1"
	Md5Hash    digest.Algorithm = "md5"
)

// Algorithms maps algorithm identifiers to their go-digest form. A lookup
// miss means the algorithm is not supported and piece hashing degrades to a
// no-op at configuration time.
var Algorithms = map[string]digest.Algorithm{
	Sha256Hash.String(): Sha256Hash,
	Sha1Hash.String():   Sha1Hash,
	Md5Hash.String():    Md5Hash,
}

// Supported reports whether algo names a usable hash algorithm.
func Supported(algo string) bool {
	_, ok := Algorithms[algo]
	return ok
}

// New returns a fresh hash state for algo, or nil when unsupported.
func New(algo string) hash.Hash {
	switch Algorithms[algo] {
	case Sha256Hash:
		return sha256.New()
	case Sha1Hash:
		return sha1.New()
	case Md5Hash:
		return md5.New()
	default:
		return nil
	}
}

// HexSum finalizes h into a lowercase hex string.
func HexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// FromReader hashes everything in r with algo.
func FromReader(algo string, r io.Reader) (string, error) {
	h := New(algo)
	if h == nil {
		return "", ErrUnsupported
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return HexSum(h), nil
}
