// Package sha256 digests job archives so submissions can be correlated with
// what the server received.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Digest is a hex-encoded SHA-256 sum plus the number of bytes hashed.
type Digest struct {
	Sum  string
	Size int64
}

// Reader hashes everything readable from r.
func Reader(r io.Reader) (Digest, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, fmt.Errorf("hash archive: %w", err)
	}
	return Digest{Sum: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// File streams the file at path through the hash.
func File(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	return Reader(f)
}
