// Package checksum computes the checksums stored alongside compressed
// segments in a rewritten log header.
//
// Checksums are XXH3 64-bit over the compressed bytes, so a damaged segment
// is rejected before decompression is attempted.
package checksum

import (
	"errors"
	"fmt"

	"github.com/zeebo/xxh3"
)

// ErrMismatch is returned by Verify when the data does not match its checksum.
var ErrMismatch = errors.New("checksum: mismatch")

// Sum64 returns the XXH3 64-bit hash of data.
func Sum64(data []byte) uint64 {
	return xxh3.Hash(data)
}

// Verify checks data against want.
func Verify(data []byte, want uint64) error {
	if got := Sum64(data); got != want {
		return fmt.Errorf("%w: got %016x, want %016x", ErrMismatch, got, want)
	}
	return nil
}
