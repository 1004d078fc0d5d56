package hashutil

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Blake3Hash returns the lowercase hex BLAKE3-256 digest of data.
// Artifact files are named by this digest so identical content
// deduplicates on disk.
func Blake3Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
