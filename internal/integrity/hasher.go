package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Digest computes the hex-encoded SHA-256 digest of the given fields
// combined with salt. The encoding is order-sensitive: each field is
// written followed by a separator, then the salt. Identical inputs
// always yield identical output across processes and restarts.
func Digest(fields []string, salt string) string {
	h := sha256.New()
	for _, f := range fields {
		fmt.Fprintf(h, "%s|", f)
	}
	fmt.Fprintf(h, "%s", salt)
	return hex.EncodeToString(h.Sum(nil))
}
