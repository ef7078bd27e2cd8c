// Package sha256 provides content digests for raw upstream payloads.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Hasher implements tender.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashFields digests a field map independent of key order. It is used for
// records whose source kept no raw payload.
func (h *Hasher) HashFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := sha256.New()
	for _, k := range keys {
		d.Write([]byte(k))
		d.Write([]byte{0})
		d.Write([]byte(fields[k]))
		d.Write([]byte{0})
	}
	return hex.EncodeToString(d.Sum(nil))
}
