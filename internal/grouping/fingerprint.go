package grouping

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"errtally/internal/domain"
)

// Fingerprint identifies the Problem a notice belongs to within its App and
// environment. It is a hex blake2b-256 digest, stable across processes.
func Fingerprint(appID string, n *domain.Notice) string {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{appID, n.EnvironmentName, Signature(n)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
