package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/stacklok/collection-registry/internal/sources"
)

// Fingerprint identifies the filtered upstream index of a sync. It covers every
// selected version with its artifact digest, the last_modified marker reported by
// the upstream and the requirements hash, and does not depend on entry order.
func Fingerprint(entries []sources.CollectionVersionEntry, lastModified, requirementsHash string) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, strings.Join([]string{
			e.Namespace.Name, e.Name, e.Version, strings.ToLower(e.Artifact.SHA256),
		}, "\x00"))
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	h.Write([]byte("last_modified\x00" + lastModified + "\n"))
	h.Write([]byte("requirements\x00" + requirementsHash + "\n"))
	return hex.EncodeToString(h.Sum(nil))
}
