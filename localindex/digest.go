package localindex

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

// ContentDigest is the identity key for a document across the system: a
// sha256 over the normalized root-relative path, a NUL separator, and the
// file bytes. Two files with identical content at different paths therefore
// digest differently.
func ContentDigest(relPath string, content []byte) string {
	h := sha256.New()
	h.Write([]byte(filepath.ToSlash(relPath)))
	h.Write([]byte{0})
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}
