package job

import (
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a job id of the form job_<yyyyMMddHHmmss>_<32-hex-nonce>.
// The timestamp prefix keeps ids sortable by creation time.
func NewID(now time.Time) string {
	u := uuid.New()
	return "job_" + now.UTC().Format("20060102150405") + "_" + hex.EncodeToString(u[:])
}

// DeriveContext turns a workspace path into the memory partition token:
// the lowercased last path segment with all non-alphanumerics removed.
// An empty result means the path cannot identify a workspace.
func DeriveContext(workspacePath string) string {
	base := filepath.Base(filepath.Clean(workspacePath))
	var b strings.Builder
	for _, r := range strings.ToLower(base) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
