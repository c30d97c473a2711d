package mediastore

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// ObjectMeta describes one generated artifact being stored.
type ObjectMeta struct {
	JobID  string
	UserID string
	Engine string
	Prompt string
	Format string
	Index  int
}

// Store persists one output artifact and returns its public URL. Store
// failures are recoverable: they are reported but never revert a job's
// success status.
type Store interface {
	Store(ctx context.Context, data []byte, meta ObjectMeta) (string, error)
}

// objectName builds a stable, filesystem-safe name from the artifact
// metadata: <engine>_<sanitized prompt>_<index>.<format>.
func objectName(meta ObjectMeta) string {
	format := meta.Format
	if format == "" {
		format = "jpg"
	}
	name := sanitizeName(meta.Prompt, 40)
	if name == "" {
		name = meta.JobID
	}
	if meta.Engine != "" {
		return fmt.Sprintf("%s_%s_%d.%s", meta.Engine, name, meta.Index+1, format)
	}
	return fmt.Sprintf("%s_%d.%s", name, meta.Index+1, format)
}

// sanitizeName keeps letters and digits, collapses everything else to single
// underscores, and truncates to maxLen.
func sanitizeName(s string, maxLen int) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
		if b.Len() >= maxLen {
			break
		}
	}
	return strings.Trim(b.String(), "_")
}
