package ingest

import (
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/joseph-ayodele/transcript-moderator/constants"
)

// SanitizeFilename reduces an uploaded name to a safe ASCII file name: compatibility
// decomposition, non-ASCII dropped, path separators and whitespace runs become "_",
// only [A-Za-z0-9_.-] kept, leading and trailing "." and "_" trimmed. The result may be empty.
func SanitizeFilename(name string) string {
	decomposed := norm.NFKD.String(name)

	var ascii strings.Builder
	for _, r := range decomposed {
		if r > 127 {
			continue
		}
		if r == '/' || r == '\\' {
			r = ' '
		}
		ascii.WriteRune(r)
	}

	joined := strings.Join(strings.Fields(ascii.String()), "_")

	var out strings.Builder
	for _, r := range joined {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			out.WriteRune(r)
		}
	}
	return strings.Trim(out.String(), "._")
}

// ObjectKey is the blob key of an upload: the id namespaces equal file names.
func ObjectKey(id, sanitized string) string {
	return id + "/" + sanitized
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".")
}

// AllowedExt checks if a file extension is a known audio container.
func AllowedExt(ext string) bool {
	return constants.IsAudioExt(ext)
}
