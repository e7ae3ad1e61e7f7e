// Package blob stores uploaded file and voice payloads and hands back a URL
// the encrypted message content can reference. Upload limits and extension
// whitelists live here; the hub enforces them before any bytes move.
package blob

import (
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/korvo-chat/backend/internal/chaterr"
)

// Upload limits.
const (
	MaxFileBytes  = 5 << 20
	MaxVoiceBytes = 10 << 20
)

var fileExts = map[string]bool{
	".pdf": true, ".txt": true, ".md": true, ".csv": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".doc": true, ".docx": true, ".xls": true, ".xlsx": true, ".pptx": true,
	".zip": true,
}

var audioExts = map[string]bool{
	".mp3": true, ".wav": true, ".ogg": true, ".m4a": true, ".webm": true, ".aac": true,
}

// ValidateFile checks a file_message payload against the size limit and the
// document extension whitelist.
func ValidateFile(name string, size int) error {
	return validate(name, size, MaxFileBytes, fileExts, "file")
}

// ValidateVoice checks a voice_message payload against the size limit and
// the audio extension whitelist.
func ValidateVoice(name string, size int) error {
	return validate(name, size, MaxVoiceBytes, audioExts, "voice")
}

func validate(name string, size, limit int, exts map[string]bool, kind string) error {
	if size <= 0 {
		return chaterr.New(chaterr.Invalid, "empty upload")
	}
	if size > limit {
		return chaterr.New(chaterr.Invalid,
			fmt.Sprintf("%s exceeds the %d MB limit", kind, limit>>20))
	}
	ext := strings.ToLower(path.Ext(name))
	if !exts[ext] {
		return chaterr.New(chaterr.Invalid, fmt.Sprintf("%s type %q is not allowed", kind, ext))
	}
	return nil
}

// Key builds a collision-free object key for an upload. The original name is
// kept as a suffix so downloads keep a meaningful filename.
func Key(roomID int64, name string) string {
	base := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, path.Base(name))
	return fmt.Sprintf("rooms/%d/%s-%s", roomID, uuid.NewString(), base)
}

// ContentTypeFor guesses a MIME type from the file name.
func ContentTypeFor(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
