package constants

import "strings"

// AudioExtensions holds the extensions picked up by directory ingestion.
var AudioExtensions = map[string]struct{}{
	"wav":  {},
	"mp3":  {},
	"m4a":  {},
	"flac": {},
	"ogg":  {},
	"opus": {},
	"webm": {},
	"mp4":  {},
	"aac":  {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsAudioExt reports whether ext (with or without the dot) is a known audio container.
func IsAudioExt(ext string) bool {
	_, ok := AudioExtensions[NormalizeExt(ext)]
	return ok
}
