package constants

// TranscriptStatus is derived from which fields of a transcript are populated.
// It is never stored.
type TranscriptStatus string

const (
	StatusCreated     TranscriptStatus = "created"     // row exists, no segments
	StatusTranscribed TranscriptStatus = "transcribed" // segments present, categories absent
	StatusClassified  TranscriptStatus = "classified"  // every segment has a category
)
