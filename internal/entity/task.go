package entity

// TranscriptionTask asks a transcription worker to transcribe the blob stored under Filename.
type TranscriptionTask struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
}

// ClassificationTask asks a classification worker to label the segments of transcript ID.
type ClassificationTask struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
}
