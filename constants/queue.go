package constants

// Queue names shared by the ingestion stage and the workers.
const (
	TranscriptionQueue  = "transcription-tasks"
	ClassificationQueue = "classification-tasks"

	// DeadLetterSuffix is appended to a queue name to get its dead-letter queue.
	DeadLetterSuffix = ".dead"
)

// Object store buckets created at process start.
const (
	AudioBucket       = "files"
	TranscriptsBucket = "transcriptions"
)

func DeadLetterQueue(queue string) string {
	return queue + DeadLetterSuffix
}
