package pipeline

import (
	"time"

	"github.com/joseph-ayodele/transcript-moderator/constants"
	"github.com/joseph-ayodele/transcript-moderator/internal/common"
)

type Config struct {
	AudioBucket         string
	ClassificationQueue string
	// ScratchDir holds per-task download directories; empty uses os.TempDir.
	ScratchDir    string
	EngineTimeout time.Duration
	BatchSize     int
	Retry         common.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.AudioBucket == "" {
		c.AudioBucket = constants.AudioBucket
	}
	if c.ClassificationQueue == "" {
		c.ClassificationQueue = constants.ClassificationQueue
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Retry.MaxTries == 0 {
		c.Retry = common.DefaultRetryPolicy()
	}
	return c
}
