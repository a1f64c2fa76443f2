package bootstrap

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/transcript-moderator/internal/async"
	"github.com/joseph-ayodele/transcript-moderator/internal/pipeline"
)

const (
	StageTranscription  = "transcription"
	StageClassification = "classification"
	StageAll            = "all"
)

// Workers builds the consumers for stage along with their engines. Close the
// returned func after the consumers stop.
func (a *App) Workers(stage string) ([]*async.Consumer, func(), error) {
	if err := a.Config.ValidateEngines(); err != nil {
		return nil, nil, err
	}
	wc := a.Config.Worker
	opts := []async.Option{
		async.WithWorkers(wc.Concurrency),
		async.WithProcessTimeout(wc.TaskTimeout),
		async.WithMaxAttempts(wc.MaxAttempts),
		async.WithRetryDelay(wc.RetryBaseDelay),
	}
	pcfg := a.PipelineConfig()

	var (
		consumers []*async.Consumer
		release   = func() {}
	)
	if stage == StageTranscription || stage == StageAll {
		tr, err := Transcriber(a.Config, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		ts := pipeline.NewTranscribeStage(a.Store, a.Repo, a.Broker, tr, pcfg, a.Logger)
		consumers = append(consumers, async.NewConsumer(a.Broker, a.Config.Queue.TranscriptionQueue, ts,
			a.Logger.With("stage", StageTranscription), append(opts, async.WithName("transcriber"))...))
	}
	if stage == StageClassification || stage == StageAll {
		cl, closeFn, err := Classifier(a.Config, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		release = closeFn
		cs := pipeline.NewClassifyStage(a.Repo, cl, pcfg, a.Logger)
		consumers = append(consumers, async.NewConsumer(a.Broker, a.Config.Queue.ClassificationQueue, cs,
			a.Logger.With("stage", StageClassification), append(opts, async.WithName("classifier"))...))
	}
	if len(consumers) == 0 {
		return nil, nil, fmt.Errorf("unknown stage %q", stage)
	}
	return consumers, release, nil
}

// RunConsumers runs every consumer until ctx ends or one of them fails.
func RunConsumers(ctx context.Context, consumers []*async.Consumer) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		g.Go(func() error { return c.Run(gctx) })
	}
	return g.Wait()
}
