// Package pipeline runs batches of images through admission, fetch,
// normalization and feature extraction, and turns the results into scores.
package pipeline

import (
	"context"
	"errors"
	"image"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/face-similarity/internal/extractor"
	"github.com/example/face-similarity/internal/governor"
	"github.com/example/face-similarity/internal/logging"
	"github.com/example/face-similarity/internal/preprocess"
	"github.com/example/face-similarity/internal/workerpool"
)

// Fetcher downloads image bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Deps are the shared collaborators. Governor and Pool are process-wide.
type Deps struct {
	Governor     *governor.Governor
	Pool         *workerpool.Pool
	Fetcher      Fetcher
	Preprocessor *preprocess.Preprocessor
	Extractor    extractor.Extractor
	Observer     Observer
	Logger       *zap.Logger
}

// Options tune a pipeline.
type Options struct {
	Extractor extractor.Config
	Policy    Policy
}

// Pipeline is safe for concurrent use; concurrent batches share the governor.
type Pipeline struct {
	gov      *governor.Governor
	pool     *workerpool.Pool
	fetcher  Fetcher
	pre      *preprocess.Preprocessor
	ext      extractor.Extractor
	observer Observer
	opts     Options
	logger   *zap.Logger
}

// New creates a Pipeline. A nil Observer or Logger is replaced by a no-op.
func New(deps Deps, opts Options) *Pipeline {
	observer := deps.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		gov:      deps.Governor,
		pool:     deps.Pool,
		fetcher:  deps.Fetcher,
		pre:      deps.Preprocessor,
		ext:      deps.Extractor,
		observer: observer,
		opts:     opts,
		logger:   logger.Named("pipeline"),
	}
}

// Run executes every task concurrently and returns one result per task at the
// task's position. Run does not return before every task has finished, and
// cancellation of ctx is not propagated to the tasks. Under AbortOnFirstError
// the first unexpected failure is returned instead of the results.
func (p *Pipeline) Run(ctx context.Context, tasks []ImageTask) ([]Result, error) {
	ctx = context.WithoutCancel(ctx)
	results := make([]Result, len(tasks))

	var g errgroup.Group
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			results[i] = p.runTask(ctx, task)
			var panicErr *PanicError
			if p.opts.Policy == AbortOnFirstError && errors.As(results[i].Err, &panicErr) {
				return results[i].Err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Pipeline) runTask(ctx context.Context, task ImageTask) (res Result) {
	res.Task = task
	log := logging.ForContext(ctx, p.logger, "pipeline.task").With(
		zap.String("role", task.Role.String()),
		zap.Int("index", task.Index),
		zap.String("url", task.URL),
	)

	if err := p.gov.Acquire(ctx); err != nil {
		res.Err = &StageError{Stage: StageAdmit, Err: err}
		return res
	}
	defer p.gov.Release()

	p.observer.TaskStarted(task)
	defer func() { p.observer.TaskFinished(res) }()
	defer func() {
		if r := recover(); r != nil {
			res.Faces = nil
			res.Err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		var panicErr *PanicError
		if errors.As(res.Err, &panicErr) {
			log.Error("task failed unexpectedly", zap.Error(res.Err), zap.ByteString("stack", panicErr.Stack))
		}
	}()

	start := time.Now()
	raw := task.Bytes
	if raw == nil {
		body, err := p.fetcher.Fetch(ctx, task.URL)
		if err != nil {
			res.Err = &StageError{Stage: StageFetch, Err: err}
			log.Warn("image skipped", zap.String("stage", StageFetch), zap.Error(err))
			return res
		}
		raw = body
	}

	faces, err := p.analyse(ctx, raw)
	if err != nil {
		res.Err = err
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			log.Warn("image skipped", zap.String("stage", stageErr.Stage), zap.Error(stageErr.Err))
		}
		return res
	}

	res.Faces = faces
	log.Debug("image analysed", zap.Int("faces", len(faces)), zap.Duration("elapsed", time.Since(start)))
	return res
}

// analyse runs the CPU-heavy steps on the worker pool. Panics come back as
// *PanicError wrapped in a StageError.
func (p *Pipeline) analyse(ctx context.Context, raw []byte) ([]extractor.Face, error) {
	img, err := workerpool.Run(ctx, p.pool, func() (*image.RGBA, error) {
		return p.pre.Decode(raw)
	})
	if err != nil {
		return nil, &StageError{Stage: StageDecode, Err: err}
	}

	img, err = workerpool.Run(ctx, p.pool, func() (*image.RGBA, error) {
		out := p.pre.Orient(raw, img)
		out = p.pre.Equalize(out)
		return p.pre.Downscale(out), nil
	})
	if err != nil {
		return nil, &StageError{Stage: StagePreprocess, Err: err}
	}

	faces, err := workerpool.Run(ctx, p.pool, func() ([]extractor.Face, error) {
		return p.ext.Extract(ctx, img, p.opts.Extractor)
	})
	if err != nil {
		return nil, &StageError{Stage: StageExtract, Err: err}
	}
	return faces, nil
}
