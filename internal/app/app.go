// Package app assembles the analysis pipeline from configuration. It is
// shared by the HTTP service and the facectl command.
package app

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/face-similarity/internal/config"
	"github.com/example/face-similarity/internal/fetcher"
	"github.com/example/face-similarity/internal/governor"
	"github.com/example/face-similarity/internal/grpcclient"
	"github.com/example/face-similarity/internal/pipeline"
	"github.com/example/face-similarity/internal/preprocess"
	"github.com/example/face-similarity/internal/workerpool"
)

// Engine owns the process-wide pipeline resources.
type Engine struct {
	Pipeline *pipeline.Pipeline
	Governor *governor.Governor
	Pool     *workerpool.Pool
	conn     *grpc.ClientConn
}

// Close stops the worker pool and closes the extractor connection.
func (e *Engine) Close() error {
	e.Pool.Stop()
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// Capacity is GOVERNOR_CAPACITY when set, otherwise the probed value.
func Capacity(cfg *config.Config, probe governor.Probe, logger *zap.Logger) int {
	if cfg.GovernorCapacity > 0 {
		return cfg.GovernorCapacity
	}
	return governor.ProbeCapacity(cfg.GovernorLimits(), probe, logger)
}

// Build connects to the extractor and wires the pipeline. observer may be nil.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, observer pipeline.Observer, dialOpts ...grpc.DialOption) (*Engine, error) {
	ext, conn, err := grpcclient.DialExtractor(ctx, cfg.ExtractorAddr, logger, dialOpts...)
	if err != nil {
		return nil, err
	}

	gov := governor.New(Capacity(cfg, governor.SystemProbe{}, logger))
	pool := workerpool.New(cfg.WorkerPoolSize)
	p := pipeline.New(pipeline.Deps{
		Governor:     gov,
		Pool:         pool,
		Fetcher:      fetcher.New(cfg.FetcherOptions(), logger),
		Preprocessor: preprocess.New(cfg.PreprocessOptions(), logger),
		Extractor:    ext,
		Observer:     observer,
		Logger:       logger,
	}, cfg.PipelineOptions())

	logger.Info("pipeline ready",
		zap.String("extractor", cfg.ExtractorAddr),
		zap.Int("governor_capacity", gov.Capacity()),
		zap.Int("worker_pool_size", pool.Size()),
		zap.Stringer("failure_policy", cfg.FailurePolicy))

	return &Engine{Pipeline: p, Governor: gov, Pool: pool, conn: conn}, nil
}
