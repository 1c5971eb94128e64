package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-similarity/internal/envelope"
	"github.com/example/face-similarity/internal/fetcher"
	"github.com/example/face-similarity/internal/logging"
	"github.com/example/face-similarity/internal/pipeline"
	"github.com/example/face-similarity/internal/repository"
	"github.com/example/face-similarity/internal/similarity"
)

const (
	// ErrResultNotFound is returned for an unknown request id.
	ErrResultNotFound envelope.ValidationError = "no result exists for this request id"
	// ErrResultExpired is returned when the request is known but its cached result is gone.
	ErrResultExpired envelope.ValidationError = "the result for this request id has expired"
)

var (
	// ErrResultsDisabled is returned by GetResult when no cache is configured.
	ErrResultsDisabled = errors.New("result caching is disabled")
	// ErrAuditDisabled is returned by GetMetricsSummary when no repository is configured.
	ErrAuditDisabled = errors.New("audit log is disabled")
)

// AnalysisRepository defines the persistence operations needed by the use case.
type AnalysisRepository interface {
	SaveLog(ctx context.Context, log *repository.AnalysisLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.AnalysisLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Analyzer runs images through the face pipeline.
type Analyzer interface {
	Classify(ctx context.Context, req pipeline.AnalysisRequest) (*pipeline.Analysis, error)
	CountFaces(ctx context.Context, name string, raw []byte) (int, error)
}

// ClassificationReply is the envelope returned by Classify.
type ClassificationReply = envelope.Envelope[[]similarity.TargetResult]

// FaceCount is the face-count payload.
type FaceCount struct {
	FaceCount int `json:"faceCount"`
}

// FaceCountReply is the envelope returned by CountFaces.
type FaceCountReply = envelope.Envelope[FaceCount]

// ClassificationUseCase wraps the pipeline with request ids, caching and
// auditing. Repo and cache are optional; their failures are logged and never
// change the reply.
type ClassificationUseCase struct {
	analyzer       Analyzer
	repo           AnalysisRepository
	cache          Cache
	logger         *zap.Logger
	resultTTL      time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

// NewClassificationUseCase constructs a new use case instance. repo and cache may be nil.
func NewClassificationUseCase(analyzer Analyzer, repo AnalysisRepository, cache Cache, resultTTL time.Duration, logger *zap.Logger) *ClassificationUseCase {
	if resultTTL <= 0 {
		resultTTL = 5 * time.Minute
	}
	return &ClassificationUseCase{
		analyzer:       analyzer,
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("classification_usecase"),
		resultTTL:      resultTTL,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		now:            time.Now,
	}
}

// Classify scores the request and returns the request id with the reply.
func (uc *ClassificationUseCase) Classify(ctx context.Context, req pipeline.AnalysisRequest) (string, ClassificationReply) {
	requestID := uuid.NewString()
	ctx = logging.ContextWithRequestID(ctx, requestID)
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", requestID)
	start := uc.now()

	var reply ClassificationReply
	entry := &repository.AnalysisLog{
		RequestID:   requestID,
		Kind:        repository.KindClassification,
		TargetCount: len(req.TargetImages),
		PeopleCount: len(req.People),
	}

	analysis, err := uc.analyzer.Classify(ctx, req)
	if err != nil {
		reply = envelope.FromError[[]similarity.TargetResult]("face similarity analysis", err)
		uc.logFailure(opLogger, reply.StatusCode, err)
	} else {
		reply = envelope.OK("face similarity analysis completed", analysis.Targets)
		entry.UsablePeople = analysis.UsablePeople
		uc.cacheJSON(ctx, requestID, "cache.set.result", resultKey(requestID), reply)
	}

	entry.StatusCode = reply.StatusCode
	uc.audit(ctx, entry, start)
	return requestID, reply
}

// CountFaces validates an upload and counts the faces in it. Identical uploads
// are answered from the cache without decoding.
func (uc *ClassificationUseCase) CountFaces(ctx context.Context, filename string, r io.Reader, size int64) (string, FaceCountReply) {
	requestID := uuid.NewString()
	ctx = logging.ContextWithRequestID(ctx, requestID)
	opLogger := logging.WithOperation(uc.logger, "usecase.count_faces", requestID).With(zap.String("filename", filename))
	start := uc.now()
	entry := &repository.AnalysisLog{RequestID: requestID, Kind: repository.KindFaceCount, TargetCount: 1}

	reply := uc.countFaces(ctx, opLogger, requestID, filename, r, size)
	if reply.Succeeded() {
		entry.FaceCount = reply.Data.FaceCount
	}
	entry.StatusCode = reply.StatusCode
	uc.audit(ctx, entry, start)
	return requestID, reply
}

func (uc *ClassificationUseCase) countFaces(ctx context.Context, opLogger *zap.Logger, requestID, filename string, r io.Reader, size int64) FaceCountReply {
	raw, err := fetcher.ReadUpload(filename, r, size)
	if err != nil {
		reply := envelope.FromError[FaceCount]("face count", err)
		uc.logFailure(opLogger, reply.StatusCode, err)
		return reply
	}

	sum := sha1.Sum(raw)
	key := faceCountKey(hex.EncodeToString(sum[:]))
	if cached, ok := uc.cachedString(ctx, requestID, "cache.get.face_count", key); ok {
		if n, err := strconv.Atoi(cached); err == nil {
			opLogger.Debug("face count served from cache")
			return envelope.OK("face count completed", FaceCount{FaceCount: n})
		}
	}

	n, err := uc.analyzer.CountFaces(ctx, filename, raw)
	if err != nil {
		reply := envelope.FromError[FaceCount]("face count", err)
		uc.logFailure(opLogger, reply.StatusCode, err)
		return reply
	}

	uc.setCache(ctx, requestID, "cache.set.face_count", key, strconv.Itoa(n))
	opLogger.Info("face count completed", zap.Int("faces", n))
	return envelope.OK("face count completed", FaceCount{FaceCount: n})
}

// GetResult returns the cached outcome of an earlier classification.
func (uc *ClassificationUseCase) GetResult(ctx context.Context, requestID string) ([]similarity.TargetResult, error) {
	if uc.cache == nil {
		return nil, ErrResultsDisabled
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	if cached, ok := uc.cachedString(ctx, requestID, "cache.get.result", resultKey(requestID)); ok {
		var reply ClassificationReply
		if err := json.Unmarshal([]byte(cached), &reply); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else if reply.Data != nil {
			return *reply.Data, nil
		}
	}

	if uc.repo == nil {
		return nil, ErrResultNotFound
	}
	if _, err := uc.repo.FindByRequestID(ctx, requestID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	return nil, ErrResultExpired
}

func (uc *ClassificationUseCase) logFailure(opLogger *zap.Logger, statusCode int, err error) {
	if statusCode == http.StatusInternalServerError {
		opLogger.Error("request failed", zap.Error(err))
		return
	}
	opLogger.Warn("request rejected", zap.Error(err))
}

func (uc *ClassificationUseCase) audit(ctx context.Context, entry *repository.AnalysisLog, start time.Time) {
	if uc.repo == nil {
		return
	}
	entry.LatencyMs = uc.now().Sub(start).Milliseconds()
	entry.CreatedAt = uc.now().UTC()
	if err := uc.repo.SaveLog(ctx, entry); err != nil {
		logging.WithOperation(uc.logger, "usecase.audit", entry.RequestID).Warn("failed to persist analysis log", zap.Error(err))
	}
}

func (uc *ClassificationUseCase) cacheJSON(ctx context.Context, requestID, operation, key string, value any) {
	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(value)
	if err != nil {
		logging.WithOperation(uc.logger, operation, requestID).Warn("failed to serialize cache entry", zap.Error(err))
		return
	}
	uc.setCache(ctx, requestID, operation, key, string(serialized))
}

func (uc *ClassificationUseCase) setCache(ctx context.Context, requestID, operation, key, value string) {
	if uc.cache == nil {
		return
	}
	if err := uc.withCacheRetry(ctx, requestID, operation, func() error {
		return uc.cache.Set(ctx, key, value, uc.resultTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, operation, requestID).Warn("cache write skipped", zap.Error(err))
	}
}

func (uc *ClassificationUseCase) cachedString(ctx context.Context, requestID, operation, key string) (string, bool) {
	if uc.cache == nil {
		return "", false
	}
	var result string
	err := uc.withCacheRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, operation, requestID).Warn("cache read skipped", zap.Error(err))
		}
		return "", false
	}
	return result, true
}

func (uc *ClassificationUseCase) withCacheRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	attempts := uc.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == attempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func resultKey(requestID string) string {
	return fmt.Sprintf("classification:%s", requestID)
}

func faceCountKey(hash string) string {
	return fmt.Sprintf("facecount:%s", hash)
}
