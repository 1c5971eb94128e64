package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-similarity/internal/logging"
)

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func TestExecuteWithRetryRetriesTransientErrors(t *testing.T) {
	repo := &AnalysisRepository{
		logger:         zap.NewNop(),
		retryAttempts:  3,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-1", func() error {
		attempts++
		if attempts < 2 {
			return transientTestError{}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetryReturnsOperationError(t *testing.T) {
	repo := &AnalysisRepository{
		logger:         zap.NewNop(),
		retryAttempts:  2,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-2", func() error {
		attempts++
		return errors.New("boom")
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "test.operation" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if opErr.RequestID != "req-2" {
		t.Fatalf("unexpected request id: %s", opErr.RequestID)
	}
}

func newTestRepository(t *testing.T) *AnalysisRepository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := NewAnalysisRepository(db, zap.NewNop())
	if err := repo.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func TestSaveAndFindByRequestID(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	entry := &AnalysisLog{
		RequestID:    "req-1",
		Kind:         KindClassification,
		StatusCode:   200,
		TargetCount:  3,
		PeopleCount:  2,
		UsablePeople: 1,
		LatencyMs:    120,
		CreatedAt:    time.Now().UTC(),
	}
	if err := repo.SaveLog(ctx, entry); err != nil {
		t.Fatalf("save: %v", err)
	}
	if entry.ID == 0 {
		t.Fatal("expected primary key to be assigned")
	}

	found, err := repo.FindByRequestID(ctx, "req-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.Kind != KindClassification || found.TargetCount != 3 || found.UsablePeople != 1 {
		t.Fatalf("unexpected log: %+v", found)
	}
}

func TestFindByRequestIDNotFound(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.FindByRequestID(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAggregateMetrics(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	entries := []*AnalysisLog{
		{RequestID: "a", Kind: KindClassification, StatusCode: 200, LatencyMs: 100},
		{RequestID: "b", Kind: KindClassification, StatusCode: 400, LatencyMs: 50},
		{RequestID: "c", Kind: KindFaceCount, StatusCode: 200, FaceCount: 2, LatencyMs: 30},
	}
	for _, e := range entries {
		if err := repo.SaveLog(ctx, e); err != nil {
			t.Fatalf("save %s: %v", e.RequestID, err)
		}
	}

	agg, err := repo.AggregateMetrics(ctx)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.TotalCount != 3 || agg.SuccessCount != 2 {
		t.Fatalf("unexpected counts: %+v", agg)
	}
	if agg.ClassificationCount != 2 || agg.FaceCountCount != 1 {
		t.Fatalf("unexpected kind counts: %+v", agg)
	}
	if agg.AverageLatencyMs != 60 {
		t.Fatalf("expected average latency 60, got %f", agg.AverageLatencyMs)
	}
}

func TestAggregateMetricsEmpty(t *testing.T) {
	repo := newTestRepository(t)

	agg, err := repo.AggregateMetrics(context.Background())
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.TotalCount != 0 || agg.AverageLatencyMs != 0 {
		t.Fatalf("expected empty aggregation, got %+v", agg)
	}
}
