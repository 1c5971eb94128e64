package usecase

import "context"

// MetricsSummary represents aggregated analysis insights.
type MetricsSummary struct {
	TotalRequests          int64   `json:"totalRequests"`
	SuccessfulRequests     int64   `json:"successfulRequests"`
	SuccessRate            float64 `json:"successRate"`
	ClassificationRequests int64   `json:"classificationRequests"`
	FaceCountRequests      int64   `json:"faceCountRequests"`
	AverageLatencyMs       float64 `json:"averageLatencyMs"`
}

// GetMetricsSummary aggregates analysis metrics from persisted logs.
func (uc *ClassificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrAuditDisabled
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:          aggregation.TotalCount,
		SuccessfulRequests:     aggregation.SuccessCount,
		ClassificationRequests: aggregation.ClassificationCount,
		FaceCountRequests:      aggregation.FaceCountCount,
		AverageLatencyMs:       aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
