package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/task"
)

// DefaultStatsSampleSize is how many recent completed syncs are averaged.
const DefaultStatsSampleSize = 10

// PerformanceStats summarizes the duration of a user's recent syncs.
type PerformanceStats struct {
	// AverageTime is the mean total duration in milliseconds, rounded.
	AverageTime int64 `json:"averageTime"`
	// SampleSize counts the tasks that contributed to AverageTime.
	SampleSize int `json:"sampleSize"`
	// LastSuccess is when the most recent sync completed, if any.
	LastSuccess *time.Time `json:"lastSuccess"`
}

// StatsService computes sync performance estimates.
type StatsService struct {
	tasks      task.Store
	sampleSize int
	logger     *slog.Logger
}

// NewStatsService creates a StatsService. A non-positive sampleSize uses
// DefaultStatsSampleSize.
func NewStatsService(tasks task.Store, sampleSize int, logger *slog.Logger) *StatsService {
	if sampleSize <= 0 {
		sampleSize = DefaultStatsSampleSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsService{
		tasks:      tasks,
		sampleSize: sampleSize,
		logger:     logger.With("component", "stats_service"),
	}
}

// PerformanceStats averages the total duration of the user's most recent
// completed syncs. Tasks with missing or malformed performance data count
// toward LastSuccess but not toward the average.
func (s *StatsService) PerformanceStats(ctx context.Context, userID uuid.UUID) (PerformanceStats, error) {
	recent, err := s.tasks.RecentCompleted(ctx, userID, task.TypeSync, s.sampleSize)
	if err != nil {
		s.logger.Error("failed to load completed syncs",
			"error", err,
			"user_id", userID)
		return PerformanceStats{}, fmt.Errorf("failed to load completed syncs: %w", err)
	}

	var stats PerformanceStats
	if len(recent) == 0 {
		return stats, nil
	}
	stats.LastSuccess = recent[0].CompletedAt

	var total int64
	for _, t := range recent {
		perf, ok := task.ParsePerformance(t.Performance)
		if !ok {
			continue
		}
		total += perf.Total
		stats.SampleSize++
	}
	if stats.SampleSize > 0 {
		n := int64(stats.SampleSize)
		stats.AverageTime = (total + n/2) / n
	}
	return stats, nil
}
