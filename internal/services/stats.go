package services

import (
	"context"

	"github.com/consultlaw/consultpay-gobackend/internal/models"
)

// GetStatistics rolls up persisted payments for dashboards. The read
// path is best-effort: a failed query degrades to a zeroed summary
// instead of failing the caller.
func (s *PaymentService) GetStatistics(ctx context.Context, f models.StatisticsFilter) *models.PaymentStatistics {
	stats, err := s.store.Aggregate(ctx, f)
	if err != nil {
		s.log.Error().Err(err).Msg("statistics query failed, returning zeroed summary")
		return models.EmptyStatistics()
	}
	return stats
}
