package sweeper

import (
	"context"
	"encoding/json"
	"time"

	"app/internal/config"
	"app/internal/model"
	"app/internal/pgmq"
	"app/internal/repository"
	"app/internal/service"

	"github.com/rs/zerolog"
)

// Queue is the slice of the pgmq client the retry sweep uses.
type Queue interface {
	Send(ctx context.Context, queue string, payload []byte) error
	ReadWithPoll(ctx context.Context, queue string, timeoutSec, maxMessages int) ([]*pgmq.Message, error)
	Delete(ctx context.Context, queue string, msgIDs []int64) error
}

// RunRetry drains the usage commit retry queue: commits that failed against
// the counter store during request handling are replayed here with backoff,
// and dead-lettered once retries are exhausted. This is the recovery path
// that keeps timed-out recordings from becoming permanent undercounts.
func RunRetry(ctx context.Context, cfg *config.Config, logger zerolog.Logger, client Queue, usageRepo repository.UsageRepository) error {
	queue := cfg.UsageRetryQueueName
	logger.Info().Str("queue", queue).Msg("Starting usage commit retry sweep")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down usage commit retry sweep")
			return nil
		default:
		}

		msgs, err := client.ReadWithPoll(ctx, queue, cfg.UsageRetryPollTimeoutSec, cfg.UsageRetryPollMaxMsg)
		if err != nil {
			logger.Error().Err(err).Msg("Error reading usage retry queue")
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		msg := msgs[0]
		logger.Info().Int64("msg_id", msg.ID).Msg("Received usage commit retry job")

		var job service.CommitJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			logger.Error().Err(err).Msg("Failed to unmarshal commit retry job; deleting message")
			client.Delete(ctx, queue, []int64{msg.ID})
			continue
		}
		period := model.Period{Start: job.PeriodStart, End: job.PeriodEnd}

		backoff := time.Duration(cfg.UsageRetryBackoffInitSec) * time.Second
		var commitErr error
		for attempt := 1; attempt <= cfg.UsageRetryMaxRetries; attempt++ {
			_, commitErr = usageRepo.ReserveOrIncrement(ctx, job.BusinessID, job.FeatureCode, period, job.Amount)
			if commitErr == nil {
				break
			}
			logger.Error().Err(commitErr).Int("attempt", attempt).Str("business_id", job.BusinessID).Msg("Commit retry failed, backing off")
			time.Sleep(backoff)
			backoff *= 2
			if backoff > time.Duration(cfg.UsageRetryBackoffMaxSec)*time.Second {
				backoff = time.Duration(cfg.UsageRetryBackoffMaxSec) * time.Second
			}
		}
		if commitErr != nil {
			dlq := cfg.UsageRetryDLQName
			if err := client.Send(ctx, dlq, msg.Data); err != nil {
				logger.Error().Err(err).Str("dlq", dlq).Msg("Failed to send commit job to dead-letter queue")
			}
			if err := client.Delete(ctx, queue, []int64{msg.ID}); err != nil {
				logger.Error().Err(err).Msg("Error deleting commit retry message after failure")
			}
			logger.Warn().
				Int("attempts", cfg.UsageRetryMaxRetries).
				Str("business_id", job.BusinessID).
				Str("feature_code", job.FeatureCode).
				Err(commitErr).
				Msg("Exhausted commit retries; moving job to DLQ")
			continue
		}

		if err := client.Delete(ctx, queue, []int64{msg.ID}); err != nil {
			logger.Error().Err(err).Msg("Error deleting commit retry message")
		}
	}
}

// RunRecompute walks current-period counters and rebuilds each from the
// usage event log, correcting drift left by commits that never reached the
// counter (the event log is authoritative). Intended to run from cron.
func RunRecompute(ctx context.Context, logger zerolog.Logger, counterRepo repository.CounterSweepRepository, usageRepo repository.UsageRepository) error {
	logger.Info().Msg("Starting usage recompute sweep")
	tuples, err := counterRepo.ListCurrentCounters(ctx, time.Now())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list counters for recompute")
		return err
	}
	var fixed int
	for _, t := range tuples {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down recompute sweep")
			return nil
		default:
		}
		period := model.Period{Start: t.PeriodStart, End: t.PeriodEnd}
		count, err := usageRepo.RecomputeFromEvents(ctx, t.BusinessID, t.FeatureCode, period)
		if err != nil {
			logger.Error().Err(err).Str("business_id", t.BusinessID).Str("feature_code", t.FeatureCode).Msg("Recompute failed for counter")
			continue
		}
		if count != t.UsedCount {
			fixed++
			logger.Warn().
				Str("business_id", t.BusinessID).
				Str("feature_code", t.FeatureCode).
				Int64("was", t.UsedCount).
				Int64("now", count).
				Msg("Counter corrected from event log")
		}
	}
	logger.Info().Int("counters", len(tuples)).Int("corrected", fixed).Msg("Usage recompute sweep finished")
	return nil
}
