package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"app/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// ExportService writes period usage snapshots to object storage for
// downstream invoicing and analytics.
type ExportService interface {
	// ExportUsageReport snapshots the business's current-period counters to
	// S3 and returns the object key.
	ExportUsageReport(ctx context.Context, businessID string) (string, error)
}

type exportService struct {
	usageSvc     UsageService
	entitlements EntitlementService
	s3Client     *s3.Client
	bucket       string
	logger       zerolog.Logger
	now          func() time.Time
}

// NewExportService creates a new ExportService with a scoped logger.
func NewExportService(usageSvc UsageService, entitlements EntitlementService, s3Client *s3.Client, bucket string, logger zerolog.Logger) ExportService {
	return &exportService{
		usageSvc:     usageSvc,
		entitlements: entitlements,
		s3Client:     s3Client,
		bucket:       bucket,
		logger:       logger.With().Str("service", "ExportService").Logger(),
		now:          time.Now,
	}
}

type usageReport struct {
	BusinessID string               `json:"business_id"`
	Period     model.Period         `json:"period"`
	Counters   []model.UsageCounter `json:"counters"`
	ExportedAt time.Time            `json:"exported_at"`
}

func (s *exportService) ExportUsageReport(ctx context.Context, businessID string) (string, error) {
	period, err := s.entitlements.CurrentPeriod(ctx, businessID, s.now())
	if err != nil {
		return "", err
	}
	counters, err := s.usageSvc.UsageReport(ctx, businessID)
	if err != nil {
		return "", err
	}

	report := usageReport{
		BusinessID: businessID,
		Period:     period,
		Counters:   counters,
		ExportedAt: s.now().UTC(),
	}
	body, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("marshal usage report: %w", err)
	}

	key := fmt.Sprintf("usage-reports/%s/%s.json", businessID, period.Start.UTC().Format("2006-01-02"))
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("business_id", businessID).Str("key", key).Msg("Failed to upload usage report")
		return "", fmt.Errorf("upload usage report: %w", err)
	}
	s.logger.Info().Str("business_id", businessID).Str("key", key).Msg("Usage report exported")
	return key, nil
}
