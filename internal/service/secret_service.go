package service

import (
	"context"
	"fmt"

	"app/internal/config"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// BillingSecretService stores and retrieves per-provider webhook signing
// secrets. In production these live in Secret Manager so key rotation does
// not require a deploy.
type BillingSecretService interface {
	StoreWebhookSecret(ctx context.Context, provider, secret string) error
	GetWebhookSecret(ctx context.Context, provider string) (string, error)
}

type billingSecretService struct {
	client    *secretmanager.Client
	projectID string
}

func NewBillingSecretService(ctx context.Context, cfg *config.Config) (BillingSecretService, error) {
	if cfg.GCPProjectID == "" {
		return nil, fmt.Errorf("GCP project ID is not set for the current environment")
	}

	var opts []option.ClientOption
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}

	return &billingSecretService{
		client:    client,
		projectID: cfg.GCPProjectID,
	}, nil
}

func (s *billingSecretService) secretName(provider string) string {
	return fmt.Sprintf("billing-%s-webhook-secret", provider)
}

func (s *billingSecretService) StoreWebhookSecret(ctx context.Context, provider, secret string) error {
	name := s.secretName(provider)
	secretPath := fmt.Sprintf("projects/%s/secrets/%s", s.projectID, name)

	secretExists := true
	_, err := s.client.GetSecret(ctx, &secretmanagerpb.GetSecretRequest{
		Name: secretPath,
	})
	if err != nil {
		secretExists = false
	}

	if !secretExists {
		createReq := &secretmanagerpb.CreateSecretRequest{
			Parent:   fmt.Sprintf("projects/%s", s.projectID),
			SecretId: name,
			Secret: &secretmanagerpb.Secret{
				Replication: &secretmanagerpb.Replication{
					Replication: &secretmanagerpb.Replication_Automatic_{
						Automatic: &secretmanagerpb.Replication_Automatic{},
					},
				},
			},
		}
		if _, err := s.client.CreateSecret(ctx, createReq); err != nil {
			return fmt.Errorf("failed to create secret: %w", err)
		}
	}

	addVersionReq := &secretmanagerpb.AddSecretVersionRequest{
		Parent: secretPath,
		Payload: &secretmanagerpb.SecretPayload{
			Data: []byte(secret),
		},
	}
	if _, err := s.client.AddSecretVersion(ctx, addVersionReq); err != nil {
		return fmt.Errorf("failed to add secret version: %w", err)
	}
	return nil
}

func (s *billingSecretService) GetWebhookSecret(ctx context.Context, provider string) (string, error) {
	resourceName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.projectID, s.secretName(provider))

	result, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: resourceName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret version: %w", err)
	}
	return string(result.Payload.Data), nil
}
