package secrets

import (
	"context"
	"errors"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smithy "github.com/aws/smithy-go"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManager resolves secrets stored in AWS Secrets Manager by name.
type SecretsManager struct {
	client SecretsManagerAPI
}

// NewSecretsManager creates a resolver from an aws.Config.
func NewSecretsManager(cfg awssdk.Config) *SecretsManager {
	return &SecretsManager{client: secretsmanager.NewFromConfig(cfg)}
}

// NewSecretsManagerWithClient creates a resolver from an explicit client.
func NewSecretsManagerWithClient(client SecretsManagerAPI) *SecretsManager {
	return &SecretsManager{client: client}
}

// Resolve implements Resolver. Only string secrets are supported.
func (s *SecretsManager) Resolve(ctx context.Context, name string) (string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: awssdk.String(name),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceNotFoundException" {
			return "", fmt.Errorf("%w: %s (secrets manager)", ErrSecretNotFound, name)
		}
		return "", fmt.Errorf("failed to read secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", name)
	}
	return *out.SecretString, nil
}
