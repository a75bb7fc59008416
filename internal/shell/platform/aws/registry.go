package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"

	"github.com/artpar/stackpipe/internal/core/resource"
	"github.com/artpar/stackpipe/internal/shell/platform"
)

type registryMaterializer struct{ a *AWS }

func (m *registryMaterializer) Kind() resource.Kind { return resource.KindRegistry }

// Materialize creates an ECR repository with scan on push. A repository that
// already exists is adopted.
func (m *registryMaterializer) Materialize(ctx context.Context, req platform.Request) (platform.Handle, error) {
	cfg := req.Config.(resource.RegistryConfig)

	var repo *ecrtypes.Repository
	out, err := m.a.ecr.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: awssdk.String(cfg.Name),
		ImageScanningConfiguration: &ecrtypes.ImageScanningConfiguration{
			ScanOnPush: true,
		},
		Tags: []ecrtypes.Tag{
			{Key: awssdk.String("ManagedBy"), Value: awssdk.String(managedByTag)},
			{Key: awssdk.String("Stack"), Value: awssdk.String(req.Stack)},
		},
	})
	switch {
	case err == nil:
		repo = out.Repository
	case isAPIError(err, "RepositoryAlreadyExistsException"):
		desc, derr := m.a.ecr.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
			RepositoryNames: []string{cfg.Name},
		})
		if derr != nil {
			return platform.Handle{}, platformErr("DescribeRepositories", resource.KindRegistry, req.Descriptor.ID, derr)
		}
		if len(desc.Repositories) == 0 {
			return platform.Handle{}, platformErr("DescribeRepositories", resource.KindRegistry, req.Descriptor.ID,
				fmt.Errorf("repository %s not found", cfg.Name))
		}
		repo = &desc.Repositories[0]
		m.a.logger.Info("adopting existing repository", "repository", cfg.Name)
	default:
		return platform.Handle{}, platformErr("CreateRepository", resource.KindRegistry, req.Descriptor.ID, err)
	}

	return platform.Handle{
		ID:   awssdk.ToString(repo.RepositoryArn),
		Kind: resource.KindRegistry,
		Outputs: map[string]string{
			platform.OutputName:          cfg.Name,
			platform.OutputARN:           awssdk.ToString(repo.RepositoryArn),
			platform.OutputRepositoryURI: awssdk.ToString(repo.RepositoryUri),
		},
	}, nil
}

func (m *registryMaterializer) Destroy(ctx context.Context, req platform.Request) error {
	_, err := m.a.ecr.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{
		RepositoryName: awssdk.String(req.Existing.Outputs[platform.OutputName]),
		Force:          true,
	})
	if err != nil && !isAPIError(err, "RepositoryNotFoundException") {
		return platformErr("DeleteRepository", resource.KindRegistry, req.Descriptor.ID, err)
	}
	return nil
}

// Credentials returns short-lived docker login credentials for the ECR
// registry holding the repository.
func (a *AWS) Credentials(ctx context.Context, registry platform.Handle) (platform.Credentials, error) {
	out, err := a.ecr.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return platform.Credentials{}, platformErr("GetAuthorizationToken", resource.KindRegistry, registry.ID, err)
	}
	if len(out.AuthorizationData) == 0 {
		return platform.Credentials{}, platformErr("GetAuthorizationToken", resource.KindRegistry, registry.ID,
			fmt.Errorf("no authorization data returned"))
	}

	data := out.AuthorizationData[0]
	return decodeAuthorization(awssdk.ToString(data.AuthorizationToken), awssdk.ToString(data.ProxyEndpoint))
}

// decodeAuthorization splits a base64 "user:password" ECR token.
func decodeAuthorization(token, endpoint string) (platform.Credentials, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return platform.Credentials{}, fmt.Errorf("failed to decode authorization token: %w", err)
	}
	user, password, ok := strings.Cut(string(raw), ":")
	if !ok {
		return platform.Credentials{}, fmt.Errorf("malformed authorization token")
	}

	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	return platform.Credentials{Host: host, Username: user, Password: password}, nil
}
