// Package secrets resolves credential references used by the vault host.
//
// A reference is one of:
//
//	env:NAME          value of environment variable NAME
//	aws:SECRET_ID     AWS Secrets Manager secret string
//	aws:SECRET_ID#key field "key" of a JSON secret string
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrInvalidRef    = errors.New("secrets: invalid reference")
	ErrNotFound      = errors.New("secrets: not found")
)

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver resolves references. The AWS client is created on first use so
// env-only deployments never load AWS configuration.
type Resolver struct {
	getenv func(string) string

	mu     sync.Mutex
	client awsClient
	dial   func(ctx context.Context) (awsClient, error)
}

func NewResolver() *Resolver {
	return &Resolver{
		getenv: os.Getenv,
		dial: func(ctx context.Context) (awsClient, error) {
			cfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
			}
			return secretsmanager.NewFromConfig(cfg), nil
		},
	}
}

func newResolverWith(getenv func(string) string, client awsClient) *Resolver {
	return &Resolver{getenv: getenv, client: client}
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: nil resolver", ErrInvalidConfig)
	}
	scheme, rest, ok := strings.Cut(strings.TrimSpace(ref), ":")
	if !ok || strings.TrimSpace(rest) == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	switch scheme {
	case "env":
		return r.fromEnv(rest)
	case "aws":
		id, field, _ := strings.Cut(rest, "#")
		return r.fromAWS(ctx, id, field)
	default:
		return "", fmt.Errorf("%w: unknown scheme %q", ErrInvalidRef, scheme)
	}
}

func (r *Resolver) fromEnv(name string) (string, error) {
	v := strings.TrimSpace(r.getenv(name))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, name)
	}
	return v, nil
}

func (r *Resolver) fromAWS(ctx context.Context, id, field string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidRef)
	}
	client, err := r.awsClient(ctx)
	if err != nil {
		return "", err
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", id, err)
	}
	var raw string
	switch {
	case out.SecretString != nil:
		raw = *out.SecretString
	case len(out.SecretBinary) > 0:
		raw = string(out.SecretBinary)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
	}
	if field == "" {
		return raw, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("%w: secret %q is not a JSON object", ErrInvalidRef, id)
	}
	v, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("%w: secret %q has no field %q", ErrNotFound, id, field)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: field %q of secret %q is not a non-empty string", ErrNotFound, field, id)
	}
	return strings.TrimSpace(s), nil
}

func (r *Resolver) awsClient(ctx context.Context) (awsClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	if r.dial == nil {
		return nil, fmt.Errorf("%w: no secretsmanager client", ErrInvalidConfig)
	}
	c, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	r.client = c
	return c, nil
}
