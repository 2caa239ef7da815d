package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/JingOS-team/storaged/interfaces"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
)

// SecretsManagerSource stores per-device passphrases in AWS Secrets Manager.
// Intended for headless machines that must unlock encrypted volumes at boot
// without an interactive prompt.
type SecretsManagerSource struct {
	svc    *secretsmanager.SecretsManager
	prefix string
	log    *slog.Logger
}

// NewSecretsManagerSource creates a source using the default AWS credential
// chain. prefix namespaces the secret names (e.g. "storaged").
func NewSecretsManagerSource(region, prefix string, log *slog.Logger) (*SecretsManagerSource, error) {
	if log == nil {
		log = slog.Default()
	}

	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("creating AWS session: %w", err)
	}

	return &SecretsManagerSource{
		svc:    secretsmanager.New(sess),
		prefix: prefix,
		log:    log,
	}, nil
}

// Lookup fetches the device's secret; a missing secret is a normal miss.
func (s *SecretsManagerSource) Lookup(ctx context.Context, device interfaces.DeviceID) (string, bool, error) {
	out, err := s.svc.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretName(device)),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == secretsmanager.ErrCodeResourceNotFoundException {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading secret: %w", err)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return "", false, nil
	}
	return *out.SecretString, true, nil
}

// Store writes the device's secret, creating it on first use.
func (s *SecretsManagerSource) Store(ctx context.Context, device interfaces.DeviceID, passphrase string) error {
	name := s.secretName(device)

	_, err := s.svc.PutSecretValueWithContext(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(passphrase),
	})
	if err == nil {
		return nil
	}

	var aerr awserr.Error
	if !errors.As(err, &aerr) || aerr.Code() != secretsmanager.ErrCodeResourceNotFoundException {
		return fmt.Errorf("updating secret: %w", err)
	}

	_, err = s.svc.CreateSecretWithContext(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(passphrase),
	})
	if err != nil {
		return fmt.Errorf("creating secret: %w", err)
	}
	return nil
}

func (s *SecretsManagerSource) secretName(device interfaces.DeviceID) string {
	return s.prefix + "/" + url.PathEscape(device.String())
}
