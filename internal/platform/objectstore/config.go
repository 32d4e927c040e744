package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/detonator/internal/platform/env"
)

// Config describes the MinIO deployment holding samples and evidence.
// An empty endpoint disables object storage.
type Config struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Region         string
	UseSSL         bool
	BucketSamples  string
	BucketEvidence string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("DETONATOR_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:       env.Trimmed("DETONATOR_MINIO_ENDPOINT", ""),
		AccessKey:      env.String("DETONATOR_MINIO_ACCESS_KEY", ""),
		SecretKey:      env.String("DETONATOR_MINIO_SECRET_KEY", ""),
		Region:         env.String("DETONATOR_MINIO_REGION", "us-east-1"),
		UseSSL:         useSSL,
		BucketSamples:  env.String("DETONATOR_MINIO_BUCKET_SAMPLES", "samples"),
		BucketEvidence: env.String("DETONATOR_MINIO_BUCKET_EVIDENCE", "evidence"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketSamples) == "" {
		return errors.New("samples bucket is required")
	}
	if strings.TrimSpace(c.BucketEvidence) == "" {
		return errors.New("evidence bucket is required")
	}
	return nil
}
