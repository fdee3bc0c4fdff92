package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kilnlabs/kiln-go/internal/platform/env"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketArtifacts string

	// RetentionDays > 0 installs a bucket wide expiry rule on the artifacts
	// bucket. Zero keeps objects forever; per artifact retention stays in
	// the database rows either way.
	RetentionDays int
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("KILN_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	retentionDays, err := env.Int("KILN_MINIO_RETENTION_DAYS", 0)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("KILN_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("KILN_MINIO_ACCESS_KEY", "kiln"),
		SecretKey:       env.String("KILN_MINIO_SECRET_KEY", "kilnminio"),
		Region:          env.String("KILN_MINIO_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketArtifacts: env.String("KILN_MINIO_BUCKET_ARTIFACTS", "kiln-artifacts"),
		RetentionDays:   retentionDays,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
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
	if strings.TrimSpace(c.BucketArtifacts) == "" {
		return errors.New("artifacts bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if c.RetentionDays < 0 {
		return errors.New("retention days must be >= 0")
	}
	return nil
}
