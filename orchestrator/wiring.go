package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/animus-labs/detonator/internal/domain"
	"github.com/animus-labs/detonator/internal/evidence"
	"github.com/animus-labs/detonator/internal/platform/env"
	"github.com/animus-labs/detonator/internal/platform/httpserver"
	"github.com/animus-labs/detonator/internal/platform/objectstore"
	"github.com/animus-labs/detonator/internal/platform/postgres"
	"github.com/animus-labs/detonator/internal/repo"
	"github.com/animus-labs/detonator/internal/repo/memory"
	pgstore "github.com/animus-labs/detonator/internal/repo/postgres"
	"github.com/animus-labs/detonator/internal/samples"
)

const readinessTimeout = 750 * time.Millisecond

type storeHandle struct {
	store  repo.Store
	checks []httpserver.ReadinessCheck
	close  func()
}

func openStore(ctx context.Context, logger *slog.Logger) (storeHandle, error) {
	mode := strings.ToLower(env.Trimmed("DETONATOR_STORE", "postgres"))
	switch mode {
	case "memory":
		logger.Warn("using in-memory store; jobs are lost on restart")
		return storeHandle{store: memory.NewStore(), close: func() {}}, nil
	case "postgres":
	default:
		return storeHandle{}, fmt.Errorf("unsupported DETONATOR_STORE %q", mode)
	}

	cfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return storeHandle{}, err
	}
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return storeHandle{}, err
	}
	return storeHandle{
		store:  pgstore.NewStore(db),
		checks: []httpserver.ReadinessCheck{{Name: "postgres", Check: pingCheck(db)}},
		close:  func() { _ = db.Close() },
	}, nil
}

func pingCheck(db *sql.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		checkCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
		defer cancel()
		return db.PingContext(checkCtx)
	}
}

type objectHandle struct {
	samples  *samples.Store
	evidence *evidence.Archive
	checks   []httpserver.ReadinessCheck
}

// openObjects wires sample reads and the evidence archive. Without a MinIO
// endpoint samples come from DETONATOR_SAMPLE_DIR and no evidence is kept.
func openObjects(ctx context.Context, logger *slog.Logger) (objectHandle, error) {
	cfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return objectHandle{}, err
	}
	out := objectHandle{samples: &samples.Store{Dir: env.Trimmed("DETONATOR_SAMPLE_DIR", "/var/lib/detonator/samples")}}
	if !cfg.Enabled() {
		logger.Info("object storage disabled; evidence archive off", "sample_dir", out.samples.Dir)
		return out, nil
	}

	client, err := objectstore.NewMinIOClient(cfg)
	if err != nil {
		return objectHandle{}, err
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := objectstore.EnsureEvidenceBucket(startupCtx, client, cfg); err != nil {
		return objectHandle{}, err
	}
	archive, err := evidence.New(client, cfg.BucketEvidence)
	if err != nil {
		return objectHandle{}, err
	}
	out.samples.MinIO = client
	out.evidence = archive
	out.checks = []httpserver.ReadinessCheck{{Name: "minio", Check: bucketCheck(client, cfg)}}
	return out, nil
}

func bucketCheck(client *minio.Client, cfg objectstore.Config) func(context.Context) error {
	return func(ctx context.Context) error {
		checkCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
		defer cancel()
		return objectstore.CheckBuckets(checkCtx, client, cfg)
	}
}

func seedProfiles(ctx context.Context, logger *slog.Logger, store repo.ProfileRepository, path string) error {
	profiles, err := domain.LoadProfilesFile(path)
	if err != nil {
		return err
	}
	for _, p := range profiles {
		if err := store.UpsertProfile(ctx, p); err != nil {
			return fmt.Errorf("upsert profile %s: %w", p.Name, err)
		}
	}
	logger.Info("profiles seeded", "path", path, "count", len(profiles))
	return nil
}
