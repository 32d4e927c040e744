package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/animus-labs/detonator/internal/domain"
	"github.com/animus-labs/detonator/internal/platform/objectstore"
	pgstore "github.com/animus-labs/detonator/internal/repo/postgres"
)

func fileAddCmd() *cobra.Command {
	var execArgs string
	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Store a sample and register it as a file",
		Long: `Uploads the sample to the samples bucket when DETONATOR_MINIO_ENDPOINT is set,
otherwise copies it under DETONATOR_SAMPLE_DIR. Prints the new file id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			sum, size, err := hashFile(src)
			if err != nil {
				return err
			}
			name := filepath.Base(src)
			key := path.Join(sum, name)

			location, err := storeSample(cmd.Context(), src, key, size)
			if err != nil {
				return err
			}
			file := domain.File{ID: uuid.NewString(), Filename: name, SHA256: sum, Location: location, ExecArgs: execArgs}
			return withStore(cmd.Context(), func(ctx context.Context, store *pgstore.Store) error {
				if err := store.CreateFile(ctx, file); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"file_id": file.ID, "sha256": sum, "location": location})
				}
				fmt.Fprintln(os.Stdout, file.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&execArgs, "exec-args", "", "default arguments for the sample")
	return cmd
}

func hashFile(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func storeSample(ctx context.Context, src, key string, size int64) (string, error) {
	cfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return "", err
	}
	f, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if cfg.Enabled() {
		client, err := objectstore.NewMinIOClient(cfg)
		if err != nil {
			return "", err
		}
		_, err = client.PutObject(ctx, cfg.BucketSamples, key, f, size, minio.PutObjectOptions{ContentType: "application/octet-stream"})
		if err != nil {
			return "", fmt.Errorf("upload sample: %w", err)
		}
		return "s3://" + cfg.BucketSamples + "/" + key, nil
	}

	dir := viper.GetString("sample-dir")
	if dir == "" {
		dir = "/var/lib/detonator/samples"
	}
	dst := filepath.Join(dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, f); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("copy sample: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return key, nil
}
