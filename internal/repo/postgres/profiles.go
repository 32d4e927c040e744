package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/animus-labs/detonator/internal/domain"
	"github.com/animus-labs/detonator/internal/repo"
)

const (
	selectProfileQuery = `SELECT name, connector, agent_port, trace_port, backend, password, detection, created_at, updated_at
		FROM profiles WHERE name = $1`

	listProfilesQuery = `SELECT name, connector, agent_port, trace_port, backend, password, detection, created_at, updated_at
		FROM profiles ORDER BY name ASC`

	upsertProfileQuery = `INSERT INTO profiles (name, connector, agent_port, trace_port, backend, password, detection, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		ON CONFLICT (name) DO UPDATE SET connector = EXCLUDED.connector, agent_port = EXCLUDED.agent_port,
			trace_port = EXCLUDED.trace_port, backend = EXCLUDED.backend, password = EXCLUDED.password,
			detection = EXCLUDED.detection, updated_at = EXCLUDED.updated_at`

	deleteProfileQuery = `DELETE FROM profiles WHERE name = $1`

	insertFileQuery = `INSERT INTO files (file_id, filename, sha256, location, exec_args, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`

	selectFileQuery = `SELECT file_id, filename, sha256, location, exec_args, created_at FROM files WHERE file_id = $1`
)

// pgForeignKeyViolation is the SQLSTATE raised when a referenced row is deleted.
const pgForeignKeyViolation = "23503"

func (s *Store) GetProfile(ctx context.Context, name string) (domain.Profile, error) {
	if s == nil || s.db == nil {
		return domain.Profile{}, fmt.Errorf("store not initialized")
	}
	profile, err := scanProfile(s.db.QueryRowContext(ctx, selectProfileQuery, strings.TrimSpace(name)))
	if err != nil {
		return domain.Profile{}, handleNotFound(err)
	}
	return profile, nil
}

func (s *Store) ListProfiles(ctx context.Context) ([]domain.Profile, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	rows, err := s.db.QueryContext(ctx, listProfilesQuery)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Profile, 0)
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return out, nil
}

func scanProfile(row rowScanner) (domain.Profile, error) {
	var p domain.Profile
	var password sql.NullString
	var backendJSON, detectionJSON []byte
	if err := row.Scan(&p.Name, &p.Connector, &p.AgentPort, &p.TracePort, &backendJSON, &password, &detectionJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Profile{}, err
	}
	var err error
	if p.Backend, err = decodeMetadata(backendJSON); err != nil {
		return domain.Profile{}, fmt.Errorf("decode backend config: %w", err)
	}
	if p.Detection, err = decodeMetadata(detectionJSON); err != nil {
		return domain.Profile{}, fmt.Errorf("decode detection config: %w", err)
	}
	p.Password = password.String
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) UpsertProfile(ctx context.Context, profile domain.Profile) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if err := profile.Validate(); err != nil {
		return err
	}
	backendJSON, err := encodeMetadata(profile.Backend)
	if err != nil {
		return fmt.Errorf("encode backend config: %w", err)
	}
	detectionJSON, err := encodeMetadata(profile.Detection)
	if err != nil {
		return fmt.Errorf("encode detection config: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		upsertProfileQuery,
		strings.TrimSpace(profile.Name),
		strings.ToLower(strings.TrimSpace(profile.Connector)),
		profile.AgentPort,
		profile.TracePort,
		backendJSON,
		nullIfEmpty(profile.Password),
		detectionJSON,
		s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *Store) DeleteProfile(ctx context.Context, name string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	res, err := s.db.ExecContext(ctx, deleteProfileQuery, strings.TrimSpace(name))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return fmt.Errorf("profile %s: %w", name, repo.ErrInUse)
		}
		return fmt.Errorf("delete profile: %w", err)
	}
	return checkAffected(res)
}

func (s *Store) CreateFile(ctx context.Context, file domain.File) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if err := file.Validate(); err != nil {
		return err
	}
	createdAt := file.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(
		ctx,
		insertFileQuery,
		file.ID,
		file.Filename,
		nullIfEmpty(file.SHA256),
		file.Location,
		nullIfEmpty(file.ExecArgs),
		createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

func (s *Store) GetFile(ctx context.Context, id string) (domain.File, error) {
	if s == nil || s.db == nil {
		return domain.File{}, fmt.Errorf("store not initialized")
	}
	var f domain.File
	var sha, args sql.NullString
	err := s.db.QueryRowContext(ctx, selectFileQuery, strings.TrimSpace(id)).
		Scan(&f.ID, &f.Filename, &sha, &f.Location, &args, &f.CreatedAt)
	if err != nil {
		return domain.File{}, handleNotFound(err)
	}
	f.SHA256 = sha.String
	f.ExecArgs = args.String
	f.CreatedAt = f.CreatedAt.UTC()
	return f, nil
}
