package metastore

import (
	"context"
	"database/sql"
	"fmt"

	"file-relay/internal/registry"
)

// Postgres stores one row per record in the relay_files table created by
// the db package migrations.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) LoadAll(ctx context.Context) ([]registry.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, original_name, storage_key, mime_type, size_bytes, content_hash,
       created_at, expires_at, access_token, download_count
FROM relay_files`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []registry.FileRecord
	for rows.Next() {
		var r registry.FileRecord
		if err := rows.Scan(
			&r.ID, &r.OriginalName, &r.StorageKey, &r.MimeType, &r.SizeBytes, &r.ContentHash,
			&r.CreatedAt, &r.ExpiresAt, &r.AccessToken, &r.DownloadCount,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		r.ExpiresAt = r.ExpiresAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Save upserts rec. Only download_count changes after creation, so the
// conflict branch updates just that column.
func (s *Postgres) Save(ctx context.Context, r registry.FileRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO relay_files (
    id, original_name, storage_key, mime_type, size_bytes, content_hash,
    created_at, expires_at, access_token, download_count
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET download_count = EXCLUDED.download_count`,
		r.ID, r.OriginalName, r.StorageKey, r.MimeType, r.SizeBytes, r.ContentHash,
		r.CreatedAt, r.ExpiresAt, r.AccessToken, r.DownloadCount,
	)
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", r.ID, err)
	}
	return nil
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM relay_files WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
