package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/fandom-ingest/internal/ingest"
)

const maxErrorMessage = 1000

const uploadColumns = `id, file_name, file_hash, source, COALESCE(source_id, ''), status, processed, ` +
	`record_count, COALESCE(error_message, ''), claimed_at, uploaded_at, processed_at, created_at, updated_at`

// UploadRepo implements ingest.UploadStore against PostgreSQL.
type UploadRepo struct{ db *sql.DB }

// NewUploadRepo creates a Postgres-backed upload store.
func NewUploadRepo(db *sql.DB) *UploadRepo { return &UploadRepo{db: db} }

var _ ingest.UploadStore = (*UploadRepo)(nil)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUpload(s rowScanner) (*ingest.UploadRecord, error) {
	u := &ingest.UploadRecord{}
	var claimedAt, processedAt sql.NullTime
	err := s.Scan(
		&u.ID, &u.FileName, &u.FileHash, &u.Source, &u.SourceID, &u.Status, &u.Processed,
		&u.RecordCount, &u.ErrorMessage, &claimedAt, &u.UploadedAt, &processedAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		u.ClaimedAt = &claimedAt.Time
	}
	if processedAt.Valid {
		u.ProcessedAt = &processedAt.Time
	}
	return u, nil
}

func (r *UploadRepo) FindUpload(ctx context.Context, fileHash string) (*ingest.UploadRecord, error) {
	u, err := scanUpload(r.db.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM uploads WHERE file_hash = $1`, fileHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ingest.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find upload: %w", err)
	}
	return u, nil
}

// ClaimUpload inserts or takes over the upload row for req.FileHash in a
// single statement. The unique index on file_hash makes concurrent claims
// race-free: exactly one caller gets a row back. Processed rows and live
// claims younger than req.TTL are never taken over.
func (r *UploadRepo) ClaimUpload(ctx context.Context, req ingest.ClaimRequest) (*ingest.Claim, error) {
	token := uuid.NewString()
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO uploads (file_name, file_hash, source, source_id, status, processed, claim_token, claimed_at, uploaded_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), 'processing', false, $5, now(), now())
		ON CONFLICT (file_hash) DO UPDATE
		SET file_name = EXCLUDED.file_name,
		    source = EXCLUDED.source,
		    source_id = EXCLUDED.source_id,
		    status = 'processing',
		    claim_token = EXCLUDED.claim_token,
		    claimed_at = now(),
		    error_message = NULL,
		    updated_at = now()
		WHERE NOT uploads.processed
		  AND (uploads.status <> 'processing'
		       OR uploads.claimed_at IS NULL
		       OR uploads.claimed_at < now() - make_interval(secs => $6))
		RETURNING id
	`, req.FileName, req.FileHash, req.Source, req.SourceID, token, req.TTL.Seconds()).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		existing, ferr := r.FindUpload(ctx, req.FileHash)
		if ferr != nil {
			return nil, fmt.Errorf("claim upload: load holder: %w", ferr)
		}
		return &ingest.Claim{UploadID: existing.ID, FileHash: req.FileHash, Existing: existing}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim upload: %w", err)
	}
	return &ingest.Claim{UploadID: id, FileHash: req.FileHash, Token: token, Granted: true}, nil
}

// ReleaseUpload marks a claimed upload failed. A claim that was already
// taken over or committed is left alone.
func (r *UploadRepo) ReleaseUpload(ctx context.Context, claim *ingest.Claim, cause error) error {
	msg := ""
	if cause != nil {
		msg = truncateUTF8(cause.Error(), maxErrorMessage)
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE uploads
		SET status = 'failed', error_message = NULLIF($3, ''), claim_token = NULL, claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND claim_token = $2 AND NOT processed
	`, claim.UploadID, claim.Token, msg)
	if err != nil {
		return fmt.Errorf("release upload %d: %w", claim.UploadID, err)
	}
	return nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (r *UploadRepo) ProcessedSourceIDs(ctx context.Context, source string) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT source_id FROM uploads
		WHERE processed AND source = $1 AND source_id IS NOT NULL
	`, source)
	if err != nil {
		return nil, fmt.Errorf("processed source ids: %w", err)
	}
	defer rows.Close()
	return scanSet(rows)
}

func (r *UploadRepo) ProcessedHashes(ctx context.Context, hashes []string) (map[string]struct{}, error) {
	if len(hashes) == 0 {
		return map[string]struct{}{}, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT file_hash FROM uploads WHERE processed AND file_hash = ANY($1)
	`, pq.Array(hashes))
	if err != nil {
		return nil, fmt.Errorf("processed hashes: %w", err)
	}
	defer rows.Close()
	return scanSet(rows)
}

func scanSet(rows *sql.Rows) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = struct{}{}
	}
	return out, rows.Err()
}

func (r *UploadRepo) ListUploads(ctx context.Context, f ingest.UploadFilter) ([]ingest.UploadRecord, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := ""
	args := []interface{}{}
	if f.Status != "" {
		where = " WHERE status = $1"
		args = append(args, f.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM uploads`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count uploads: %w", err)
	}

	q := `SELECT ` + uploadColumns + ` FROM uploads` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	var out []ingest.UploadRecord
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan upload: %w", err)
		}
		out = append(out, *u)
	}
	return out, total, rows.Err()
}
