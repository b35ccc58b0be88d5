package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ignite/fandom-ingest/internal/ingest"
)

const insertMessageSQL = `
	INSERT INTO messages (upload_id, dedup_key, fan_id, chatter_id, creator_id, sent_time,
	                      message_type, content, price, purchased, source_row)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (dedup_key) DO NOTHING`

// fanSpan is the first/last message time seen for one fan in a file.
type fanSpan struct {
	first, last *time.Time
}

// CommitUpload writes the fans, chatters, creators and messages of one
// file and marks the upload processed, all in one transaction. Messages
// whose dedup key already exists (from an earlier file) are skipped, and
// only newly inserted purchased messages add to fan spend and creator
// earnings.
func (r *UploadRepo) CommitUpload(ctx context.Context, claim *ingest.Claim, records []ingest.NormalizedRecord) (*ingest.CommitStats, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var processed bool
	err = tx.QueryRowContext(ctx,
		`SELECT processed FROM uploads WHERE id = $1 AND claim_token = $2 FOR UPDATE`,
		claim.UploadID, claim.Token,
	).Scan(&processed)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && processed) {
		return nil, ingest.ErrClaimLost
	}
	if err != nil {
		return nil, fmt.Errorf("lock upload %d: %w", claim.UploadID, err)
	}

	fanIDs, err := upsertFans(ctx, tx, records)
	if err != nil {
		return nil, err
	}
	chatterIDs, err := upsertNames(ctx, tx, "chatters", records, func(r ingest.NormalizedRecord) string { return r.ChatterName })
	if err != nil {
		return nil, err
	}
	creatorIDs, err := upsertNames(ctx, tx, "creators", records, func(r ingest.NormalizedRecord) string { return r.CreatorName })
	if err != nil {
		return nil, err
	}

	stmt, err := tx.PrepareContext(ctx, insertMessageSQL)
	if err != nil {
		return nil, fmt.Errorf("prepare message insert: %w", err)
	}
	defer stmt.Close()

	stats := &ingest.CommitStats{}
	spend := make(map[int64]float64)
	earnings := make(map[int64]float64)
	for _, rec := range records {
		fanID, hasFan := fanIDs[rec.FanName]
		creatorID, hasCreator := creatorIDs[rec.CreatorName]

		res, err := stmt.ExecContext(ctx,
			claim.UploadID,
			string(ingest.Key(rec)),
			nullID(fanID, hasFan),
			nullID(chatterIDs[rec.ChatterName], rec.ChatterName != ""),
			nullID(creatorID, hasCreator),
			nullTime(rec.SentTime),
			string(rec.MessageType),
			rec.Content,
			rec.Price,
			rec.Purchased,
			rec.Row,
		)
		if err != nil {
			return nil, fmt.Errorf("insert message row %d: %w", rec.Row, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			stats.Skipped++
			continue
		}
		stats.Inserted++

		if rec.Purchased && rec.Price > 0 {
			if hasFan {
				spend[fanID] += rec.Price
			}
			if hasCreator {
				earnings[creatorID] += rec.Price
			}
		}
	}

	for _, id := range sortedIDs(spend) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE fans SET total_spent = total_spent + $2, updated_at = now() WHERE id = $1`,
			id, spend[id]); err != nil {
			return nil, fmt.Errorf("update fan %d spend: %w", id, err)
		}
	}
	for _, id := range sortedIDs(earnings) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE creators SET earnings_total = earnings_total + $2, updated_at = now() WHERE id = $1`,
			id, earnings[id]); err != nil {
			return nil, fmt.Errorf("update creator %d earnings: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE uploads
		SET status = 'processed', processed = true, record_count = $2, processed_at = now(),
		    error_message = NULL, claim_token = NULL, updated_at = now()
		WHERE id = $1
	`, claim.UploadID, len(records)); err != nil {
		return nil, fmt.Errorf("mark upload %d processed: %w", claim.UploadID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upload %d: %w", claim.UploadID, err)
	}
	return stats, nil
}

// upsertFans creates or touches each distinct non-empty fan, widening
// first_seen/last_active to the file's message times. Rows are locked in
// name order, like the spend and earnings updates.
func upsertFans(ctx context.Context, tx *sql.Tx, records []ingest.NormalizedRecord) (map[string]int64, error) {
	var order []string
	spans := make(map[string]*fanSpan)
	for _, rec := range records {
		if rec.FanName == "" {
			continue
		}
		s, ok := spans[rec.FanName]
		if !ok {
			s = &fanSpan{}
			spans[rec.FanName] = s
			order = append(order, rec.FanName)
		}
		if t := rec.SentTime; t != nil {
			if s.first == nil || t.Before(*s.first) {
				s.first = t
			}
			if s.last == nil || t.After(*s.last) {
				s.last = t
			}
		}
	}

	sort.Strings(order)
	ids := make(map[string]int64, len(order))
	for _, name := range order {
		s := spans[name]
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO fans (name, first_seen, last_active)
			VALUES ($1, $2, $3)
			ON CONFLICT (name) DO UPDATE
			SET first_seen = LEAST(fans.first_seen, EXCLUDED.first_seen),
			    last_active = GREATEST(fans.last_active, EXCLUDED.last_active),
			    updated_at = now()
			RETURNING id
		`, name, nullTime(s.first), nullTime(s.last)).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("upsert fan: %w", err)
		}
		ids[name] = id
	}
	return ids, nil
}

// upsertNames creates each distinct non-empty name in table (chatters or
// creators) in sorted order and returns their ids.
func upsertNames(ctx context.Context, tx *sql.Tx, table string, records []ingest.NormalizedRecord, name func(ingest.NormalizedRecord) string) (map[string]int64, error) {
	q := fmt.Sprintf(`
		INSERT INTO %s (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET updated_at = now()
		RETURNING id`, table)

	ids := make(map[string]int64)
	for _, rec := range records {
		if n := name(rec); n != "" {
			ids[n] = 0
		}
	}
	names := make([]string, 0, len(ids))
	for n := range ids {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		var id int64
		if err := tx.QueryRowContext(ctx, q, n).Scan(&id); err != nil {
			return nil, fmt.Errorf("upsert %s: %w", table, err)
		}
		ids[n] = id
	}
	return ids, nil
}

func nullID(id int64, ok bool) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: ok}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func sortedIDs(m map[int64]float64) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
