package ingest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ignite/fandom-ingest/internal/metrics"
	"github.com/ignite/fandom-ingest/internal/pkg/logger"
	"github.com/ignite/fandom-ingest/internal/remote"
)

const (
	defaultClaimTTL       = 30 * time.Minute
	defaultMaxUploadBytes = 50 << 20
)

// Options tunes an Ingester.
type Options struct {
	ClaimTTL       time.Duration
	MaxUploadBytes int64
}

// Ingester runs the file-level pipeline: digest, idempotency check,
// atomic claim, normalize, dedup, commit. It never retries; callers
// decide using Error.Retryable.
type Ingester struct {
	store    UploadStore
	source   remote.Source
	claimTTL time.Duration
	maxBytes int64
}

// NewIngester builds an Ingester. source may be nil when only manual
// uploads are served.
func NewIngester(store UploadStore, source remote.Source, opts Options) *Ingester {
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = defaultClaimTTL
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	return &Ingester{
		store:    store,
		source:   source,
		claimTTL: opts.ClaimTTL,
		maxBytes: opts.MaxUploadBytes,
	}
}

// FileDigest returns the lowercase hex MD5 of data.
func FileDigest(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// IngestUpload ingests a manually uploaded workbook. Names without an
// .xlsx extension are rejected before r is read.
func (in *Ingester) IngestUpload(ctx context.Context, fileName string, r io.Reader) (*Result, error) {
	start := time.Now()
	if !remote.IsXLSX(fileName) {
		return nil, in.fail(SourceManual, start, newError(KindInvalidInput, fileName, errors.New("only .xlsx files are supported")))
	}

	data, err := io.ReadAll(io.LimitReader(r, in.maxBytes+1))
	if err != nil {
		return nil, in.fail(SourceManual, start, newError(KindTransientIO, fileName, fmt.Errorf("read upload: %w", err)))
	}
	if int64(len(data)) > in.maxBytes {
		return nil, in.fail(SourceManual, start, newError(KindInvalidInput, fileName, fmt.Errorf("file exceeds %d bytes", in.maxBytes)))
	}

	return in.ingestBytes(ctx, start, fileName, SourceManual, "", data)
}

// IngestRemote downloads and ingests one remote file. When the store
// reported a content hash, the downloaded bytes must match it. The name
// is not checked: sources select workbooks when listing, and anything
// that is not one fails in Normalize.
func (in *Ingester) IngestRemote(ctx context.Context, f remote.FileDescriptor) (*Result, error) {
	start := time.Now()
	if in.source == nil {
		return nil, newError(KindInvalidInput, f.Name, errors.New("no remote source configured"))
	}
	sourceName := in.source.Name()

	data, err := in.source.Download(ctx, f.ID)
	if err != nil {
		if errors.Is(err, remote.ErrTooLarge) {
			return nil, in.fail(sourceName, start, newError(KindInvalidInput, f.Name, err))
		}
		return nil, in.fail(sourceName, start, newError(KindTransientIO, f.Name, err))
	}

	if f.ContentHash != "" {
		if got := FileDigest(data); !strings.EqualFold(got, f.ContentHash) {
			return nil, in.fail(sourceName, start, newError(KindIntegrity, f.Name,
				fmt.Errorf("content hash mismatch: remote %s, downloaded %s", f.ContentHash, got)))
		}
	}

	return in.ingestBytes(ctx, start, f.Name, sourceName, f.ID, data)
}

func (in *Ingester) ingestBytes(ctx context.Context, start time.Time, fileName, source, sourceID string, data []byte) (*Result, error) {
	hash := FileDigest(data)
	res := &Result{FileName: fileName, FileHash: hash}

	existing, err := in.store.FindUpload(ctx, hash)
	switch {
	case err == nil && existing.Processed:
		return in.alreadyProcessed(source, start, res, existing), nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, in.fail(source, start, newError(KindPersistence, fileName, fmt.Errorf("find upload: %w", err)))
	}

	claim, err := in.store.ClaimUpload(ctx, ClaimRequest{
		FileHash: hash,
		FileName: fileName,
		Source:   source,
		SourceID: sourceID,
		TTL:      in.claimTTL,
	})
	if err != nil {
		return nil, in.fail(source, start, newError(KindPersistence, fileName, fmt.Errorf("claim upload: %w", err)))
	}
	if !claim.Granted {
		if claim.Existing != nil && claim.Existing.Processed {
			return in.alreadyProcessed(source, start, res, claim.Existing), nil
		}
		if claim.Existing != nil {
			res.UploadID = claim.Existing.ID
		}
		res.Status = StatusInProgress
		logger.Info("ingest: file claimed elsewhere", "file", fileName, "hash", hash)
		metrics.ObserveIngest(source, string(StatusInProgress), time.Since(start))
		return res, nil
	}
	res.UploadID = claim.UploadID

	records, err := Normalize(data)
	if err != nil {
		kind := KindInvalidSchema
		if errors.Is(err, ErrUnreadable) {
			kind = KindInvalidInput
		}
		return nil, in.release(ctx, source, start, claim, newError(kind, fileName, err))
	}

	unique, dropped := DedupStats(records)
	res.Duplicates = dropped

	if err := ctx.Err(); err != nil {
		return nil, in.release(ctx, source, start, claim, newError(KindTransientIO, fileName, err))
	}

	stats, err := in.store.CommitUpload(ctx, claim, unique)
	if err != nil {
		return nil, in.release(ctx, source, start, claim, newError(KindPersistence, fileName, fmt.Errorf("commit upload: %w", err)))
	}

	res.Status = StatusSuccess
	res.RecordsCount = len(unique)
	res.Processed = true

	metrics.ObserveRecords(len(records), dropped, stats.Inserted, stats.Skipped)
	metrics.ObserveIngest(source, string(StatusSuccess), time.Since(start))
	logger.Info("ingest: file processed",
		"file", fileName, "hash", hash, "source", source,
		"rows", len(records), "records", len(unique), "duplicates", dropped,
		"inserted", stats.Inserted, "skipped", stats.Skipped,
		"duration", time.Since(start))
	return res, nil
}

func (in *Ingester) alreadyProcessed(source string, start time.Time, res *Result, existing *UploadRecord) *Result {
	res.Status = StatusAlreadyProcessed
	res.RecordsCount = 0
	res.Processed = true
	res.UploadID = existing.ID
	logger.Info("ingest: file already processed", "file", res.FileName, "hash", res.FileHash, "upload_id", existing.ID)
	metrics.ObserveIngest(source, string(StatusAlreadyProcessed), time.Since(start))
	return res
}

// release marks the claim failed and returns ierr. Release runs on a fresh
// context so a cancelled caller does not leave the claim dangling until TTL.
func (in *Ingester) release(ctx context.Context, source string, start time.Time, claim *Claim, ierr *Error) error {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := in.store.ReleaseUpload(releaseCtx, claim, ierr); err != nil {
		logger.Error("ingest: release claim failed", "file", ierr.FileName, "hash", claim.FileHash, "error", err)
	}
	return in.fail(source, start, ierr)
}

func (in *Ingester) fail(source string, start time.Time, ierr *Error) error {
	metrics.ObserveIngest(source, string(ierr.Kind), time.Since(start))
	logger.Warn("ingest: file failed", "file", ierr.FileName, "kind", string(ierr.Kind), "error", ierr.Err)
	return ierr
}
