// Package ingest turns chat-log spreadsheet exports into duplicate-free
// message records and persists them exactly once per file.
package ingest

import (
	"context"
	"time"
)

// MessageType is the kind of chat message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessagePhoto MessageType = "photo"
	MessageVideo MessageType = "video"
	MessageVoice MessageType = "voice"
	MessagePPV   MessageType = "ppv" // pay-per-view
)

// NormalizedRecord is one chat message after coercion and defaulting.
// Treat it as immutable once produced by Normalize.
type NormalizedRecord struct {
	FanName     string
	ChatterName string
	CreatorName string
	SentTime    *time.Time // UTC; nil when the source value could not be parsed
	MessageType MessageType
	Content     string
	Price       float64
	Purchased   bool
	Row         int // 1-based worksheet row, diagnostics only
}

// Status is the outcome of an ingestion that did not fail.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusAlreadyProcessed Status = "already_processed"
	StatusInProgress       Status = "in_progress"
)

// Result describes one ingestion call.
type Result struct {
	Status       Status `json:"status"`
	FileName     string `json:"file_name"`
	FileHash     string `json:"file_hash"`
	RecordsCount int    `json:"records_count"`
	Duplicates   int    `json:"duplicates"`
	Processed    bool   `json:"processed"`
	UploadID     int64  `json:"upload_id,omitempty"`
}

// Upload sources.
const (
	SourceManual = "manual"
)

// Upload statuses as persisted.
const (
	UploadProcessing = "processing"
	UploadProcessed  = "processed"
	UploadFailed     = "failed"
)

// UploadRecord is the persisted ledger row for one distinct file content.
type UploadRecord struct {
	ID           int64      `json:"id"`
	FileName     string     `json:"file_name"`
	FileHash     string     `json:"file_hash"`
	Source       string     `json:"source"`
	SourceID     string     `json:"source_id,omitempty"`
	Status       string     `json:"status"`
	Processed    bool       `json:"processed"`
	RecordCount  int        `json:"record_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	UploadedAt   time.Time  `json:"uploaded_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ClaimRequest asks the store for exclusive processing rights on a file hash.
type ClaimRequest struct {
	FileHash string
	FileName string
	Source   string
	SourceID string
	TTL      time.Duration // a processing claim older than this may be taken over
}

// Claim is the store's answer to a ClaimRequest. When Granted is false,
// Existing holds the row that blocked the claim.
type Claim struct {
	UploadID int64
	FileHash string
	Token    string
	Granted  bool
	Existing *UploadRecord
}

// CommitStats reports what a commit wrote.
type CommitStats struct {
	Inserted int // new message rows
	Skipped  int // rows already present under the same dedup key
}

// UploadFilter narrows ListUploads.
type UploadFilter struct {
	Status string
	Limit  int
	Offset int
}

// UploadStore persists uploads and their messages. Implementations must
// make ClaimUpload atomic across processes.
type UploadStore interface {
	// FindUpload returns ErrNotFound when no upload has this hash.
	FindUpload(ctx context.Context, fileHash string) (*UploadRecord, error)
	ClaimUpload(ctx context.Context, req ClaimRequest) (*Claim, error)
	// CommitUpload writes records and marks the upload processed in one
	// transaction. It fails with ErrClaimLost if the claim was taken over.
	CommitUpload(ctx context.Context, claim *Claim, records []NormalizedRecord) (*CommitStats, error)
	// ReleaseUpload marks a claimed upload failed so it can be retried.
	ReleaseUpload(ctx context.Context, claim *Claim, cause error) error
	ProcessedSourceIDs(ctx context.Context, source string) (map[string]struct{}, error)
	ProcessedHashes(ctx context.Context, hashes []string) (map[string]struct{}, error)
	ListUploads(ctx context.Context, filter UploadFilter) ([]UploadRecord, int, error)
}
