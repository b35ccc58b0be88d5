package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory UploadStore mirroring the claim semantics of
// the Postgres store.
type memStore struct {
	mu       sync.Mutex
	now      func() time.Time
	uploads  map[string]*UploadRecord // by hash
	tokens   map[int64]string
	messages map[DedupKey]NormalizedRecord
	nextID   int64
	seq      int

	commitErr error
	findErr   error
	commits   int
	releases  int
}

func newMemStore() *memStore {
	return &memStore{
		now:      time.Now,
		uploads:  make(map[string]*UploadRecord),
		tokens:   make(map[int64]string),
		messages: make(map[DedupKey]NormalizedRecord),
	}
}

func (s *memStore) FindUpload(ctx context.Context, hash string) (*UploadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	u, ok := s.uploads[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) ClaimUpload(ctx context.Context, req ClaimRequest) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	u, ok := s.uploads[req.FileHash]
	if ok {
		stale := u.ClaimedAt == nil || u.ClaimedAt.Before(now.Add(-req.TTL))
		if u.Processed || (u.Status == UploadProcessing && !stale) {
			cp := *u
			return &Claim{UploadID: u.ID, FileHash: u.FileHash, Existing: &cp}, nil
		}
	} else {
		s.nextID++
		u = &UploadRecord{ID: s.nextID, FileHash: req.FileHash, UploadedAt: now, CreatedAt: now}
		s.uploads[req.FileHash] = u
	}

	s.seq++
	token := fmt.Sprintf("token-%d", s.seq)
	u.FileName = req.FileName
	u.Source = req.Source
	u.SourceID = req.SourceID
	u.Status = UploadProcessing
	u.ErrorMessage = ""
	u.ClaimedAt = &now
	u.UpdatedAt = now
	s.tokens[u.ID] = token
	return &Claim{UploadID: u.ID, FileHash: u.FileHash, Token: token, Granted: true}, nil
}

func (s *memStore) CommitUpload(ctx context.Context, claim *Claim, records []NormalizedRecord) (*CommitStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	if s.commitErr != nil {
		return nil, s.commitErr
	}
	u := s.uploads[claim.FileHash]
	if u == nil || u.Processed || s.tokens[u.ID] != claim.Token {
		return nil, ErrClaimLost
	}

	stats := &CommitStats{}
	for _, r := range records {
		k := Key(r)
		if _, dup := s.messages[k]; dup {
			stats.Skipped++
			continue
		}
		s.messages[k] = r
		stats.Inserted++
	}
	now := s.now()
	u.Status = UploadProcessed
	u.Processed = true
	u.RecordCount = len(records)
	u.ProcessedAt = &now
	return stats, nil
}

func (s *memStore) ReleaseUpload(ctx context.Context, claim *Claim, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	u := s.uploads[claim.FileHash]
	if u == nil || u.Processed || s.tokens[u.ID] != claim.Token {
		return nil
	}
	u.Status = UploadFailed
	u.ClaimedAt = nil
	if cause != nil {
		u.ErrorMessage = cause.Error()
	}
	return nil
}

func (s *memStore) ProcessedSourceIDs(ctx context.Context, source string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	for _, u := range s.uploads {
		if u.Processed && u.Source == source && u.SourceID != "" {
			out[u.SourceID] = struct{}{}
		}
	}
	return out, nil
}

func (s *memStore) ProcessedHashes(ctx context.Context, hashes []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	for _, h := range hashes {
		if u, ok := s.uploads[h]; ok && u.Processed {
			out[h] = struct{}{}
		}
	}
	return out, nil
}

func (s *memStore) ListUploads(ctx context.Context, f UploadFilter) ([]UploadRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []UploadRecord
	for _, u := range s.uploads {
		if f.Status == "" || u.Status == f.Status {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, len(out), nil
}

func (s *memStore) upload(hash string) *UploadRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads[hash]
}

func (s *memStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
