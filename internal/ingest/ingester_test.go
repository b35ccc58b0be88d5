package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/fandom-ingest/internal/remote"
)

type fakeSource struct {
	files map[string][]byte
	err   error
	calls int
}

func (f *fakeSource) Name() string { return "drive" }

func (f *fakeSource) List(ctx context.Context) ([]remote.FileDescriptor, error) {
	return nil, nil
}

func (f *fakeSource) Download(ctx context.Context, id string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.files[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

// failingReader fails the test if anything reads it.
type failingReader struct{ t *testing.T }

func (r failingReader) Read(p []byte) (int, error) {
	r.t.Fatal("reader must not be consumed")
	return 0, io.EOF
}

func chatWorkbook(t *testing.T) []byte {
	return buildWorkbook(t,
		standardHeader,
		[]interface{}{"fanX", "chatterA", "Luna", "2025-03-01 09:00", "text", "hi", "", ""},
		[]interface{}{"fanX", "chatterA", "Luna", "2025-03-01 09:00", "text", "hi again", "", ""},
		[]interface{}{"fanX", "chatterB", "Luna", "2025-03-01 09:00", "ppv", "hey", "12.50", "true"},
	)
}

func TestIngestUploadSuccess(t *testing.T) {
	store := newMemStore()
	in := NewIngester(store, nil, Options{})
	data := chatWorkbook(t)

	res, err := in.IngestUpload(context.Background(), "march.xlsx", bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "march.xlsx", res.FileName)
	assert.Equal(t, FileDigest(data), res.FileHash)
	assert.Equal(t, 2, res.RecordsCount)
	assert.Equal(t, 1, res.Duplicates)
	assert.True(t, res.Processed)
	assert.NotZero(t, res.UploadID)

	u := store.upload(res.FileHash)
	require.NotNil(t, u)
	assert.True(t, u.Processed)
	assert.Equal(t, UploadProcessed, u.Status)
	assert.Equal(t, 2, u.RecordCount)
	assert.Equal(t, SourceManual, u.Source)
	assert.Equal(t, 2, store.messageCount())
}

func TestIngestUploadTwiceIsIdempotent(t *testing.T) {
	store := newMemStore()
	in := NewIngester(store, nil, Options{})
	data := chatWorkbook(t)

	_, err := in.IngestUpload(context.Background(), "march.xlsx", bytes.NewReader(data))
	require.NoError(t, err)

	res, err := in.IngestUpload(context.Background(), "march-copy.xlsx", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyProcessed, res.Status)
	assert.Equal(t, 0, res.RecordsCount)
	assert.True(t, res.Processed)
	assert.Equal(t, 1, store.commits)
	assert.Equal(t, 2, store.messageCount())
}

func TestManualThenRemoteWritesOneSet(t *testing.T) {
	store := newMemStore()
	data := chatWorkbook(t)
	src := &fakeSource{files: map[string][]byte{"drive-1": data}}
	in := NewIngester(store, src, Options{})

	manual, err := in.IngestUpload(context.Background(), "march.xlsx", bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, manual.Status)

	remoteRes, err := in.IngestRemote(context.Background(), remote.FileDescriptor{
		ID:          "drive-1",
		Name:        "March Export.xlsx",
		ContentHash: FileDigest(data),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyProcessed, remoteRes.Status)
	assert.Equal(t, manual.FileHash, remoteRes.FileHash)
	assert.Equal(t, manual.UploadID, remoteRes.UploadID)
	assert.Equal(t, 2, store.messageCount())
}

func TestIngestUploadRejectsNonXLSXBeforeReading(t *testing.T) {
	store := newMemStore()
	in := NewIngester(store, nil, Options{})

	for _, name := range []string{"march.csv", "march.xls", "march"} {
		_, err := in.IngestUpload(context.Background(), name, failingReader{t})
		require.Error(t, err)
		assert.Equal(t, KindInvalidInput, KindOf(err))
	}
	assert.Empty(t, store.uploads)
}

func TestIngestUploadAcceptsUppercaseExtension(t *testing.T) {
	in := NewIngester(newMemStore(), nil, Options{})
	res, err := in.IngestUpload(context.Background(), "MARCH.XLSX", bytes.NewReader(chatWorkbook(t)))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestIngestUploadTooLarge(t *testing.T) {
	in := NewIngester(newMemStore(), nil, Options{MaxUploadBytes: 16})
	_, err := in.IngestUpload(context.Background(), "big.xlsx", bytes.NewReader(make([]byte, 17)))
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestIngestSchemaErrorReleasesClaim(t *testing.T) {
	store := newMemStore()
	in := NewIngester(store, nil, Options{})
	data := buildWorkbook(t,
		[]interface{}{"fan_name", "chatter_name", "sent_time", "message_type", "content"},
		[]interface{}{"fanX", "chatterA", "2025-03-01 09:00", "text", "hi"},
	)

	_, err := in.IngestUpload(context.Background(), "bad.xlsx", bytes.NewReader(data))
	require.Error(t, err)
	assert.Equal(t, KindInvalidSchema, KindOf(err))
	assert.False(t, IsRetryable(err))

	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, []string{"creator_name"}, schemaErr.Missing)

	u := store.upload(FileDigest(data))
	require.NotNil(t, u)
	assert.False(t, u.Processed)
	assert.Equal(t, UploadFailed, u.Status)
	assert.Contains(t, u.ErrorMessage, "creator_name")
	assert.Zero(t, store.messageCount())
	assert.Zero(t, store.commits)
}

func TestIngestUnreadableWorkbook(t *testing.T) {
	store := newMemStore()
	in := NewIngester(store, nil, Options{})

	_, err := in.IngestUpload(context.Background(), "fake.xlsx", bytes.NewReader([]byte("not a zip")))
	assert.Equal(t, KindInvalidInput, KindOf(err))
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.Equal(t, 1, store.releases)
}

func TestIngestPersistenceFailureReleasesClaim(t *testing.T) {
	store := newMemStore()
	store.commitErr = errors.New("connection reset")
	in := NewIngester(store, nil, Options{})
	data := chatWorkbook(t)

	_, err := in.IngestUpload(context.Background(), "march.xlsx", bytes.NewReader(data))
	require.Error(t, err)
	assert.Equal(t, KindPersistence, KindOf(err))
	assert.True(t, IsRetryable(err))

	u := store.upload(FileDigest(data))
	require.NotNil(t, u)
	assert.False(t, u.Processed)
	assert.Equal(t, UploadFailed, u.Status)

	// a failed upload is claimable again
	store.commitErr = nil
	res, err := in.IngestUpload(context.Background(), "march.xlsx", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, u.ID, res.UploadID)
}

func TestIngestFindFailureIsPersistence(t *testing.T) {
	store := newMemStore()
	store.findErr = errors.New("db down")
	in := NewIngester(store, nil, Options{})

	_, err := in.IngestUpload(context.Background(), "march.xlsx", bytes.NewReader(chatWorkbook(t)))
	assert.Equal(t, KindPersistence, KindOf(err))
}

func TestIngestInProgressWhenClaimLive(t *testing.T) {
	store := newMemStore()
	in := NewIngester(store, nil, Options{ClaimTTL: time.Hour})
	data := chatWorkbook(t)

	held, err := store.ClaimUpload(context.Background(), ClaimRequest{FileHash: FileDigest(data), FileName: "other.xlsx", TTL: time.Hour})
	require.NoError(t, err)
	require.True(t, held.Granted)

	res, err := in.IngestUpload(context.Background(), "march.xlsx", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, res.Status)
	assert.Equal(t, 0, res.RecordsCount)
	assert.False(t, res.Processed)
	assert.Zero(t, store.messageCount())
}

func TestIngestReclaimsStaleClaim(t *testing.T) {
	store := newMemStore()
	in := NewIngester(store, nil, Options{ClaimTTL: time.Minute})
	data := chatWorkbook(t)

	past := time.Now().Add(-time.Hour)
	store.now = func() time.Time { return past }
	crashed, err := store.ClaimUpload(context.Background(), ClaimRequest{FileHash: FileDigest(data), TTL: time.Minute})
	require.NoError(t, err)
	store.now = time.Now

	res, err := in.IngestUpload(context.Background(), "march.xlsx", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)

	// the crashed worker can no longer commit
	_, err = store.CommitUpload(context.Background(), crashed, nil)
	assert.ErrorIs(t, err, ErrClaimLost)
}

func TestIngestRemoteIntegrityMismatch(t *testing.T) {
	store := newMemStore()
	src := &fakeSource{files: map[string][]byte{"f1": chatWorkbook(t)}}
	in := NewIngester(store, src, Options{})

	_, err := in.IngestRemote(context.Background(), remote.FileDescriptor{
		ID: "f1", Name: "march.xlsx", ContentHash: "00000000000000000000000000000000",
	})
	require.Error(t, err)
	assert.Equal(t, KindIntegrity, KindOf(err))
	assert.Empty(t, store.uploads)
}

func TestIngestRemoteWithoutExtension(t *testing.T) {
	store := newMemStore()
	data := chatWorkbook(t)
	src := &fakeSource{files: map[string][]byte{"drive-9": data}}
	in := NewIngester(store, src, Options{})

	res, err := in.IngestRemote(context.Background(), remote.FileDescriptor{
		ID:          "drive-9",
		Name:        "March export",
		ContentHash: FileDigest(data),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 2, store.messageCount())

	u := store.upload(res.FileHash)
	require.NotNil(t, u)
	assert.Equal(t, "March export", u.FileName)
	assert.Equal(t, "drive-9", u.SourceID)
}

func TestIngestRemoteNonWorkbookWithoutExtension(t *testing.T) {
	store := newMemStore()
	data := []byte("plain text, not a workbook")
	src := &fakeSource{files: map[string][]byte{"drive-10": data}}
	in := NewIngester(store, src, Options{})

	_, err := in.IngestRemote(context.Background(), remote.FileDescriptor{ID: "drive-10", Name: "notes"})
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, KindOf(err))
	assert.False(t, IsRetryable(err))

	u := store.upload(FileDigest(data))
	require.NotNil(t, u)
	assert.Equal(t, UploadFailed, u.Status)
	assert.Equal(t, 1, store.releases)
}

func TestConcurrentIngestOfSameFileCommitsOnce(t *testing.T) {
	store := newMemStore()
	data := chatWorkbook(t)
	in := NewIngester(store, nil, Options{})

	const workers = 16
	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		results  = make([]*Result, workers)
		failures = make([]error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], failures[i] = in.IngestUpload(context.Background(), "march.xlsx", bytes.NewReader(data))
		}(i)
	}
	close(start)
	wg.Wait()

	var success int
	for i := 0; i < workers; i++ {
		require.NoError(t, failures[i])
		switch results[i].Status {
		case StatusSuccess:
			success++
			assert.Equal(t, 2, results[i].RecordsCount)
		case StatusAlreadyProcessed, StatusInProgress:
			assert.Zero(t, results[i].RecordsCount)
		default:
			t.Fatalf("unexpected status %q", results[i].Status)
		}
		assert.Equal(t, FileDigest(data), results[i].FileHash)
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, 1, store.commits)
	assert.Equal(t, 2, store.messageCount())
	assert.True(t, store.upload(FileDigest(data)).Processed)
}

func TestIngestRemoteWithoutHash(t *testing.T) {
	store := newMemStore()
	data := chatWorkbook(t)
	src := &fakeSource{files: map[string][]byte{"f1": data}}
	in := NewIngester(store, src, Options{})

	res, err := in.IngestRemote(context.Background(), remote.FileDescriptor{ID: "f1", Name: "march.xlsx"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)

	u := store.upload(res.FileHash)
	require.NotNil(t, u)
	assert.Equal(t, "drive", u.Source)
	assert.Equal(t, "f1", u.SourceID)
}

func TestIngestRemoteDownloadFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("503 backend error")}
	in := NewIngester(newMemStore(), src, Options{})

	_, err := in.IngestRemote(context.Background(), remote.FileDescriptor{ID: "f1", Name: "march.xlsx"})
	assert.Equal(t, KindTransientIO, KindOf(err))
	assert.True(t, IsRetryable(err))
}

func TestIngestRemoteTooLargeIsNotRetried(t *testing.T) {
	src := &fakeSource{err: remote.ErrTooLarge}
	in := NewIngester(newMemStore(), src, Options{})

	_, err := in.IngestRemote(context.Background(), remote.FileDescriptor{ID: "f1", Name: "march.xlsx"})
	assert.Equal(t, KindInvalidInput, KindOf(err))
	assert.False(t, IsRetryable(err))
}

func TestIngestCancelledBeforeCommit(t *testing.T) {
	store := newMemStore()
	in := NewIngester(store, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	data := chatWorkbook(t)
	_, err := in.IngestUpload(ctx, "march.xlsx", bytes.NewReader(data))
	require.Error(t, err)
	assert.Zero(t, store.commits)

	u := store.upload(FileDigest(data))
	require.NotNil(t, u)
	assert.False(t, u.Processed)
}

func TestErrorFormatting(t *testing.T) {
	err := newError(KindIntegrity, "march.xlsx", errors.New("hash mismatch"))
	assert.Equal(t, "ingest march.xlsx: integrity: hash mismatch", err.Error())
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}
