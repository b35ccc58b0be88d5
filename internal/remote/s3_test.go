package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	pages   []*s3.ListObjectsV2Output
	objects map[string][]byte
	listed  []string
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.listed = append(f.listed, aws.ToString(in.Prefix))
	idx := 0
	if in.ContinuationToken != nil {
		idx = 1
	}
	return f.pages[idx], nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3SourceList(t *testing.T) {
	modified := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := &fakeS3{pages: []*s3.ListObjectsV2Output{
		{
			IsTruncated:           aws.Bool(true),
			NextContinuationToken: aws.String("page-2"),
			Contents: []types.Object{
				{Key: aws.String("exports/"), Size: aws.Int64(0)},
				{Key: aws.String("exports/march.xlsx"), Size: aws.Int64(2048), ETag: aws.String(`"0CC175B9C0F1B6A831C399E269772661"`), LastModified: aws.Time(modified)},
				{Key: aws.String("exports/notes.csv"), Size: aws.Int64(10)},
			},
		},
		{
			IsTruncated: aws.Bool(false),
			Contents: []types.Object{
				{Key: aws.String("exports/big.XLSX"), Size: aws.Int64(9000), ETag: aws.String(`"d41d8cd98f00b204e9800998ecf8427e-3"`)},
				{Key: aws.String("exports/empty.xlsx"), Size: aws.Int64(0)},
			},
		},
	}}

	src := NewS3SourceWithClient(fake, S3Config{Bucket: "chat-exports", Prefix: "exports/"})
	files, err := src.List(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, "exports/march.xlsx", files[0].ID)
	assert.Equal(t, "march.xlsx", files[0].Name)
	assert.Equal(t, "0cc175b9c0f1b6a831c399e269772661", files[0].ContentHash)
	assert.Equal(t, int64(2048), files[0].Size)
	assert.Equal(t, modified, files[0].ModifiedAt)

	// multipart ETags are not content MD5s
	assert.Equal(t, "exports/big.XLSX", files[1].ID)
	assert.Empty(t, files[1].ContentHash)

	assert.Equal(t, "exports/", fake.listed[0])
	assert.Equal(t, "s3", src.Name())
}

func TestS3SourceDownload(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{"exports/march.xlsx": []byte("workbook")}}
	src := NewS3SourceWithClient(fake, S3Config{Bucket: "chat-exports", MaxBytes: 5})

	_, err := src.Download(context.Background(), "exports/march.xlsx")
	assert.ErrorIs(t, err, ErrTooLarge)

	src.maxBytes = 0
	data, err := src.Download(context.Background(), "exports/march.xlsx")
	require.NoError(t, err)
	assert.Equal(t, []byte("workbook"), data)

	_, err = src.Download(context.Background(), "missing.xlsx")
	assert.Error(t, err)
}

func TestIsXLSX(t *testing.T) {
	assert.True(t, IsXLSX("chat.xlsx"))
	assert.True(t, IsXLSX("CHAT.XLSX"))
	assert.False(t, IsXLSX("chat.xls"))
	assert.False(t, IsXLSX("chat.xlsx.csv"))
}

func TestNewS3SourceStaticKeysAndEndpoint(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/xml")
		io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
<Name>exports</Name><KeyCount>1</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>
<Contents><Key>chats/monday.xlsx</Key><LastModified>2024-03-01T12:00:00.000Z</LastModified>
<ETag>&quot;0123456789abcdef0123456789abcdef&quot;</ETag><Size>10</Size><StorageClass>STANDARD</StorageClass></Contents>
</ListBucketResult>`)
	}))
	defer srv.Close()

	src, err := NewS3Source(context.Background(), S3Config{
		Bucket:          "exports",
		Region:          "us-east-1",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		Endpoint:        srv.URL,
	})
	require.NoError(t, err)

	files, err := src.List(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "chats/monday.xlsx", files[0].ID)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", files[0].ContentHash)

	assert.Equal(t, "/exports", gotPath)
	assert.Contains(t, gotAuth, "AKIDEXAMPLE")
}
