// Package remote lists and downloads chat-log exports from the external
// store the agency drops them into (an S3 bucket or a Google Drive folder).
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// XLSXMimeType is the content type Drive reports for Excel workbooks.
const XLSXMimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ErrTooLarge is returned by Download when a file exceeds the size limit.
var ErrTooLarge = errors.New("remote: file exceeds size limit")

// FileDescriptor identifies one candidate file in the remote store.
type FileDescriptor struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentHash string    `json:"content_hash,omitempty"` // lowercase hex MD5, empty when the store cannot report one
	Size        int64     `json:"size"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// Source is a remote file store holding xlsx exports.
type Source interface {
	// Name is the provider label recorded on uploads ("s3", "drive").
	Name() string
	// List returns every xlsx file under the configured root.
	List(ctx context.Context) ([]FileDescriptor, error)
	// Download returns the full content of the file with the given ID.
	Download(ctx context.Context, id string) ([]byte, error)
}

// IsXLSX reports whether name carries an .xlsx extension (case-insensitive).
func IsXLSX(name string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(name)), ".xlsx")
}

// readLimited reads r fully, failing with ErrTooLarge past max bytes.
// max <= 0 means unlimited.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, max)
	}
	return data, nil
}

// normalizeMD5 lowercases a reported checksum and drops anything that is
// not a plain 128-bit hex digest (multipart ETags, quoted values).
func normalizeMD5(s string) string {
	s = strings.ToLower(strings.Trim(strings.TrimSpace(s), `"`))
	if len(s) != 32 {
		return ""
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return ""
		}
	}
	return s
}
