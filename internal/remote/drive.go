package remote

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/ignite/fandom-ingest/internal/pkg/httpretry"
)

const driveListFields = "nextPageToken, files(id, name, md5Checksum, size, modifiedTime)"

// DriveConfig configures a DriveSource.
type DriveConfig struct {
	FolderID        string
	CredentialsFile string
	CredentialsJSON string
	MaxBytes        int64
}

// DriveSource lists xlsx files directly inside one Google Drive folder.
// The Drive file ID is the descriptor ID; Drive reports md5Checksum for
// binary uploads.
type DriveSource struct {
	svc      *drive.Service
	folderID string
	maxBytes int64
}

// NewDriveSource authenticates with a service-account key (file or inline
// JSON) and falls back to Application Default Credentials when neither is
// set. Requests retry on 429 and 5xx.
func NewDriveSource(ctx context.Context, cfg DriveConfig) (*DriveSource, error) {
	creds := []byte(cfg.CredentialsJSON)
	if len(creds) == 0 && cfg.CredentialsFile != "" {
		b, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read drive credentials: %w", err)
		}
		creds = b
	}

	var ts oauth2.TokenSource
	if len(creds) > 0 {
		jwtCfg, err := google.JWTConfigFromJSON(creds, drive.DriveReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("parse drive credentials: %w", err)
		}
		ts = jwtCfg.TokenSource(ctx)
	} else {
		var err error
		ts, err = google.DefaultTokenSource(ctx, drive.DriveReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("drive default credentials: %w", err)
		}
	}

	client := &http.Client{
		Transport: &oauth2.Transport{Source: ts, Base: httpretry.NewTransport(nil, 3)},
		Timeout:   5 * time.Minute,
	}
	svc, err := drive.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return NewDriveSourceWithService(svc, cfg), nil
}

// NewDriveSourceWithService wraps an existing Drive service.
func NewDriveSourceWithService(svc *drive.Service, cfg DriveConfig) *DriveSource {
	return &DriveSource{svc: svc, folderID: cfg.FolderID, maxBytes: cfg.MaxBytes}
}

// Name implements Source.
func (d *DriveSource) Name() string { return "drive" }

// List implements Source.
func (d *DriveSource) List(ctx context.Context) ([]FileDescriptor, error) {
	q := fmt.Sprintf("'%s' in parents and mimeType = '%s' and trashed = false", d.folderID, XLSXMimeType)

	var files []FileDescriptor
	err := d.svc.Files.List().
		Q(q).
		Fields(driveListFields).
		PageSize(100).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
				files = append(files, FileDescriptor{
					ID:          f.Id,
					Name:        f.Name,
					ContentHash: normalizeMD5(f.Md5Checksum),
					Size:        f.Size,
					ModifiedAt:  modified,
				})
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("list drive folder %s: %w", d.folderID, err)
	}
	return files, nil
}

// Download implements Source.
func (d *DriveSource) Download(ctx context.Context, id string) ([]byte, error) {
	resp, err := d.svc.Files.Get(id).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("download drive file %s: %w", id, err)
	}
	defer resp.Body.Close()

	data, err := readLimited(resp.Body, d.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("read drive file %s: %w", id, err)
	}
	return data, nil
}
