// Package gdrive uploads the conversation history database to a Google
// Drive folder as a dated backup. Entirely optional; the caller only
// constructs an Uploader when a folder id and credentials are configured.
package gdrive

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

type Uploader struct {
	service  *drive.Service
	folderID string

	mu      sync.Mutex
	fileIDs map[string]string // date -> remote file id
}

func NewUploader(ctx context.Context, credPath, folderID string) (*Uploader, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.JWTConfigFromJSON(creds, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	svc, err := drive.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return &Uploader{
		service:  svc,
		folderID: folderID,
		fileIDs:  make(map[string]string),
	}, nil
}

// Backup uploads the database file as parley-history-<date>.db, updating
// the same remote file when called again for the same date.
func (u *Uploader) Backup(localPath, date string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	name := fmt.Sprintf("parley-history-%s.db", date)

	fileID, ok := u.fileIDs[date]
	if !ok {
		// A previous run may already have uploaded today's backup.
		id, err := u.findExisting(name)
		if err != nil {
			return err
		}
		fileID = id
	}

	if fileID != "" {
		if _, err := u.service.Files.Update(fileID, &drive.File{}).Media(f).Do(); err != nil {
			return fmt.Errorf("drive update: %w", err)
		}
		u.fileIDs[date] = fileID
		return nil
	}

	doc, err := u.service.Files.Create(&drive.File{
		Name:     name,
		MimeType: "application/octet-stream",
		Parents:  []string{u.folderID},
	}).Media(f).Do()
	if err != nil {
		return fmt.Errorf("drive create: %w", err)
	}

	u.fileIDs[date] = doc.Id
	return nil
}

func (u *Uploader) findExisting(name string) (string, error) {
	query := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false", name, u.folderID)
	list, err := u.service.Files.List().Q(query).Fields("files(id)").PageSize(1).Do()
	if err != nil {
		return "", fmt.Errorf("drive list: %w", err)
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}
