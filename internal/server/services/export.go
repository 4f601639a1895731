package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/expanse/internal/common"
	"github.com/dmitrijs2005/expanse/internal/filex"
	"github.com/dmitrijs2005/expanse/internal/server/models"
	"github.com/dmitrijs2005/expanse/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

const exportExt = ".json"

// Export is the document handed to the user by a download.
type Export struct {
	Username      string                    `json:"username"`
	ExportedEpoch int64                     `json:"exported_epoch"`
	Items         map[string][]*models.Item `json:"items"`
}

// ExportService writes per-identity export files into a scratch directory.
// The file name (without extension) is the download token.
type ExportService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	dir         string
}

// NewExportService builds the export service, creating dir when missing.
func NewExportService(db *sql.DB, m repomanager.RepositoryManager, dir string) (*ExportService, error) {
	abs, err := filex.EnsureDir(dir)
	if err != nil {
		return nil, err
	}
	return &ExportService{db: db, repomanager: m, dir: abs}, nil
}

// CreateExport snapshots every item of username into a new file and returns
// its token.
func (s *ExportService) CreateExport(ctx context.Context, username string) (string, error) {
	items, err := s.repomanager.Items(s.db).ListByUser(ctx, username)
	if err != nil {
		return "", storageError("export items", err)
	}

	doc := &Export{
		Username:      username,
		ExportedEpoch: common.NowEpoch(),
		Items:         make(map[string][]*models.Item, len(common.Categories)),
	}
	for _, c := range common.Categories {
		doc.Items[c] = []*models.Item{}
	}
	for _, item := range items {
		doc.Items[item.Category] = append(doc.Items[item.Category], item)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}

	token := uuid.NewString()
	if err := filex.WriteFileAtomic(filepath.Join(s.dir, token+exportExt), data, 0o600); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return token, nil
}

// Path resolves a download token to its file. Tokens that are not UUIDs are
// rejected so a request can never escape the export directory.
func (s *ExportService) Path(token string) (string, error) {
	id, err := uuid.Parse(token)
	if err != nil {
		return "", common.ErrInvalidFilename
	}
	path := filepath.Join(s.dir, id.String()+exportExt)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", common.ErrorNotFound
		}
		return "", err
	}
	return path, nil
}

// Remove deletes a served export.
func (s *ExportService) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
