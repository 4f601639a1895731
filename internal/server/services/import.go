package services

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dmitrijs2005/expanse/internal/common"
	"github.com/dmitrijs2005/expanse/internal/dbx"
	"github.com/dmitrijs2005/expanse/internal/server/models"
	"github.com/dmitrijs2005/expanse/internal/server/repositories/repomanager"
)

// ImportFields are the multipart fields accepted by an upload, one per CSV
// file of the provider's data export.
var ImportFields = []string{"saved_posts", "saved_comments", "posts", "comments", "post_votes", "hidden_posts"}

type importSource struct {
	category string
	itemType string
}

// importSources maps an upload field to its category and type. Votes have
// no fixed category; it comes from the direction column.
var importSources = map[string]importSource{
	"saved_posts":    {common.CategorySaved, common.TypePost},
	"saved_comments": {common.CategorySaved, common.TypeComment},
	"posts":          {common.CategoryCreated, common.TypePost},
	"comments":       {common.CategoryCreated, common.TypeComment},
	"post_votes":     {"", common.TypePost},
	"hidden_posts":   {common.CategoryHidden, common.TypePost},
}

var errMissingIDColumn = errors.New("missing id column")

// ImportService merges the CSV files of a provider data export into the
// stored snapshot. The CSVs only carry ids, so content is looked up upstream.
type ImportService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	identities  *IdentityService
}

// NewImportService builds the import service.
func NewImportService(db *sql.DB, m repomanager.RepositoryManager, identities *IdentityService) *ImportService {
	return &ImportService{
		db:          db,
		repomanager: m,
		identities:  identities,
	}
}

// ref is one (fullname, category) pair read from an export file.
type ref struct {
	fullname string
	category string
}

// parseCSV reads the id (and, for votes, direction) columns of one file.
func parseCSV(r io.Reader, src importSource) ([]ref, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	idCol, dirCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "id":
			idCol = i
		case "direction":
			dirCol = i
		}
	}
	if idCol < 0 {
		return nil, errMissingIDColumn
	}

	var refs []ref
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if idCol >= len(rec) || strings.TrimSpace(rec[idCol]) == "" {
			continue
		}

		category := src.category
		if category == "" {
			if dirCol < 0 || dirCol >= len(rec) {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(rec[dirCol])) {
			case "up":
				category = common.CategoryUpvoted
			case "down":
				category = common.CategoryDownvoted
			default:
				continue
			}
		}

		prefix := "t3_"
		if src.itemType == common.TypeComment {
			prefix = "t1_"
		}
		refs = append(refs, ref{fullname: prefix + strings.TrimSpace(rec[idCol]), category: category})
	}
	return refs, nil
}

// ParseImport reads files (keyed by ImportFields names), resolves the items
// upstream and upserts them. Unknown keys are ignored. It returns the number
// of stored items.
func (s *ImportService) ParseImport(ctx context.Context, username string, files map[string]io.Reader) (int, error) {
	var refs []ref
	for _, field := range ImportFields {
		r, ok := files[field]
		if !ok {
			continue
		}
		parsed, err := parseCSV(r, importSources[field])
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", field, err)
		}
		refs = append(refs, parsed...)
	}
	if len(refs) == 0 {
		return 0, nil
	}

	identity, err := s.identities.Get(ctx, username)
	if err != nil {
		return 0, err
	}
	account, err := s.identities.Account(ctx, identity)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]bool, len(refs))
	fullnames := make([]string, 0, len(refs))
	for _, r := range refs {
		if !seen[r.fullname] {
			seen[r.fullname] = true
			fullnames = append(fullnames, r.fullname)
		}
	}
	infos, err := account.FetchInfo(ctx, fullnames)
	if err != nil {
		return 0, err
	}
	byName := make(map[string]*models.Item, len(infos))
	for _, info := range infos {
		byName[info.ID] = info
	}

	stored := 0
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Items(tx)
		for _, r := range refs {
			info, ok := byName[r.fullname]
			if !ok {
				continue
			}
			item := *info
			item.Username = username
			item.Category = r.category
			if err := repo.Upsert(ctx, &item); err != nil {
				return err
			}
			stored++
		}
		return nil
	})
	if err != nil {
		return 0, storageError("store import", err)
	}
	return stored, nil
}
