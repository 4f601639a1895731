package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/expanse/internal/dbx"
	"github.com/dmitrijs2005/expanse/internal/server/repositories/identities"
	"github.com/dmitrijs2005/expanse/internal/server/repositories/items"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Identities(db dbx.DBTX) identities.Repository
	Items(db dbx.DBTX) items.Repository
}
