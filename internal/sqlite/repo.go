// Package sqlite is the sqlx-backed implementation of the domain
// repository.
package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/calfeed/calfeed/internal/calfeed"
)

// Ensure Repo implements the Repository interface
var _ calfeed.Repository = (*Repo)(nil)

const (
	feedNamespace    = "-fd"
	eventNamespace   = "-evt"
	accountNamespace = "-acct"
)

type Repo struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) Repo {
	return Repo{db: db}
}

// DSN builds the connection string for the modernc driver: immediate
// write transactions, WAL, and a busy timeout so concurrent feed syncs
// queue instead of erroring. The pragmas use the driver's
// `_pragma=name(value)` form; bare `_journal_mode`-style parameters are
// silently ignored by this driver.
func DSN(path string) string {
	return fmt.Sprintf("%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
}
