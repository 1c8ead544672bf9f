package migrations

import (
	"database/sql"
	_ "embed"

	"github.com/blocksyncd/blocksyncd/internal/db"
	"github.com/blocksyncd/blocksyncd/internal/logger"
)

//go:embed 001_blocks.sql
var mig001 string

//go:embed 002_checkpoints.sql
var mig002 string

//go:embed 003_app_locks.sql
var mig003 string

// RunMigrations brings the schema up to date on the given database.
func RunMigrations(log *logger.Logger, database *sql.DB) error {
	migrations := []db.Migration{
		{ID: "001_blocks.sql", SQL: mig001},
		{ID: "002_checkpoints.sql", SQL: mig002},
		{ID: "003_app_locks.sql", SQL: mig003},
	}

	return db.RunMigrations(log, database, migrations)
}
