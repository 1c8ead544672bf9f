package db

import (
	"database/sql"
	"fmt"
	"strings"

	migrate "github.com/rubenv/sql-migrate"

	"github.com/blocksyncd/blocksyncd/internal/logger"
)

const (
	upDownSeparator     = "-- +migrate Up"
	downMarker          = "-- +migrate Down"
	migrationDirections = 2
)

// Migration is a single embedded SQL migration. The SQL contains a Down
// section followed by the "-- +migrate Up" separator and the Up section.
type Migration struct {
	ID  string
	SQL string
}

// RunMigrations applies all pending up migrations against db.
func RunMigrations(log *logger.Logger, db *sql.DB, migrations []Migration) error {
	return runMigrations(log, db, migrations, migrate.Up)
}

func runMigrations(log *logger.Logger, db *sql.DB,
	migrations []Migration, dir migrate.MigrationDirection) error {
	source := &migrate.MemoryMigrationSource{Migrations: []*migrate.Migration{}}

	for _, m := range migrations {
		splitted := strings.Split(m.SQL, upDownSeparator)
		if len(splitted) < migrationDirections {
			return fmt.Errorf("migration %s missing '-- +migrate Up' separator", m.ID)
		}

		downSQL := splitted[0]
		upSQL := strings.TrimSpace(splitted[1])

		if idx := strings.Index(downSQL, downMarker); idx != -1 {
			downSQL = strings.TrimSpace(downSQL[idx+len(downMarker):])
		} else {
			downSQL = strings.TrimSpace(downSQL)
		}

		source.Migrations = append(source.Migrations, &migrate.Migration{
			Id:   m.ID,
			Up:   []string{upSQL},
			Down: []string{downSQL},
		})
	}

	applied, err := migrate.Exec(db, "sqlite3", source, dir)
	if err != nil {
		return fmt.Errorf("error executing %d migrations: %w", len(source.Migrations), err)
	}

	log.Infof("applied %d of %d migrations", applied, len(source.Migrations))
	return nil
}
