package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"gorm.io/gorm"
)

// Rows created before the unique index existed may share a name. The lowest id
// per name keeps the summed quantity and the rest are removed.
var collapseDuplicateNames = []string{
	`UPDATE item SET quantity = (SELECT SUM(d.quantity) FROM item d WHERE d.name = item.name)
		WHERE id IN (SELECT MIN(id) FROM item GROUP BY name HAVING COUNT(*) > 1)`,
	`DELETE FROM item WHERE id NOT IN (SELECT MIN(id) FROM item GROUP BY name)`,
}

const createNameIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_item_name ON item (name)`

const sqliteItemTable = `CREATE TABLE IF NOT EXISTS item (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name VARCHAR(255) NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 0,
		CONSTRAINT chk_item_quantity CHECK (quantity BETWEEN -2147483648 AND 2147483647)
	)`

var createItemTable = map[string]string{
	"postgres": `CREATE TABLE IF NOT EXISTS item (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 0
	)`,
	"sqlite": sqliteItemTable,
}

// SQLite cannot add a constraint to an existing table, so a table created
// without the quantity check is copied into a fresh one.
var rebuildSQLiteItemTable = []string{
	`ALTER TABLE item RENAME TO item_legacy`,
	sqliteItemTable,
	`INSERT INTO item (id, name, quantity) SELECT id, name, quantity FROM item_legacy`,
	`DROP TABLE item_legacy`,
}

// RunMigrations runs all database migrations
func RunMigrations(db *DB) error {
	if db.Migrator().HasTable(&Item{}) {
		stmts := collapseDuplicateNames
		if db.Dialector.Name() == "sqlite" && !db.Migrator().HasConstraint(&Item{}, quantityCheck) {
			stmts = append(append([]string{}, stmts...), rebuildSQLiteItemTable...)
		}

		err := db.Transaction(func(tx *gorm.DB) error {
			for _, stmt := range stmts {
				if err := tx.Exec(stmt).Error; err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("upgrade legacy item table: %w", err)
		}
	}

	if err := db.AutoMigrate(&Item{}); err != nil {
		return fmt.Errorf("auto-migrate item: %w", err)
	}

	return nil
}

// RunSQLMigrations applies the same schema through a plain sqlx connection.
func RunSQLMigrations(ctx context.Context, db *sqlx.DB, driver string) error {
	ddl, ok := createItemTable[driver]
	if !ok {
		return fmt.Errorf("unsupported driver %q", driver)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rebuild := false
	if driver == "sqlite" {
		if rebuild, err = sqliteLacksQuantityCheck(ctx, tx); err != nil {
			return err
		}
	}

	stmts := append([]string{ddl}, collapseDuplicateNames...)
	if rebuild {
		stmts = append(stmts, rebuildSQLiteItemTable...)
	}
	stmts = append(stmts, createNameIndex)
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}

	return tx.Commit()
}

func sqliteLacksQuantityCheck(ctx context.Context, tx *sqlx.Tx) (bool, error) {
	var schema string
	err := tx.GetContext(ctx, &schema, `SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'item'`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("inspect item table: %w", err)
	}
	return !strings.Contains(schema, quantityCheck), nil
}
