package db

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// legacyTable mirrors the schema of the original deployment, which had no
// unique constraint on name.
const legacyTable = `CREATE TABLE item (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name VARCHAR(255) NOT NULL,
	quantity INTEGER NOT NULL DEFAULT 0
)`

func seedLegacyRows(t *testing.T, exec func(string, ...interface{}) error) {
	require.NoError(t, exec(legacyTable))
	for _, row := range []struct {
		name     string
		quantity int32
	}{
		{"Apfel", 5},
		{"Birne", 2},
		{"Apfel", 3},
		{"Apfel", -1},
	} {
		require.NoError(t, exec(`INSERT INTO item (name, quantity) VALUES (?, ?)`, row.name, row.quantity))
	}
}

func TestRunMigrationsCollapsesDuplicates(t *testing.T) {
	database, err := Connect("sqlite", filepath.Join(t.TempDir(), "items.db"), "silent")
	require.NoError(t, err)
	defer database.Close()

	seedLegacyRows(t, func(q string, args ...interface{}) error {
		return database.Exec(q, args...).Error
	})

	require.NoError(t, RunMigrations(database))

	var items []Item
	require.NoError(t, database.Order("id").Find(&items).Error)
	require.Len(t, items, 2)
	assert.Equal(t, Item{ID: 1, Name: "Apfel", Quantity: 7}, items[0])
	assert.Equal(t, Item{ID: 2, Name: "Birne", Quantity: 2}, items[1])

	// The unique index is now in place.
	err = database.Exec(`INSERT INTO item (name, quantity) VALUES (?, ?)`, "Apfel", 1).Error
	assert.Error(t, err)

	// So is the quantity range check the legacy table lacked.
	assert.True(t, database.Migrator().HasConstraint(&Item{}, quantityCheck))
	err = database.Exec(`UPDATE item SET quantity = quantity + 2147483647 WHERE name = ?`, "Apfel").Error
	assert.Error(t, err)

	// Running again is a no-op.
	require.NoError(t, RunMigrations(database))
}

func TestRunMigrationsFreshDatabase(t *testing.T) {
	database, err := Connect("sqlite", filepath.Join(t.TempDir(), "items.db"), "silent")
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, RunMigrations(database))
	assert.True(t, database.Migrator().HasTable(&Item{}))
	assert.True(t, database.Migrator().HasIndex(&Item{}, "idx_item_name"))
	assert.NoError(t, database.Ping(context.Background()))
}

func TestRunSQLMigrationsCollapsesDuplicates(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := ConnectSQL(ctx, "sqlite", filepath.Join(t.TempDir(), "items.db"))
	require.NoError(t, err)
	defer sqlDB.Close()

	seedLegacyRows(t, func(q string, args ...interface{}) error {
		_, err := sqlDB.ExecContext(ctx, q, args...)
		return err
	})

	require.NoError(t, RunSQLMigrations(ctx, sqlDB, "sqlite"))
	require.NoError(t, RunSQLMigrations(ctx, sqlDB, "sqlite"))

	var items []Item
	require.NoError(t, sqlDB.SelectContext(ctx, &items, `SELECT id, name, quantity FROM item ORDER BY id`))
	require.Len(t, items, 2)
	assert.Equal(t, int32(7), items[0].Quantity)

	_, err = sqlDB.ExecContext(ctx, `INSERT INTO item (name, quantity) VALUES (?, ?)`, "Birne", 1)
	assert.Error(t, err)

	_, err = sqlDB.ExecContext(ctx, `UPDATE item SET quantity = quantity + 2147483647 WHERE name = ?`, "Apfel")
	assert.Error(t, err)

	// Ids survive the table rebuild.
	assert.Equal(t, Item{ID: 1, Name: "Apfel", Quantity: 7}, items[0])
	assert.Equal(t, Item{ID: 2, Name: "Birne", Quantity: 2}, items[1])
}

func TestRunSQLMigrationsFreshDatabase(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := ConnectSQL(ctx, "sqlite", filepath.Join(t.TempDir(), "items.db"))
	require.NoError(t, err)
	defer sqlDB.Close()

	require.NoError(t, RunSQLMigrations(ctx, sqlDB, "sqlite"))

	_, err = sqlDB.ExecContext(ctx, `INSERT INTO item (name, quantity) VALUES (?, ?)`, "Apfel", int64(math.MaxInt32)+1)
	assert.Error(t, err)
	_, err = sqlDB.ExecContext(ctx, `INSERT INTO item (name, quantity) VALUES (?, ?)`, "Apfel", int64(math.MinInt32))
	assert.NoError(t, err)
}

func TestWithBusyTimeout(t *testing.T) {
	assert.Equal(t, "items.db?_pragma=busy_timeout(5000)", withBusyTimeout("items.db"))
	assert.Equal(t, "file:items.db?mode=rwc&_pragma=busy_timeout(5000)", withBusyTimeout("file:items.db?mode=rwc"))
	assert.Equal(t, "items.db?_pragma=busy_timeout(100)", withBusyTimeout("items.db?_pragma=busy_timeout(100)"))
}

func TestConnectSQLWaitsOnBusyDatabase(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := ConnectSQL(ctx, "sqlite", filepath.Join(t.TempDir(), "items.db"))
	require.NoError(t, err)
	defer sqlDB.Close()
	require.NoError(t, RunSQLMigrations(ctx, sqlDB, "sqlite"))

	var timeout int
	require.NoError(t, sqlDB.GetContext(ctx, &timeout, `PRAGMA busy_timeout`))
	assert.Equal(t, 5000, timeout)

	// Hold the write lock on one connection while another writes.
	holder, err := sqlDB.BeginTxx(ctx, nil)
	require.NoError(t, err)
	_, err = holder.ExecContext(ctx, `INSERT INTO item (name, quantity) VALUES (?, ?)`, "Apfel", 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := sqlDB.ExecContext(ctx, `INSERT INTO item (name, quantity) VALUES (?, ?)`, "Birne", 1)
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, holder.Commit())
	assert.NoError(t, <-done)
}

func TestConnectRejectsUnknownDriver(t *testing.T) {
	_, err := Connect("mysql", "dsn", "silent")
	assert.Error(t, err)

	_, err = ConnectSQL(context.Background(), "mysql", "dsn")
	assert.Error(t, err)

	assert.Error(t, RunSQLMigrations(context.Background(), nil, "mysql"))
}
