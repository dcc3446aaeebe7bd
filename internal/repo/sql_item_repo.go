package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/shop/services/items/internal/db"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const pgUniqueViolation = "23505"

const (
	selectItemByID  = `SELECT id, name, quantity FROM item WHERE id = ?`
	selectAllItems  = `SELECT id, name, quantity FROM item ORDER BY id`
	insertIfAbsent  = `INSERT INTO item (name, quantity) VALUES (?, ?) ON CONFLICT (name) DO NOTHING RETURNING id, name, quantity`
	accumulateByKey = `UPDATE item SET quantity = quantity + ? WHERE name = ? RETURNING id, name, quantity`
	replaceByID     = `UPDATE item SET name = ?, quantity = ? WHERE id = ? RETURNING id, name, quantity`
	deleteByID      = `DELETE FROM item WHERE id = ?`
)

// SQLItemRepository handles item persistence with hand-written SQL over sqlx.
// It works against any driver that understands ON CONFLICT and RETURNING.
type SQLItemRepository struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewSQLItemRepository creates a new sqlx-backed item repository
func NewSQLItemRepository(database *sqlx.DB, logger *zap.Logger) *SQLItemRepository {
	return &SQLItemRepository{
		db:  database,
		log: logger,
	}
}

// GetItem retrieves an item by id
func (r *SQLItemRepository) GetItem(ctx context.Context, id int64) (*db.Item, error) {
	var item db.Item
	if err := r.db.GetContext(ctx, &item, r.db.Rebind(selectItemByID), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		r.log.Error("Failed to get item", zap.Int64("id", id), zap.Error(err))
		return nil, err
	}
	return &item, nil
}

// ListItems returns every item ordered by id
func (r *SQLItemRepository) ListItems(ctx context.Context) ([]db.Item, error) {
	items := make([]db.Item, 0)
	if err := r.db.SelectContext(ctx, &items, selectAllItems); err != nil {
		r.log.Error("Failed to list items", zap.Error(err))
		return nil, err
	}
	return items, nil
}

// UpsertItem inserts name with quantity delta, or adds delta to the existing
// row with that name. created reports which of the two happened.
func (r *SQLItemRepository) UpsertItem(ctx context.Context, name string, delta int32) (*db.Item, bool, error) {
	for attempt := 1; attempt <= maxUpsertAttempts; attempt++ {
		var item db.Item
		err := r.db.GetContext(ctx, &item, r.db.Rebind(insertIfAbsent), name, delta)
		switch {
		case err == nil:
			r.log.Info("Item created", zap.Int64("id", item.ID), zap.String("name", name))
			return &item, true, nil
		case !errors.Is(err, sql.ErrNoRows):
			r.log.Error("Failed to insert item", zap.String("name", name), zap.Error(err))
			return nil, false, fmt.Errorf("insert item: %w", err)
		}

		err = r.db.GetContext(ctx, &item, r.db.Rebind(accumulateByKey), delta, name)
		switch {
		case err == nil:
			r.log.Info("Item quantity accumulated",
				zap.Int64("id", item.ID),
				zap.String("name", name),
				zap.Int32("delta", delta),
				zap.Int32("quantity", item.Quantity),
			)
			return &item, false, nil
		case !errors.Is(err, sql.ErrNoRows):
			r.log.Error("Failed to accumulate item quantity", zap.String("name", name), zap.Error(err))
			return nil, false, fmt.Errorf("accumulate quantity: %w", err)
		}

		r.log.Warn("Item vanished during upsert, retrying", zap.String("name", name), zap.Int("attempt", attempt))
	}

	return nil, false, ErrUpsertContention
}

// ReplaceItem overwrites name and quantity of an existing item
func (r *SQLItemRepository) ReplaceItem(ctx context.Context, id int64, name string, quantity int32) (*db.Item, error) {
	var item db.Item
	err := r.db.GetContext(ctx, &item, r.db.Rebind(replaceByID), name, quantity, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		if isUniqueViolation(err) {
			return nil, ErrItemNameTaken
		}
		r.log.Error("Failed to replace item", zap.Int64("id", id), zap.Error(err))
		return nil, err
	}

	r.log.Info("Item replaced", zap.Int64("id", id), zap.String("name", name))
	return &item, nil
}

// DeleteItem removes an item by id
func (r *SQLItemRepository) DeleteItem(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(deleteByID), id)
	if err != nil {
		r.log.Error("Failed to delete item", zap.Int64("id", id), zap.Error(err))
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrItemNotFound
	}

	r.log.Info("Item deleted", zap.Int64("id", id))
	return nil
}

// Ping checks the underlying connection
func (r *SQLItemRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
