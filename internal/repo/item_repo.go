package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/shop/services/items/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxUpsertAttempts bounds the insert/update loop in UpsertItem. A retry only
// happens when the conflicting row is deleted between the two statements.
const maxUpsertAttempts = 5

var (
	// ErrItemNotFound is returned when no item has the requested id
	ErrItemNotFound = errors.New("item not found")

	// ErrItemNameTaken is returned when a rename collides with another item's name
	ErrItemNameTaken = errors.New("item name already in use")

	// ErrUpsertContention is returned when the upsert loop gives up
	ErrUpsertContention = errors.New("upsert did not settle")
)

// ItemRepository handles item persistence through GORM
type ItemRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewItemRepository creates a new item repository
func NewItemRepository(database *db.DB, logger *zap.Logger) *ItemRepository {
	return &ItemRepository{
		db:  database,
		log: logger,
	}
}

// GetItem retrieves an item by id
func (r *ItemRepository) GetItem(ctx context.Context, id int64) (*db.Item, error) {
	var item db.Item
	err := r.db.WithContext(ctx).First(&item, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		r.log.Error("Failed to get item", zap.Int64("id", id), zap.Error(err))
		return nil, err
	}

	return &item, nil
}

// ListItems returns every item ordered by id
func (r *ItemRepository) ListItems(ctx context.Context) ([]db.Item, error) {
	items := make([]db.Item, 0)
	if err := r.db.WithContext(ctx).Order("id").Find(&items).Error; err != nil {
		r.log.Error("Failed to list items", zap.Error(err))
		return nil, err
	}

	return items, nil
}

// UpsertItem inserts name with quantity delta, or adds delta to the existing
// row with that name. created reports which of the two happened.
func (r *ItemRepository) UpsertItem(ctx context.Context, name string, delta int32) (*db.Item, bool, error) {
	for attempt := 1; attempt <= maxUpsertAttempts; attempt++ {
		item := db.Item{Name: name, Quantity: delta}
		result := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoNothing: true,
			}).
			Create(&item)
		if result.Error != nil {
			r.log.Error("Failed to insert item", zap.String("name", name), zap.Error(result.Error))
			return nil, false, fmt.Errorf("insert item: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			r.log.Info("Item created", zap.Int64("id", item.ID), zap.String("name", name))
			return &item, true, nil
		}

		var merged db.Item
		result = r.db.WithContext(ctx).
			Model(&merged).
			Clauses(clause.Returning{}).
			Where("name = ?", name).
			UpdateColumn("quantity", gorm.Expr("quantity + ?", delta))
		if result.Error != nil {
			r.log.Error("Failed to accumulate item quantity", zap.String("name", name), zap.Error(result.Error))
			return nil, false, fmt.Errorf("accumulate quantity: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			r.log.Info("Item quantity accumulated",
				zap.Int64("id", merged.ID),
				zap.String("name", name),
				zap.Int32("delta", delta),
				zap.Int32("quantity", merged.Quantity),
			)
			return &merged, false, nil
		}

		r.log.Warn("Item vanished during upsert, retrying", zap.String("name", name), zap.Int("attempt", attempt))
	}

	return nil, false, ErrUpsertContention
}

// ReplaceItem overwrites name and quantity of an existing item
func (r *ItemRepository) ReplaceItem(ctx context.Context, id int64, name string, quantity int32) (*db.Item, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Item{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"name":     name,
			"quantity": quantity,
		})
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrItemNameTaken
		}
		r.log.Error("Failed to replace item", zap.Int64("id", id), zap.Error(result.Error))
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrItemNotFound
	}

	r.log.Info("Item replaced", zap.Int64("id", id), zap.String("name", name))
	return &db.Item{ID: id, Name: name, Quantity: quantity}, nil
}

// DeleteItem removes an item by id
func (r *ItemRepository) DeleteItem(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).Delete(&db.Item{}, id)
	if result.Error != nil {
		r.log.Error("Failed to delete item", zap.Int64("id", id), zap.Error(result.Error))
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrItemNotFound
	}

	r.log.Info("Item deleted", zap.Int64("id", id))
	return nil
}

// Ping checks the underlying connection
func (r *ItemRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
