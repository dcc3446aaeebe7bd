package db

// quantityCheck names the constraint keeping quantity inside int32. SQLite
// stores 64-bit integers and would otherwise accept values Item cannot hold.
const quantityCheck = "chk_item_quantity"

// Item represents a stocked item. Name is unique across the table.
type Item struct {
	ID       int64  `gorm:"primaryKey;autoIncrement" db:"id" json:"id"`
	Name     string `gorm:"type:varchar(255);not null;uniqueIndex:idx_item_name" db:"name" json:"name"`
	Quantity int32  `gorm:"not null;default:0;check:chk_item_quantity,quantity BETWEEN -2147483648 AND 2147483647" db:"quantity" json:"quantity"`
}

// TableName specifies the table name for Item model
func (Item) TableName() string {
	return "item"
}
