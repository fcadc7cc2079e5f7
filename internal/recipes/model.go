package recipes

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TargetMenuItem is the target type of recipes attached to menu items.
const TargetMenuItem = "MENU_ITEM"

// Recipe lists the inventory consumed by one unit of a target.
type Recipe struct {
	ID         uuid.UUID `json:"id"`
	TargetType string    `json:"target_type"`
	TargetID   uuid.UUID `json:"target_id"`
	Name       string    `json:"name"`
	Lines      []Line    `json:"lines"`
}

// Line is one ingredient of a recipe, in the item's base unit.
type Line struct {
	ID              uuid.UUID       `json:"id"`
	InventoryItemID uuid.UUID       `json:"inventory_item_id"`
	QtyBase         decimal.Decimal `json:"qty_base"`
}
