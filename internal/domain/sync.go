package domain

import (
	"encoding/json"
	"time"
)

// Collection names double as local store keys and remote table names.
type Collection string

const (
	CollectionInventory  Collection = "inventory"
	CollectionCategories Collection = "categories"
	CollectionCustomers  Collection = "customers"
	CollectionSales      Collection = "sales"
	CollectionExpenses   Collection = "expenses"
	CollectionDebts      Collection = "debts"
	CollectionUsers      Collection = "users"
	CollectionStockLogs  Collection = "stock_logs"
)

// SyncCollections is the push and incremental pull order.
var SyncCollections = []Collection{
	CollectionInventory,
	CollectionCategories,
	CollectionCustomers,
	CollectionSales,
	CollectionExpenses,
	CollectionDebts,
	CollectionUsers,
	CollectionStockLogs,
}

// CatalogueCollections are mirrored by a full pull.
var CatalogueCollections = []Collection{
	CollectionInventory,
	CollectionCategories,
}

func (c Collection) Valid() bool {
	for _, known := range SyncCollections {
		if c == known {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusOffline       Status = "offline"
	StatusPending       Status = "pending"
	StatusSynced        Status = "synced"
	StatusPulling       Status = "pulling"
	StatusError         Status = "error"
	StatusUnprovisioned Status = "unprovisioned"
)

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is one row-level notification from the backend change feed.
// Record and OldRecord carry the remote (snake_case) row shape.
type ChangeEvent struct {
	Type      ChangeType      `json:"type"`
	Table     Collection      `json:"table"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

type BundleType string

const (
	BundleShiftReport BundleType = "shift_report"
	BundleStaffInvite BundleType = "staff_invite"
	BundleStockUpdate BundleType = "stock_update"
	BundleFullClone   BundleType = "full_clone"
)

// Bundle is the decoded form of an offline export file.
type Bundle struct {
	Type       BundleType        `json:"type" validate:"required,oneof=shift_report staff_invite stock_update full_clone"`
	ShopID     string            `json:"shopId,omitempty" validate:"required_if=Type staff_invite,required_if=Type full_clone"`
	ShopName   string            `json:"shopName,omitempty"`
	DeviceID   string            `json:"deviceId,omitempty"`
	StaffName  string            `json:"staffName,omitempty" validate:"required_if=Type shift_report"`
	CreatedAt  time.Time         `json:"createdAt"`
	Sales      []Sale            `json:"sales,omitempty" validate:"dive"`
	Inventory  []InventoryItem   `json:"inventory,omitempty" validate:"dive"`
	Categories []Category        `json:"categories,omitempty" validate:"dive"`
	Users      []User            `json:"users,omitempty" validate:"dive"`
	Customers  []Customer        `json:"customers,omitempty" validate:"dive"`
	Debts      []Debt            `json:"debts,omitempty" validate:"dive"`
	Expenses   []Expense         `json:"expenses,omitempty" validate:"dive"`
	StockLogs  []StockLog        `json:"stockLogs,omitempty" validate:"dive"`
	Settings   map[string]string `json:"settings,omitempty"`
}

type MergeResult struct {
	Merged  int `json:"merged"`
	Skipped int `json:"skipped"`
}

type ImportResult struct {
	Type    BundleType `json:"type"`
	Merged  int        `json:"merged"`
	Skipped int        `json:"skipped"`
	Applied int        `json:"applied"`
}

// SyncSnapshot is what observers see of the orchestrator.
type SyncSnapshot struct {
	ShopID     string     `json:"shopId,omitempty"`
	DeviceID   string     `json:"deviceId,omitempty"`
	Status     Status     `json:"status"`
	Pending    int        `json:"pending"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}
