package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SyncMeta is embedded in every entity that travels to the backend.
type SyncMeta struct {
	UUID        string    `json:"uuid" validate:"required"`
	LastUpdated time.Time `json:"lastUpdated"`
	Synced      bool      `json:"synced"`
	Deleted     bool      `json:"deleted,omitempty"`
}

func (m *SyncMeta) Meta() *SyncMeta {
	return m
}

// Entity is implemented by every syncable record through the embedded SyncMeta.
type Entity interface {
	Meta() *SyncMeta
}

type InventoryItem struct {
	SyncMeta
	Name         string          `json:"name"`
	CostPrice    decimal.Decimal `json:"costPrice"`
	SellingPrice decimal.Decimal `json:"sellingPrice"`
	Stock        int             `json:"stock"`
	Unit         string          `json:"unit"`
	Supplier     string          `json:"supplier,omitempty"`
	MinStock     int             `json:"minStock"`
	ExpiryDate   *time.Time      `json:"expiryDate,omitempty"`
	Category     string          `json:"category"`
	Barcode      string          `json:"barcode,omitempty"`
	Image        string          `json:"image,omitempty"`
	DateAdded    time.Time       `json:"dateAdded"`
}

type Category struct {
	SyncMeta
	Name        string    `json:"name"`
	Image       string    `json:"image,omitempty"`
	DateCreated time.Time `json:"dateCreated"`
}

type SaleItem struct {
	ItemID    string          `json:"itemId" validate:"required"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	CostPrice decimal.Decimal `json:"costPrice"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
}

type Sale struct {
	SyncMeta
	Items         []SaleItem      `json:"items" validate:"required,min=1,dive"`
	Total         decimal.Decimal `json:"total"`
	TotalCost     decimal.Decimal `json:"totalCost"`
	CashPaid      decimal.Decimal `json:"cashPaid"`
	PaymentMethod PaymentMethod   `json:"paymentMethod" validate:"required"`
	WalletUsed    decimal.Decimal `json:"walletUsed"`
	WalletSaved   decimal.Decimal `json:"walletSaved"`
	Timestamp     time.Time       `json:"timestamp" validate:"required"`
	StaffID       string          `json:"staffId"`
	StaffName     string          `json:"staffName" validate:"required"`
	CustomerPhone string          `json:"customerPhone,omitempty"`
	Status        string          `json:"status"`
	VoidedAt      *time.Time      `json:"voidedAt,omitempty"`
}

type Customer struct {
	SyncMeta
	Name            string          `json:"name"`
	Phone           string          `json:"phone"`
	WalletBalance   decimal.Decimal `json:"walletBalance"`
	LastTransaction *time.Time      `json:"lastTransaction,omitempty"`
}

type Debt struct {
	SyncMeta
	CustomerName     string          `json:"customerName"`
	CustomerPhone    string          `json:"customerPhone,omitempty"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	RemainingBalance decimal.Decimal `json:"remainingBalance"`
	Items            string          `json:"items"`
	Date             time.Time       `json:"date"`
	Status           string          `json:"status"`
	Note             string          `json:"note,omitempty"`
	SaleID           string          `json:"saleId,omitempty"`
}

type Expense struct {
	SyncMeta
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category,omitempty"`
	Date        time.Time       `json:"date"`
	StaffName   string          `json:"staffName,omitempty"`
}

// StockLog is append-only; it is never rewritten after insert.
type StockLog struct {
	SyncMeta
	ItemID          string    `json:"itemId"`
	ItemName        string    `json:"itemName"`
	QuantityChanged int       `json:"quantityChanged"`
	PreviousStock   int       `json:"previousStock"`
	NewStock        int       `json:"newStock"`
	Type            string    `json:"type"`
	Date            time.Time `json:"date"`
	StaffName       string    `json:"staffName"`
	SupplierName    string    `json:"supplierName,omitempty"`
	ReconciledBy    string    `json:"reconciledBy,omitempty"`
}

type User struct {
	SyncMeta
	Name    string `json:"name" validate:"required"`
	PINHash string `json:"pinHash"`
	Role    string `json:"role" validate:"oneof=Admin Staff"`
}

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "Cash"
	PaymentTransfer PaymentMethod = "Transfer"
	PaymentCard     PaymentMethod = "Card"
	PaymentDebt     PaymentMethod = "Debt"
	PaymentPartial  PaymentMethod = "Partial"
	PaymentWallet   PaymentMethod = "Wallet"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentTransfer, PaymentCard, PaymentDebt, PaymentPartial, PaymentWallet:
		return true
	}
	return false
}

const (
	SaleStatusCompleted = "completed"
	SaleStatusVoided    = "voided"
)

const (
	DebtStatusUnpaid = "Unpaid"
	DebtStatusPaid   = "Paid"
)

const (
	StockLogAddition       = "Addition"
	StockLogManualUpdate   = "Manual Update"
	StockLogSalesDeduction = "Sales Deduction"
	StockLogSaleVoid       = "Sale Void"
)

const (
	RoleAdmin = "Admin"
	RoleStaff = "Staff"
)

// WalkInCustomer names debts raised against an anonymous sale.
const WalkInCustomer = "Walk-in Customer"

type Actor struct {
	UserID string
	Name   string
	Role   string
}
