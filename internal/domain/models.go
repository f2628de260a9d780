package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SaleStatus string

const (
	SaleStatusPending           SaleStatus = "PENDING"
	SaleStatusCompleted         SaleStatus = "COMPLETED"
	SaleStatusCancelled         SaleStatus = "CANCELLED"
	SaleStatusRefunded          SaleStatus = "REFUNDED"
	SaleStatusPartiallyRefunded SaleStatus = "PARTIALLY_REFUNDED"
)

// Returnable reports whether a sale in this status accepts further returns.
func (s SaleStatus) Returnable() bool {
	switch s {
	case SaleStatusCompleted, SaleStatusPartiallyRefunded:
		return true
	case SaleStatusPending, SaleStatusCancelled, SaleStatusRefunded:
		return false
	default:
		return false
	}
}

type MovementType string

const (
	MovementPurchase   MovementType = "PURCHASE"
	MovementSale       MovementType = "SALE"
	MovementAdjustment MovementType = "ADJUSTMENT"
	MovementReturn     MovementType = "RETURN"
	MovementDamage     MovementType = "DAMAGE"
)

func (t MovementType) Valid() bool {
	switch t {
	case MovementPurchase, MovementSale, MovementAdjustment, MovementReturn, MovementDamage:
		return true
	default:
		return false
	}
}

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "CASH"
	PaymentCard     PaymentMethod = "CARD"
	PaymentTransfer PaymentMethod = "TRANSFER"
	PaymentQR       PaymentMethod = "QR"
)

type RefundMethod string

const (
	RefundCash        RefundMethod = "CASH"
	RefundCard        RefundMethod = "CARD"
	RefundTransfer    RefundMethod = "TRANSFER"
	RefundQR          RefundMethod = "QR"
	RefundStoreCredit RefundMethod = "STORE_CREDIT"
)

type EmploymentRole string

const (
	RoleAdmin       EmploymentRole = "ADMIN"
	RoleManager     EmploymentRole = "MANAGER"
	RoleCashier     EmploymentRole = "CASHIER"
	RoleStockKeeper EmploymentRole = "STOCK_KEEPER"
)

// CanSell reports whether the role may be attributed as the operator of a sale or return.
func (r EmploymentRole) CanSell() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleCashier:
		return true
	case RoleStockKeeper:
		return false
	default:
		return false
	}
}

type ShiftStatus string

const (
	ShiftActive    ShiftStatus = "ACTIVE"
	ShiftInactive  ShiftStatus = "INACTIVE"
	ShiftCompleted ShiftStatus = "COMPLETED"
)

type AuditEventType string

const (
	AuditPinFailed    AuditEventType = "PIN_FAILED"
	AuditPinSuccess   AuditEventType = "PIN_SUCCESS"
	AuditAccessDenied AuditEventType = "ACCESS_DENIED"
	AuditPinChanged   AuditEventType = "PIN_CHANGED"
	AuditExpiredSold  AuditEventType = "EXPIRED_BATCH_SOLD"
)

type StoreSettings struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	OwnerID            string `json:"owner_id"`
	RequireEmployeePin bool   `json:"require_employee_pin"`
}

type Product struct {
	ID                   string           `json:"id"`
	StoreID              string           `json:"store_id"`
	SKU                  string           `json:"sku"`
	Name                 string           `json:"name"`
	SellingPrice         decimal.Decimal  `json:"selling_price"`
	TaxRate              decimal.Decimal  `json:"tax_rate"`
	OverrideTaxRate      *decimal.Decimal `json:"override_tax_rate,omitempty"`
	TrackStock           bool             `json:"track_stock"`
	TrackExpirationDates bool             `json:"track_expiration_dates"`
	InitialStock         int              `json:"initial_stock"`
	CurrentStock         int              `json:"current_stock"`
	IsActive             bool             `json:"is_active"`
	CreatedAt            time.Time        `json:"created_at"`
}

// EffectiveTaxRate is the override rate when set, else the product rate.
func (p Product) EffectiveTaxRate() decimal.Decimal {
	if p.OverrideTaxRate != nil {
		return *p.OverrideTaxRate
	}
	return p.TaxRate
}

type ProductBatch struct {
	ID              string          `json:"id"`
	StoreID         string          `json:"store_id"`
	ProductID       string          `json:"product_id"`
	BatchNumber     string          `json:"batch_number"`
	ExpirationDate  time.Time       `json:"expiration_date"`
	InitialQuantity int             `json:"initial_quantity"`
	CurrentQuantity int             `json:"current_quantity"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	IsExpired       bool            `json:"is_expired"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ExpiredAt reports whether the batch is past its expiration date at now.
func (b ProductBatch) ExpiredAt(now time.Time) bool {
	return !now.Before(b.ExpirationDate)
}

type StockMovement struct {
	ID           string          `json:"id"`
	StoreID      string          `json:"store_id"`
	ProductID    string          `json:"product_id"`
	Type         MovementType    `json:"type"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	UserID       string          `json:"user_id,omitempty"`
	SaleID       string          `json:"sale_id,omitempty"`
	SaleReturnID string          `json:"sale_return_id,omitempty"`
	Reference    string          `json:"reference,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type BatchStockMovement struct {
	ID              string       `json:"id"`
	StoreID         string       `json:"store_id"`
	BatchID         string       `json:"batch_id"`
	ProductID       string       `json:"product_id"`
	StockMovementID string       `json:"stock_movement_id,omitempty"`
	Type            MovementType `json:"type"`
	Quantity        int          `json:"quantity"`
	SaleID          string       `json:"sale_id,omitempty"`
	SaleItemID      string       `json:"sale_item_id,omitempty"`
	UserID          string       `json:"user_id,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

type Sale struct {
	ID            string          `json:"id"`
	StoreID       string          `json:"store_id"`
	CashierID     string          `json:"cashier_id"`
	OperatorID    string          `json:"operator_id"`
	Status        SaleStatus      `json:"status"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Discount      decimal.Decimal `json:"discount"`
	Total         decimal.Decimal `json:"total"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	Change        decimal.Decimal `json:"change"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

type SaleItem struct {
	ID        string          `json:"id"`
	SaleID    string          `json:"sale_id"`
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal `json:"discount"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	TaxAmount decimal.Decimal `json:"tax_amount"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Total     decimal.Decimal `json:"total"`
}

type SaleReturn struct {
	ID            string          `json:"id"`
	SaleID        string          `json:"sale_id"`
	StoreID       string          `json:"store_id"`
	ProcessedByID string          `json:"processed_by_id"`
	OperatorID    string          `json:"operator_id"`
	RefundMethod  RefundMethod    `json:"refund_method"`
	RefundAmount  decimal.Decimal `json:"refund_amount"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type SaleReturnItem struct {
	ID           string          `json:"id"`
	SaleReturnID string          `json:"sale_return_id"`
	SaleItemID   string          `json:"sale_item_id"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Total        decimal.Decimal `json:"total"`
	RestockItem  bool            `json:"restock_item"`
}

type EmployeeShift struct {
	ID         string      `json:"id"`
	StoreID    string      `json:"store_id"`
	EmployeeID string      `json:"employee_id"`
	Date       time.Time   `json:"date"`
	StartTime  string      `json:"start_time"`
	EndTime    string      `json:"end_time"`
	Type       string      `json:"type"`
	Status     ShiftStatus `json:"status"`
}

type Employment struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	StoreID     string         `json:"store_id"`
	DisplayName string         `json:"display_name"`
	Role        EmploymentRole `json:"role"`
	IsActive    bool           `json:"is_active"`
	PinHash     string         `json:"-"`
	RequiresPin bool           `json:"requires_pin"`
	CreatedAt   time.Time      `json:"created_at"`
}

type AuditLog struct {
	ID           string         `json:"id"`
	EventType    AuditEventType `json:"event_type"`
	UserID       string         `json:"user_id,omitempty"`
	StoreID      string         `json:"store_id"`
	EmploymentID string         `json:"employment_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Actor is the authenticated account behind a request, as asserted by the identity module.
type Actor struct {
	UserID   string   `json:"user_id"`
	Role     string   `json:"role"`
	StoreIDs []string `json:"store_ids"`
}

func (a Actor) MemberOf(storeID string) bool {
	for _, id := range a.StoreIDs {
		if id == storeID {
			return true
		}
	}
	return false
}

// SaleReturnRecord is a return with its lines, as read back for a sale.
type SaleReturnRecord struct {
	SaleReturn
	Items []SaleReturnItem `json:"items"`
}

// PinAttempts is the persisted failure counter for one employment.
type PinAttempts struct {
	EmploymentID  string    `json:"employment_id"`
	Failures      int       `json:"failures"`
	LastFailureAt time.Time `json:"last_failure_at"`
	BlockedUntil  time.Time `json:"blocked_until"`
}
