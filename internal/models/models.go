package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

// Order statuses
const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusRefunded   OrderStatus = "REFUNDED"
)

// ParseOrderStatus validates a raw status string
func ParseOrderStatus(s string) (OrderStatus, bool) {
	switch st := OrderStatus(s); st {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return st, true
	}
	return "", false
}

// PaymentStatus mirrors the processor-side state of a payment intent
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusRequiresAction PaymentStatus = "REQUIRES_ACTION"
	PaymentStatusSucceeded      PaymentStatus = "SUCCEEDED"
	PaymentStatusCanceled       PaymentStatus = "CANCELED"
	PaymentStatusFailed         PaymentStatus = "FAILED"
)

// PaymentMethod is how the buyer intends to pay
type PaymentMethod string

// Payment methods
const (
	PaymentMethodCard         PaymentMethod = "CARD"
	PaymentMethodWallet       PaymentMethod = "WALLET"
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
)

// ParsePaymentMethod validates a raw payment method string
func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	switch m := PaymentMethod(s); m {
	case PaymentMethodCard, PaymentMethodWallet, PaymentMethodBankTransfer:
		return m, true
	}
	return "", false
}

// Variant is a sellable stock-keeping variant
type Variant struct {
	ID        int64           `db:"id" json:"id"`
	SKU       string          `db:"sku" json:"sku"`
	Name      string          `db:"name" json:"name"`
	Price     decimal.Decimal `db:"price" json:"price"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Inventory is the reservation record of a variant.
// Available never goes negative; Reserved counts stock held by unfulfilled orders.
type Inventory struct {
	VariantID int64     `db:"variant_id" json:"variant_id"`
	Available int       `db:"available" json:"available"`
	Reserved  int       `db:"reserved" json:"reserved"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Address is stored as JSON on the order row
type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Value implements driver.Valuer
func (a Address) Value() (driver.Value, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (a *Address) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Address{}
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported address source type %T", src)
	}
}

// Order represents a customer order
type Order struct {
	ID                    int64           `db:"id" json:"id"`
	ChannelID             int64           `db:"channel_id" json:"channel_id"`
	ExternalID            string          `db:"external_id" json:"external_id"`
	UserID                int64           `db:"user_id" json:"user_id"`
	Status                OrderStatus     `db:"status" json:"status"`
	Total                 decimal.Decimal `db:"total" json:"total"`
	Currency              string          `db:"currency" json:"currency"`
	ShippingAddress       Address         `db:"shipping_address" json:"shipping_address"`
	IdempotencyKey        *string         `db:"idempotency_key" json:"-"`
	TrackingNumber        *string         `db:"tracking_number" json:"tracking_number,omitempty"`
	Carrier               *string         `db:"carrier" json:"carrier,omitempty"`
	ShippingDate          *time.Time      `db:"shipping_date" json:"shipping_date,omitempty"`
	EstimatedDeliveryDate *time.Time      `db:"estimated_delivery_date" json:"estimated_delivery_date,omitempty"`
	TrackingStatus        *string         `db:"tracking_status" json:"tracking_status,omitempty"`
	TrackingUpdatedAt     *time.Time      `db:"tracking_updated_at" json:"tracking_updated_at,omitempty"`
	OrderDate             time.Time       `db:"order_date" json:"order_date"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem is a line of an order; prices are captured at order time
type OrderItem struct {
	ID         int64           `db:"id" json:"id"`
	OrderID    int64           `db:"order_id" json:"order_id"`
	VariantID  int64           `db:"variant_id" json:"variant_id"`
	Quantity   int             `db:"quantity" json:"quantity"`
	UnitPrice  decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalPrice decimal.Decimal `db:"total_price" json:"total_price"`
}

// Payment represents the single payment of an order
type Payment struct {
	ID          int64           `db:"id" json:"id"`
	OrderID     int64           `db:"order_id" json:"order_id"`
	Method      PaymentMethod   `db:"payment_method" json:"payment_method"`
	ExternalRef string          `db:"external_payment_ref" json:"external_payment_ref"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Status      PaymentStatus   `db:"status" json:"status"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// StatusHistoryEntry is an append-only audit row for one transition
type StatusHistoryEntry struct {
	ID        int64        `db:"id" json:"id"`
	OrderID   int64        `db:"order_id" json:"order_id"`
	OldStatus *OrderStatus `db:"old_status" json:"old_status"`
	NewStatus OrderStatus  `db:"new_status" json:"new_status"`
	ChangedBy *string      `db:"changed_by" json:"changed_by"`
	Reason    string       `db:"reason" json:"reason"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}

// ItemQuantity is a variant/quantity pair used for reservations
type ItemQuantity struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
}
