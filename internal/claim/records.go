package claim

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecordKind tags a normalized record stored for a sync batch
type RecordKind string

const (
	RecordInboundShipment RecordKind = "inbound_shipment"
	RecordInventory       RecordKind = "inventory"
	RecordFee             RecordKind = "fee"
	RecordReimbursement   RecordKind = "reimbursement"
)

// Inventory conditions reported by the marketplace
const (
	ConditionSellable   = "sellable"
	ConditionDamaged    = "damaged"
	ConditionUnsellable = "unsellable"
)

// Size tiers used by fulfillment fee categories
const (
	SizeStandard = "standard"
	SizeOversize = "oversize"
)

// Reimbursement reasons. An empty reason is treated as covering damage.
const (
	ReasonLost    = "lost"
	ReasonDamaged = "damaged"
)

// InboundShipment is one SKU line of a closed inbound shipment
type InboundShipment struct {
	ID               string          `json:"id"`
	ShipmentID       string          `json:"shipmentId"`
	SKU              string          `json:"sku"`
	ASIN             string          `json:"asin,omitempty"`
	QuantityShipped  int             `json:"quantityShipped"`
	QuantityReceived int             `json:"quantityReceived"`
	UnitCost         decimal.Decimal `json:"unitCost"`
	Currency         string          `json:"currency"`
	SupplierName     string          `json:"supplierName,omitempty"`
	InvoiceNumber    string          `json:"invoiceNumber,omitempty"`
	ClosedAt         time.Time       `json:"closedAt"`
}

// InventoryRecord is a point-in-time inventory position for a SKU
type InventoryRecord struct {
	ID         string          `json:"id"`
	SKU        string          `json:"sku"`
	ASIN       string          `json:"asin,omitempty"`
	FNSKU      string          `json:"fnsku,omitempty"`
	Condition  string          `json:"condition"`
	Quantity   int             `json:"quantity"`
	UnitValue  decimal.Decimal `json:"unitValue"`
	Currency   string          `json:"currency"`
	SizeTier   string          `json:"sizeTier,omitempty"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// Damaged reports whether the record holds damaged or unsellable units
func (r InventoryRecord) Damaged() bool {
	return r.Condition == ConditionDamaged || r.Condition == ConditionUnsellable
}

// FeeRecord is a single fee or charge line from a settlement
type FeeRecord struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	SKU       string          `json:"sku,omitempty"`
	ASIN      string          `json:"asin,omitempty"`
	Category  string          `json:"category"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	SizeTier  string          `json:"sizeTier,omitempty"`
	ChargedAt time.Time       `json:"chargedAt"`
}

// ReimbursementEvent is a marketplace payout compensating for lost or damaged units
type ReimbursementEvent struct {
	ID           string          `json:"id"`
	SKU          string          `json:"sku"`
	Quantity     int             `json:"quantity"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Reason       string          `json:"reason,omitempty"`
	ReimbursedAt time.Time       `json:"reimbursedAt"`
}

// Batch is every normalized record delivered by one sync run for a seller
type Batch struct {
	SellerID       string
	SyncBatchID    string
	Shipments      []InboundShipment
	Inventory      []InventoryRecord
	Fees           []FeeRecord
	Reimbursements []ReimbursementEvent
}

// Size is the total number of records in the batch
func (b *Batch) Size() int {
	return len(b.Shipments) + len(b.Inventory) + len(b.Fees) + len(b.Reimbursements)
}
