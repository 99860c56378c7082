package evidence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Document is evidence metadata returned by the document store. Content
// itself stays in the store; matching works on the extracted fields.
type Document struct {
	ID            string              `json:"id"`
	SellerID      string              `json:"sellerId"`
	Kind          string              `json:"kind"` // invoice, receipt, bill_of_lading, ...
	InvoiceNumber string              `json:"invoiceNumber,omitempty"`
	SupplierName  string              `json:"supplierName,omitempty"`
	SKUs          []string            `json:"skus,omitempty"`
	ASINs         []string            `json:"asins,omitempty"`
	DocumentDate  time.Time           `json:"documentDate"`
	TotalAmount   decimal.NullDecimal `json:"totalAmount"`
	Currency      string              `json:"currency,omitempty"`
}

// DocumentStore lists the evidence documents held for a seller
type DocumentStore interface {
	ListDocuments(ctx context.Context, sellerID string) ([]Document, error)
}

// Invalidator is implemented by stores that cache listings per seller
type Invalidator interface {
	Invalidate(sellerID string)
}

// DocumentsResponse is the document store's list payload
type DocumentsResponse struct {
	Documents []Document `json:"documents"`
}
