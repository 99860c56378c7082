package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/liamashdown/claimwatch/internal/storage"
)

// DecodeBatch rebuilds a claim.Batch from its stored sync records.
// Records of an unknown kind are skipped and counted.
func DecodeBatch(sellerID, syncBatchID string, records []storage.SyncRecord) (*claim.Batch, int, error) {
	batch := &claim.Batch{SellerID: sellerID, SyncBatchID: syncBatchID}
	skipped := 0

	for _, rec := range records {
		var err error
		switch claim.RecordKind(rec.Kind) {
		case claim.RecordInboundShipment:
			var s claim.InboundShipment
			if err = json.Unmarshal(rec.Body, &s); err == nil {
				s.ID = recordID(s.ID, rec.RecordID)
				batch.Shipments = append(batch.Shipments, s)
			}
		case claim.RecordInventory:
			var inv claim.InventoryRecord
			if err = json.Unmarshal(rec.Body, &inv); err == nil {
				inv.ID = recordID(inv.ID, rec.RecordID)
				batch.Inventory = append(batch.Inventory, inv)
			}
		case claim.RecordFee:
			var f claim.FeeRecord
			if err = json.Unmarshal(rec.Body, &f); err == nil {
				f.ID = recordID(f.ID, rec.RecordID)
				batch.Fees = append(batch.Fees, f)
			}
		case claim.RecordReimbursement:
			var r claim.ReimbursementEvent
			if err = json.Unmarshal(rec.Body, &r); err == nil {
				r.ID = recordID(r.ID, rec.RecordID)
				batch.Reimbursements = append(batch.Reimbursements, r)
			}
		default:
			skipped++
			continue
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("decode %s record %s: %w", rec.Kind, rec.RecordID, err)
		}
	}

	return batch, skipped, nil
}

func recordID(bodyID, rowID string) string {
	if bodyID != "" {
		return bodyID
	}
	return rowID
}

// StoreBatch writes a batch as sync records, the way the sync pipeline
// delivers it
func StoreBatch(ctx context.Context, db *storage.DB, batch *claim.Batch) error {
	records := make([]storage.SyncRecord, 0, batch.Size())
	add := func(kind claim.RecordKind, id string, body interface{}) error {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s record %s: %w", kind, id, err)
		}
		records = append(records, storage.SyncRecord{
			SellerID:    batch.SellerID,
			SyncBatchID: batch.SyncBatchID,
			Kind:        string(kind),
			RecordID:    id,
			Body:        data,
		})
		return nil
	}

	for _, s := range batch.Shipments {
		if err := add(claim.RecordInboundShipment, s.ID, s); err != nil {
			return err
		}
	}
	for _, inv := range batch.Inventory {
		if err := add(claim.RecordInventory, inv.ID, inv); err != nil {
			return err
		}
	}
	for _, f := range batch.Fees {
		if err := add(claim.RecordFee, f.ID, f); err != nil {
			return err
		}
	}
	for _, r := range batch.Reimbursements {
		if err := add(claim.RecordReimbursement, r.ID, r); err != nil {
			return err
		}
	}

	if err := db.InsertSyncRecords(ctx, records); err != nil {
		return fmt.Errorf("insert sync records: %w", err)
	}
	return nil
}
