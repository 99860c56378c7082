package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/liamashdown/claimwatch/internal/pipeline"
)

type enqueueRequest struct {
	SellerID    string `json:"sellerId"`
	SyncBatchID string `json:"syncBatchId"`
	Priority    int    `json:"priority,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.queue.Enqueue(r.Context(), req.SellerID, req.SyncBatchID, req.Priority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobView(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := claim.JobStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	jobs, err := s.queue.List(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]JobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, jobView(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": views})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.queue.Retry(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

type syncBatchRequest struct {
	SellerID       string                     `json:"sellerId"`
	SyncBatchID    string                     `json:"syncBatchId"`
	Priority       int                        `json:"priority,omitempty"`
	Shipments      []claim.InboundShipment    `json:"shipments"`
	Inventory      []claim.InventoryRecord    `json:"inventory"`
	Fees           []claim.FeeRecord          `json:"fees"`
	Reimbursements []claim.ReimbursementEvent `json:"reimbursements"`
}

// handleSyncBatch stores a delivered batch and schedules its detection.
// A batch is delivered once; re-triggering detection goes through POST /jobs.
func (s *Server) handleSyncBatch(w http.ResponseWriter, r *http.Request) {
	var req syncBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.SellerID = strings.TrimSpace(req.SellerID)
	req.SyncBatchID = strings.TrimSpace(req.SyncBatchID)
	if req.SellerID == "" || req.SyncBatchID == "" {
		s.writeError(w, r, fmt.Errorf("%w: sellerId and syncBatchId are required", errBadRequest))
		return
	}

	existing, err := s.db.CountSyncRecords(r.Context(), req.SellerID, req.SyncBatchID)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("count sync records: %w", err))
		return
	}
	if existing > 0 {
		s.writeError(w, r, fmt.Errorf("batch %s already delivered: %w", req.SyncBatchID, claim.ErrDuplicateJob))
		return
	}

	batch := &claim.Batch{
		SellerID:       req.SellerID,
		SyncBatchID:    req.SyncBatchID,
		Shipments:      req.Shipments,
		Inventory:      req.Inventory,
		Fees:           req.Fees,
		Reimbursements: req.Reimbursements,
	}
	if err := pipeline.StoreBatch(r.Context(), s.db, batch); err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.queue.Enqueue(r.Context(), req.SellerID, req.SyncBatchID, req.Priority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"records": batch.Size(),
		"job":     jobView(job),
	})
}

func jobID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid job id %q", errBadRequest, r.PathValue("id"))
	}
	return id, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", errBadRequest, name, raw)
	}
	return v, nil
}
