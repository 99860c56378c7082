package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/liamashdown/claimwatch/internal/storage"
	"github.com/liamashdown/claimwatch/internal/triage"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	filter, err := s.parseResultFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter.Normalize()

	results, total, err := s.db.ListResults(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ResultPage{
		Results:  s.resultViews(results),
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
	})
}

func (s *Server) parseResultFilter(r *http.Request) (storage.ResultFilter, error) {
	q := r.URL.Query()
	var f storage.ResultFilter

	for _, raw := range splitList(q.Get("status")) {
		st := claim.Status(raw)
		if !st.Valid() {
			return f, fmt.Errorf("%w: unknown status %q", errBadRequest, raw)
		}
		f.Statuses = append(f.Statuses, st)
	}

	if raw := strings.TrimSpace(q.Get("anomalyType")); raw != "" {
		f.AnomalyType = claim.AnomalyType(raw)
		if !f.AnomalyType.Valid() {
			return f, fmt.Errorf("%w: unknown anomalyType %q", errBadRequest, raw)
		}
	}
	if raw := strings.TrimSpace(q.Get("severity")); raw != "" {
		f.Severity = claim.Severity(raw)
		if !f.Severity.Valid() {
			return f, fmt.Errorf("%w: unknown severity %q", errBadRequest, raw)
		}
	}
	if raw := strings.TrimSpace(q.Get("disposition")); raw != "" {
		f.Disposition = claim.Disposition(raw)
		if !f.Disposition.Valid() {
			return f, fmt.Errorf("%w: unknown disposition %q", errBadRequest, raw)
		}
	}
	if raw := strings.TrimSpace(q.Get("band")); raw != "" {
		band := claim.ConfidenceBand(raw)
		if !band.Valid() {
			return f, fmt.Errorf("%w: unknown band %q", errBadRequest, raw)
		}
		lo, hi := triage.BandRange(band, s.triage)
		f.MinConfidence = &lo
		f.MaxConfidence = hi
	}
	f.SellerID = strings.TrimSpace(q.Get("sellerId"))

	var err error
	if f.From, err = parseDate(q.Get("from"), false); err != nil {
		return f, err
	}
	if f.To, err = parseDate(q.Get("to"), true); err != nil {
		return f, err
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, fmt.Errorf("%w: to is before from", errBadRequest)
	}

	if f.Page, err = intParam(r, "page", 1); err != nil {
		return f, err
	}
	if f.PageSize, err = intParam(r, "pageSize", storage.DefaultPageSize); err != nil {
		return f, err
	}
	return f, nil
}

// parseDate accepts RFC 3339 or a plain date. A plain upper bound covers
// the whole day.
func parseDate(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", errBadRequest, raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Second)
	}
	return t, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.tracker.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	matches, err := s.db.ListMatches(r.Context(), res.ID)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("list matches: %w", err))
		return
	}

	view := resultView(res, s.triage, s.tracker.Now())
	view.Matches = matchViews(matches)
	writeJSON(w, http.StatusOK, view)
}

type resolveRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Notes  string          `json:"notes"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.tracker.Resolve(r.Context(), r.PathValue("id"), req.Amount, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultView(res, s.triage, s.tracker.Now()))
}

type statusRequest struct {
	Status claim.Status `json:"status"`
	Notes  string       `json:"notes"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.tracker.UpdateStatus(r.Context(), r.PathValue("id"), req.Status, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultView(res, s.triage, s.tracker.Now()))
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	if s.matcher == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "evidence matching is not configured"})
		return
	}

	matches, err := s.matcher.Refresh(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"matches": matchViews(matches)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var currency string
	if raw := strings.TrimSpace(r.URL.Query().Get("currency")); raw != "" {
		currency = claim.NormalizeCurrency(raw)
	}

	stats, err := s.db.Stats(r.Context(), storage.StatsParams{
		AutoSubmitThreshold: s.triage.AutoSubmitThreshold,
		ReviewThreshold:     s.triage.ReviewThreshold,
		Now:                 s.tracker.Now(),
		ExpiringWithin:      time.Duration(s.lifecycle.AlertThresholdDays) * 24 * time.Hour,
		Currency:            currency,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeadlines(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", s.lifecycle.AlertThresholdDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	results, err := s.tracker.Deadlines(r.Context(), days, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"days":    days,
		"results": s.resultViews(results),
	})
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	page, err := intParam(r, "page", 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pageSize, err := intParam(r, "pageSize", storage.DefaultPageSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	results, total, err := s.tracker.Prompts(r.Context(), page, pageSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	f := storage.ResultFilter{Page: page, PageSize: pageSize}
	f.Normalize()
	writeJSON(w, http.StatusOK, ResultPage{
		Results:  s.resultViews(results),
		Total:    total,
		Page:     f.Page,
		PageSize: f.PageSize,
	})
}

func (s *Server) resultViews(results []storage.DetectionResult) []ResultView {
	now := s.tracker.Now()
	views := make([]ResultView, 0, len(results))
	for i := range results {
		views = append(views, resultView(&results[i], s.triage, now))
	}
	return views
}
