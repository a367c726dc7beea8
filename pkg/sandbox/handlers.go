package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethpandaops/ercxoor/pkg/ercx"
	"github.com/ethpandaops/ercxoor/pkg/sandbox/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// maxSubmissionBytes caps the size of a report submission.
const maxSubmissionBytes = 5 << 20

// errorResponse matches the error body of the remote service.
type errorResponse struct {
	Message string `json:"message"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Message: msg})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseStandard(raw string) (ercx.Standard, error) {
	std := ercx.Standard(strings.ToUpper(strings.TrimSpace(raw)))
	if std == "" {
		return "", errors.New("standard is required")
	}

	if !std.IsValid() {
		return "", fmt.Errorf("unknown standard %q", raw)
	}

	return std, nil
}

func (s *server) handlePropertyTests(w http.ResponseWriter, r *http.Request) {
	std, err := parseStandard(r.URL.Query().Get("standard"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	tests := s.fixture.Tests(std)
	if tests == nil {
		tests = []ercx.PropertyTest{}
	}

	writeJSON(w, http.StatusOK, tests)
}

func (s *server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req ercx.CreateReportRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmissionBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	std, err := parseStandard(string(req.Standard))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	req.Standard = std

	if req.SourceCodeFile.Content == "" {
		writeError(w, http.StatusBadRequest, "sourceCodeFile.content is required")

		return
	}

	if req.SourceCodeFile.Name == "" {
		writeError(w, http.StatusBadRequest, "sourceCodeFile.name is required")

		return
	}

	rec := &store.Report{
		ID:           uuid.NewString(),
		Standard:     string(req.Standard),
		TokenClass:   req.TokenClass,
		FileName:     req.SourceCodeFile.Name,
		FilePath:     req.SourceCodeFile.Path,
		TestedLevels: req.TestedLevels,
		OnlyTest:     req.OnlyTest,
		Status:       ercx.StatusRunning.String(),
	}

	if s.pollsUntilDone == 0 {
		if err := s.resolve(rec); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())

			return
		}
	}

	if err := s.store.CreateReport(r.Context(), rec); err != nil {
		s.log.WithError(err).Error("Failed to store report")
		writeError(w, http.StatusInternalServerError, "storing report")

		return
	}

	s.log.WithFields(logrus.Fields{
		"report_id": rec.ID,
		"standard":  rec.Standard,
		"contract":  rec.TokenClass,
		"status":    rec.Status,
	}).Info("Report created")

	report, err := toReport(rec, true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusCreated, report)
}

func (s *server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.poll(r, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "report not found")

			return
		}

		s.log.WithError(err).WithField("report_id", id).Error("Failed to poll report")
		writeError(w, http.StatusInternalServerError, "loading report")

		return
	}

	report, err := toReport(rec, wantsEvaluations(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleListReports(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListReports(r.Context(), r.URL.Query().Get("tokenClass"))
	if err != nil {
		s.log.WithError(err).Error("Failed to list reports")
		writeError(w, http.StatusInternalServerError, "listing reports")

		return
	}

	reports := make([]*ercx.Report, 0, len(recs))

	for i := range recs {
		report, err := toReport(&recs[i], false)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())

			return
		}

		reports = append(reports, report)
	}

	writeJSON(w, http.StatusOK, reports)
}

// poll counts one status request against a running report and resolves it
// once it has been polled more than pollsUntilDone times.
func (s *server) poll(r *http.Request, id string) (*store.Report, error) {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()

	rec, err := s.store.GetReport(r.Context(), id)
	if err != nil {
		return nil, err
	}

	if rec.Status != ercx.StatusRunning.String() {
		return rec, nil
	}

	rec.Polls++

	if rec.Polls > s.pollsUntilDone {
		if err := s.resolve(rec); err != nil {
			return nil, err
		}

		s.log.WithFields(logrus.Fields{
			"report_id": rec.ID,
			"status":    rec.Status,
			"polls":     rec.Polls,
		}).Info("Report resolved")
	}

	if err := s.store.UpdateReport(r.Context(), rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// resolve moves rec to its final status with the fixture's results.
func (s *server) resolve(rec *store.Report) error {
	if s.fixture.Fails(rec.TokenClass) {
		rec.Status = ercx.StatusError.String()
		rec.Error = fmt.Sprintf("evaluation of contract %s failed", rec.TokenClass)

		return nil
	}

	status, evaluations := s.fixture.Evaluate(&ercx.CreateReportRequest{
		Standard:     ercx.Standard(rec.Standard),
		TokenClass:   rec.TokenClass,
		TestedLevels: rec.TestedLevels,
		OnlyTest:     rec.OnlyTest,
	})

	data, err := json.Marshal(evaluations)
	if err != nil {
		return fmt.Errorf("encoding evaluations: %w", err)
	}

	rec.Status = status.String()
	rec.EvaluationsJSON = string(data)

	return nil
}

func wantsEvaluations(r *http.Request) bool {
	for _, f := range strings.Split(r.URL.Query().Get("fields"), ",") {
		if strings.TrimSpace(f) == "evaluations" {
			return true
		}
	}

	return false
}

// toReport converts a stored report into its wire form.
func toReport(rec *store.Report, withEvaluations bool) (*ercx.Report, error) {
	status, err := ercx.ParseTaskStatus(rec.Status)
	if err != nil {
		return nil, fmt.Errorf("report %s: %w", rec.ID, err)
	}

	report := &ercx.Report{
		ID:        rec.ID,
		Status:    status,
		Standard:  ercx.Standard(rec.Standard),
		Error:     rec.Error,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}

	if rec.TokenClass != "" {
		tokenClass := rec.TokenClass
		report.TokenClass = &tokenClass
	}

	if withEvaluations && rec.EvaluationsJSON != "" {
		if err := json.Unmarshal([]byte(rec.EvaluationsJSON), &report.Evaluations); err != nil {
			return nil, fmt.Errorf("decoding evaluations of %s: %w", rec.ID, err)
		}
	}

	return report, nil
}
