package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/malwarebo/portrait/analytics"
	"github.com/malwarebo/portrait/middleware"
	"github.com/malwarebo/portrait/models"
	"github.com/malwarebo/portrait/services"
	"github.com/malwarebo/portrait/utils"
)

type AdminHandler struct {
	codes   *services.CodeService
	reports *analytics.UsageReporter
	now     func() time.Time
}

func CreateAdminHandler(codes *services.CodeService, reports *analytics.UsageReporter) *AdminHandler {
	return &AdminHandler{codes: codes, reports: reports, now: time.Now}
}

type CodesRequest struct {
	Codes []string `json:"codes"`
}

type StatusChangeRequest struct {
	Codes  []string          `json:"codes"`
	Status models.CodeStatus `json:"status"`
}

type ResetRequest struct {
	Code string `json:"code"`
}

func (h *AdminHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req services.GenerateCodesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	created, err := h.codes.GenerateCodes(r.Context(), req.Count, req.MaxUses)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":  true,
		"count":    len(created),
		"max_uses": req.MaxUses,
		"codes":    created,
	})
}

func (h *AdminHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, err := middleware.ParseIntParam(r, "limit", 100)
	if err != nil {
		writeError(w, r, utils.NewAPIErrorWithDetails(http.StatusBadRequest, "Invalid limit", err.Error()))
		return
	}
	offset, err := middleware.ParseIntParam(r, "offset", 0)
	if err != nil || offset < 0 {
		offset = 0
	}

	codes, err := h.codes.ListCodes(r.Context(), models.AccessCodeFilter{
		Status: models.CodeStatus(r.URL.Query().Get("status")),
		Limit:  clampLimit(limit),
		Offset: offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"codes":   codes,
	})
}

func (h *AdminHandler) HandleExportCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.codes.ExportActiveCodes(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="codes_%s.txt"`, h.now().Format("20060102_150405")))
	w.WriteHeader(http.StatusOK)
	if len(codes) > 0 {
		fmt.Fprintln(w, strings.Join(codes, "\n"))
	}
}

func (h *AdminHandler) HandleExportAttempts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="attempts_%s.csv"`, h.now().Format("20060102_150405")))

	if err := h.codes.ExportAttemptsCSV(r.Context(), w); err != nil {
		writeError(w, r, err)
	}
}

func (h *AdminHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	var req CodesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	n, err := h.codes.DeleteCodes(r.Context(), req.Codes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "deleted": n})
}

func (h *AdminHandler) HandleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	n, err := h.codes.SetStatus(r.Context(), req.Codes, req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "updated": n, "status": req.Status})
}

func (h *AdminHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.codes.ResetCode(r.Context(), req.Code); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "code": utils.NormalizeCode(req.Code)})
}

func (h *AdminHandler) HandleUsageReport(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		writeError(w, r, utils.NewAPIError(http.StatusNotFound, "Usage reports are not enabled"))
		return
	}

	report, err := h.reports.GetUsageReport(r.Context(), r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "report": report})
}
