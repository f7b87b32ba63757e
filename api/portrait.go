package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/malwarebo/portrait/models"
	"github.com/malwarebo/portrait/services"
	"github.com/malwarebo/portrait/utils"
)

const multipartMemory = 8 << 20

type PortraitHandler struct {
	gateway   *services.GenerationGateway
	maxUpload int64
}

func CreatePortraitHandler(gateway *services.GenerationGateway, maxUpload int64) *PortraitHandler {
	if maxUpload <= 0 {
		maxUpload = 16 << 20
	}
	return &PortraitHandler{gateway: gateway, maxUpload: maxUpload}
}

type VerifyRequest struct {
	Code string `json:"code"`
}

type VerifyResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Remaining int    `json:"remaining"`
	MaxUses   int    `json:"max_uses"`
}

type UploadResponse struct {
	Success bool `json:"success"`
	*services.GenerateResult
}

type StatusResponse struct {
	Success bool `json:"success"`
	*services.StatusResult
}

func (h *PortraitHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.gateway.Verify(r.Context(), req.Code, utils.GetClientIP(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, VerifyResponse{
		Success:   true,
		Message:   "Access code verified",
		Remaining: res.Remaining,
		MaxUses:   res.MaxUses,
	})
}

func (h *PortraitHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, r, utils.ErrImageTooLarge)
			return
		}
		writeError(w, r, utils.NewAPIErrorWithDetails(http.StatusBadRequest, "Invalid upload form", err.Error()))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, r, utils.ErrImageRequired)
		return
	}
	defer file.Close()

	if header.Size > h.maxUpload {
		writeError(w, r, utils.ErrImageTooLarge)
		return
	}
	image, err := io.ReadAll(io.LimitReader(file, h.maxUpload+1))
	if err != nil {
		writeError(w, r, utils.NewAPIErrorWithDetails(http.StatusBadRequest, "Failed to read upload", err.Error()))
		return
	}
	if int64(len(image)) > h.maxUpload {
		writeError(w, r, utils.ErrImageTooLarge)
		return
	}

	res, err := h.gateway.Generate(r.Context(), services.GenerateInput{
		Code:      r.FormValue("code"),
		Image:     image,
		Filename:  header.Filename,
		Options:   optionsFromForm(r),
		ClientIP:  utils.GetClientIP(r.Context()),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{Success: true, GenerateResult: res})
}

func optionsFromForm(r *http.Request) models.StyleOptions {
	return models.StyleOptions{
		Style:           r.FormValue("style"),
		Clothing:        r.FormValue("clothing"),
		Angle:           r.FormValue("angle"),
		Background:      r.FormValue("background"),
		BackgroundColor: r.FormValue("bgColor"),
		Beautify:        r.FormValue("beautify"),
	}
}

func (h *PortraitHandler) HandleResult(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	rc, info, err := h.gateway.OpenResult(r.Context(), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", info.ContentType)
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		utils.Warn(r.Context(), "Failed to stream result", map[string]interface{}{
			"name":  name,
			"error": err.Error(),
		})
	}
}

func (h *PortraitHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.gateway.Status(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Success: true, StatusResult: status})
}
