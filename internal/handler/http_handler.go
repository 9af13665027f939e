package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pesio-ai/be-deal-constructor/internal/deal"
	"github.com/pesio-ai/be-deal-constructor/internal/errors"
	"github.com/pesio-ai/be-deal-constructor/internal/logger"
	"github.com/pesio-ai/be-deal-constructor/internal/repository"
	"github.com/pesio-ai/be-deal-constructor/internal/service"
)

// maxDocumentSize caps OCR uploads
const maxDocumentSize = 10 << 20

// UserIDHeader carries the acting user
const UserIDHeader = "X-User-ID"

// DealService is the set of deal operations exposed over HTTP
type DealService interface {
	GetDeal(ctx context.Context, dealID string) (*service.DealView, error)
	WriteStep(ctx context.Context, req *service.WriteStepRequest) (*service.Result, error)
	SelectSource(ctx context.Context, req *service.SourceRequest) (*service.Result, error)
	ResetStep(ctx context.Context, dealID, userID string, step deal.Step) (*service.Result, error)
	LookupSuggestion(ctx context.Context, req *service.SourceRequest) (*service.Result, error)
	AcceptSuggestion(ctx context.Context, dealID, userID string, step deal.Step) (*service.Result, error)
	ChoosePaymentMethod(ctx context.Context, dealID, userID string, method deal.Method) (*service.Result, error)
	AnalyzeDocument(ctx context.Context, req *service.AnalyzeDocumentRequest) (*service.Result, error)
	ConfirmStageOne(ctx context.Context, dealID, userID string) (*service.Result, error)
	ReturnToEditing(ctx context.Context, dealID, userID string) (*service.Result, error)
	RetryApproval(ctx context.Context, dealID, userID string) (*service.Result, error)
	UploadReceipt(ctx context.Context, req *service.ReceiptRequest) (*service.Result, error)
	SaveTemplate(ctx context.Context, req *service.SaveTemplateRequest) (*repository.DealTemplate, error)
	GetStageHistory(ctx context.Context, dealID string) ([]*repository.StageAuditEntry, error)
	Release(dealID string) bool
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service DealService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(service DealService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		log:     log,
	}
}

type dealRequest struct {
	DealID string `json:"deal_id"`
}

type stepRequest struct {
	DealID string    `json:"deal_id"`
	Step   deal.Step `json:"step"`
}

type writeStepRequest struct {
	DealID  string       `json:"deal_id"`
	Step    deal.Step    `json:"step"`
	Payload deal.Payload `json:"payload"`
}

type sourceRequest struct {
	DealID     string      `json:"deal_id"`
	Step       deal.Step   `json:"step"`
	Source     deal.Source `json:"source"`
	SupplierID string      `json:"supplier_id,omitempty"`
	TemplateID string      `json:"template_id,omitempty"`
}

type paymentMethodRequest struct {
	DealID string      `json:"deal_id"`
	Method deal.Method `json:"method"`
}

type receiptRequest struct {
	DealID   string `json:"deal_id"`
	FileName string `json:"file_name"`
	URL      string `json:"url"`
}

type templateRequest struct {
	DealID string    `json:"deal_id"`
	Step   deal.Step `json:"step"`
	Name   string    `json:"name"`
}

// GetDeal handles get deal HTTP requests
func (h *HTTPHandler) GetDeal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	view, err := h.service.GetDeal(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// WriteStep handles manual step edits
func (h *HTTPHandler) WriteStep(w http.ResponseWriter, r *http.Request) {
	var req writeStepRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	res, err := h.service.WriteStep(r.Context(), &service.WriteStepRequest{
		DealID:  req.DealID,
		UserID:  userID(r),
		Step:    req.Step,
		Payload: req.Payload,
	})
	h.writeResult(w, r, res, err)
}

// SelectSource handles data source selection for a step
func (h *HTTPHandler) SelectSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	res, err := h.service.SelectSource(r.Context(), req.toService(userID(r)))
	h.writeResult(w, r, res, err)
}

// ResetStep handles step reset requests
func (h *HTTPHandler) ResetStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	res, err := h.service.ResetStep(r.Context(), req.DealID, userID(r), req.Step)
	h.writeResult(w, r, res, err)
}

// LookupSuggestion handles catalog lookups for the payment steps
func (h *HTTPHandler) LookupSuggestion(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	res, err := h.service.LookupSuggestion(r.Context(), req.toService(userID(r)))
	h.writeResult(w, r, res, err)
}

// AcceptSuggestion handles suggestion acceptance
func (h *HTTPHandler) AcceptSuggestion(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	res, err := h.service.AcceptSuggestion(r.Context(), req.DealID, userID(r), req.Step)
	h.writeResult(w, r, res, err)
}

// ChoosePaymentMethod handles the payment method choice
func (h *HTTPHandler) ChoosePaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req paymentMethodRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	res, err := h.service.ChoosePaymentMethod(r.Context(), req.DealID, userID(r), req.Method)
	h.writeResult(w, r, res, err)
}

// AnalyzeDocument handles multipart document uploads for field extraction
func (h *HTTPHandler) AnalyzeDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxDocumentSize+1<<20)
	if err := r.ParseMultipartForm(maxDocumentSize); err != nil {
		h.writeError(w, r, errors.InvalidInput("file", "expected a multipart form"))
		return
	}

	var step deal.Step
	if err := json.Unmarshal([]byte(r.FormValue("step")), &step); err != nil {
		h.writeError(w, r, errors.InvalidInput("step", "step must be a number"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, errors.InvalidInput("file", "file is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxDocumentSize+1))
	if err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to read file"))
		return
	}
	if len(data) > maxDocumentSize {
		h.writeError(w, r, errors.InvalidInput("file", "file is too large"))
		return
	}

	res, err := h.service.AnalyzeDocument(r.Context(), &service.AnalyzeDocumentRequest{
		DealID:      r.FormValue("deal_id"),
		UserID:      userID(r),
		Step:        step,
		File:        data,
		ContentType: header.Header.Get("Content-Type"),
	})
	h.writeResult(w, r, res, err)
}

// ConfirmStageOne handles stage one confirmation
func (h *HTTPHandler) ConfirmStageOne(w http.ResponseWriter, r *http.Request) {
	var req dealRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	res, err := h.service.ConfirmStageOne(r.Context(), req.DealID, userID(r))
	h.writeResult(w, r, res, err)
}

// ReturnToEditing handles return to editing requests
func (h *HTTPHandler) ReturnToEditing(w http.ResponseWriter, r *http.Request) {
	var req dealRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	res, err := h.service.ReturnToEditing(r.Context(), req.DealID, userID(r))
	h.writeResult(w, r, res, err)
}

// RetryApproval handles resubmission after a rejection
func (h *HTTPHandler) RetryApproval(w http.ResponseWriter, r *http.Request) {
	var req dealRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	res, err := h.service.RetryApproval(r.Context(), req.DealID, userID(r))
	h.writeResult(w, r, res, err)
}

// UploadReceipt handles receipt uploads
func (h *HTTPHandler) UploadReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	res, err := h.service.UploadReceipt(r.Context(), &service.ReceiptRequest{
		DealID:  req.DealID,
		UserID:  userID(r),
		Receipt: deal.Attachment{FileName: req.FileName, URL: req.URL},
	})
	h.writeResult(w, r, res, err)
}

// SaveTemplate handles template creation from a deal step
func (h *HTTPHandler) SaveTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	t, err := h.service.SaveTemplate(r.Context(), &service.SaveTemplateRequest{
		DealID: req.DealID,
		UserID: userID(r),
		Step:   req.Step,
		Name:   req.Name,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetStageHistory handles stage history requests
func (h *HTTPHandler) GetStageHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries, err := h.service.GetStageHistory(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}

// Release handles the user leaving a deal
func (h *HTTPHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req dealRequest
	if !h.decodePost(w, r, &req) {
		return
	}
	if req.DealID == "" {
		h.writeError(w, r, errors.InvalidInput("deal_id", "deal id is required"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deal_id":  req.DealID,
		"released": h.service.Release(req.DealID),
	})
}

func (req sourceRequest) toService(userID string) *service.SourceRequest {
	return &service.SourceRequest{
		DealID:     req.DealID,
		UserID:     userID,
		Step:       req.Step,
		Source:     req.Source,
		SupplierID: req.SupplierID,
		TemplateID: req.TemplateID,
	}
}

// TODO: take the user from the auth token once the gateway forwards one
func userID(r *http.Request) string {
	return r.Header.Get(UserIDHeader)
}

// decodePost checks the method and decodes the JSON body into dst
func (h *HTTPHandler) decodePost(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return false
	}
	return true
}

func (h *HTTPHandler) writeResult(w http.ResponseWriter, r *http.Request, res *service.Result, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("path", r.URL.Path).
			Int("status", status).
			Msg("Request failed")
	}

	body := map[string]interface{}{
		"code":    errors.Code(err),
		"message": err.Error(),
	}
	var appErr *errors.AppError
	if errors.As(err, &appErr) && appErr.Field != "" {
		body["field"] = appErr.Field
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
