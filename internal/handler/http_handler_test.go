package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-deal-constructor/internal/deal"
	"github.com/pesio-ai/be-deal-constructor/internal/errors"
	"github.com/pesio-ai/be-deal-constructor/internal/logger"
	"github.com/pesio-ai/be-deal-constructor/internal/repository"
	"github.com/pesio-ai/be-deal-constructor/internal/service"
)

// fakeDealService records the last request and returns canned results
type fakeDealService struct {
	err error

	lastWrite    *service.WriteStepRequest
	lastSource   *service.SourceRequest
	lastAnalyze  *service.AnalyzeDocumentRequest
	lastConfirm  [2]string
	released     []string
	historyItems []*repository.StageAuditEntry
}

func (f *fakeDealService) result(dealID string) (*service.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &service.Result{DealID: dealID}, nil
}

func (f *fakeDealService) GetDeal(_ context.Context, dealID string) (*service.DealView, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &service.DealView{DealID: dealID, Stage: 1}, nil
}

func (f *fakeDealService) WriteStep(_ context.Context, req *service.WriteStepRequest) (*service.Result, error) {
	f.lastWrite = req
	return f.result(req.DealID)
}

func (f *fakeDealService) SelectSource(_ context.Context, req *service.SourceRequest) (*service.Result, error) {
	f.lastSource = req
	if req.SupplierID == "" {
		return &service.Result{DealID: req.DealID, Skipped: service.SkipMissingSupplierID}, nil
	}
	return f.result(req.DealID)
}

func (f *fakeDealService) ResetStep(_ context.Context, dealID, _ string, _ deal.Step) (*service.Result, error) {
	return f.result(dealID)
}

func (f *fakeDealService) LookupSuggestion(_ context.Context, req *service.SourceRequest) (*service.Result, error) {
	f.lastSource = req
	return f.result(req.DealID)
}

func (f *fakeDealService) AcceptSuggestion(_ context.Context, dealID, _ string, _ deal.Step) (*service.Result, error) {
	return f.result(dealID)
}

func (f *fakeDealService) ChoosePaymentMethod(_ context.Context, dealID, _ string, _ deal.Method) (*service.Result, error) {
	return f.result(dealID)
}

func (f *fakeDealService) AnalyzeDocument(_ context.Context, req *service.AnalyzeDocumentRequest) (*service.Result, error) {
	f.lastAnalyze = req
	return f.result(req.DealID)
}

func (f *fakeDealService) ConfirmStageOne(_ context.Context, dealID, userID string) (*service.Result, error) {
	f.lastConfirm = [2]string{dealID, userID}
	return f.result(dealID)
}

func (f *fakeDealService) ReturnToEditing(_ context.Context, dealID, _ string) (*service.Result, error) {
	return f.result(dealID)
}

func (f *fakeDealService) RetryApproval(_ context.Context, dealID, _ string) (*service.Result, error) {
	return f.result(dealID)
}

func (f *fakeDealService) UploadReceipt(_ context.Context, req *service.ReceiptRequest) (*service.Result, error) {
	return f.result(req.DealID)
}

func (f *fakeDealService) SaveTemplate(_ context.Context, req *service.SaveTemplateRequest) (*repository.DealTemplate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &repository.DealTemplate{ID: "tpl-1", UserID: req.UserID, Name: req.Name, Step: req.Step}, nil
}

func (f *fakeDealService) GetStageHistory(_ context.Context, _ string) ([]*repository.StageAuditEntry, error) {
	return f.historyItems, f.err
}

func (f *fakeDealService) Release(dealID string) bool {
	f.released = append(f.released, dealID)
	return true
}

func newTestHandler() (*HTTPHandler, *fakeDealService) {
	svc := &fakeDealService{}
	return NewHTTPHandler(svc, logger.Nop()), svc
}

func postJSON(t *testing.T, fn http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserIDHeader, "user-1")
	rec := httptest.NewRecorder()
	fn(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHTTPHandler_GetDeal(t *testing.T) {
	h, _ := newTestHandler()

	rec := httptest.NewRecorder()
	h.GetDeal(rec, httptest.NewRequest(http.MethodGet, "/api/v1/deals/get?id=deal-1", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "deal-1", decodeBody(t, rec)["deal_id"])
}

func TestHTTPHandler_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler()

	rec := httptest.NewRecorder()
	h.ConfirmStageOne(rec, httptest.NewRequest(http.MethodGet, "/api/v1/deals/confirm", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.GetDeal(rec, httptest.NewRequest(http.MethodPost, "/api/v1/deals/get", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHTTPHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", errors.NotFound("suggestion", "requisites"), http.StatusNotFound, errors.ErrCodeNotFound},
		{"gate", errors.Conflict("step company is read_only in stage 2"), http.StatusConflict, errors.ErrCodeConflict},
		{"transition", deal.ErrTransitionNotAllowed, http.StatusConflict, errors.ErrCodeConflict},
		{"storage", errors.Wrap(assert.AnError, errors.ErrCodeUnavailable, "failed to save deal"), http.StatusServiceUnavailable, errors.ErrCodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, svc := newTestHandler()
			svc.err = tt.err

			rec := postJSON(t, h.ConfirmStageOne, `{"deal_id":"deal-1"}`)

			assert.Equal(t, tt.status, rec.Code)
			body := decodeBody(t, rec)["error"].(map[string]interface{})
			assert.Equal(t, tt.code, body["code"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestHTTPHandler_InvalidInputCarriesField(t *testing.T) {
	h, svc := newTestHandler()
	svc.err = errors.InvalidInput("method", "unknown payment method \"cash\"")

	rec := postJSON(t, h.ChoosePaymentMethod, `{"deal_id":"deal-1","method":"cash"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)["error"].(map[string]interface{})
	assert.Equal(t, "method", body["field"])
}

func TestHTTPHandler_InvalidBody(t *testing.T) {
	h, svc := newTestHandler()

	rec := postJSON(t, h.WriteStep, `{"deal_id":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, svc.lastWrite)
}

func TestHTTPHandler_WriteStepPassesPayloadAndUser(t *testing.T) {
	h, svc := newTestHandler()

	rec := postJSON(t, h.WriteStep, `{"deal_id":"deal-1","step":1,"payload":{"company":{"name":"Acme LLC"}}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.lastWrite)
	assert.Equal(t, "user-1", svc.lastWrite.UserID)
	assert.Equal(t, deal.StepCompany, svc.lastWrite.Step)
	require.NotNil(t, svc.lastWrite.Payload.Company)
	assert.Equal(t, "Acme LLC", svc.lastWrite.Payload.Company.Name)
}

func TestHTTPHandler_SkippedActionIsOK(t *testing.T) {
	h, svc := newTestHandler()

	rec := postJSON(t, h.SelectSource, `{"deal_id":"deal-1","step":4,"source":"catalog"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, deal.SourceCatalog, svc.lastSource.Source)
	assert.Equal(t, service.SkipMissingSupplierID, decodeBody(t, rec)["skipped"])
}

func TestHTTPHandler_ConfirmUsesHeaderUser(t *testing.T) {
	h, svc := newTestHandler()

	rec := postJSON(t, h.ConfirmStageOne, `{"deal_id":"deal-1"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [2]string{"deal-1", "user-1"}, svc.lastConfirm)
}

func TestHTTPHandler_AnalyzeDocument(t *testing.T) {
	h, svc := newTestHandler()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("deal_id", "deal-1"))
	require.NoError(t, mw.WriteField("step", "5"))
	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {`form-data; name="file"; filename="invoice.png"`},
		"Content-Type":        {"image/png"},
	})
	require.NoError(t, err)
	_, err = part.Write([]byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/deals/ocr", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.AnalyzeDocument(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.lastAnalyze)
	assert.Equal(t, "deal-1", svc.lastAnalyze.DealID)
	assert.Equal(t, deal.StepRequisites, svc.lastAnalyze.Step)
	assert.Equal(t, "image/png", svc.lastAnalyze.ContentType)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, svc.lastAnalyze.File)
}

func TestHTTPHandler_AnalyzeDocumentRequiresMultipart(t *testing.T) {
	h, svc := newTestHandler()

	rec := postJSON(t, h.AnalyzeDocument, `{"deal_id":"deal-1"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, svc.lastAnalyze)
}

func TestHTTPHandler_SaveTemplate(t *testing.T) {
	h, _ := newTestHandler()

	rec := postJSON(t, h.SaveTemplate, `{"deal_id":"deal-1","step":1,"name":"Acme"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "tpl-1", decodeBody(t, rec)["id"])
}

func TestHTTPHandler_GetStageHistory(t *testing.T) {
	h, svc := newTestHandler()
	svc.historyItems = []*repository.StageAuditEntry{{ID: "a-1", DealID: "deal-1", Event: "confirm"}}

	rec := httptest.NewRecorder()
	h.GetStageHistory(rec, httptest.NewRequest(http.MethodGet, "/api/v1/deals/history?id=deal-1", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["total"])
}

func TestHTTPHandler_Release(t *testing.T) {
	h, svc := newTestHandler()

	rec := postJSON(t, h.Release, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h.Release, `{"deal_id":"deal-1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"deal-1"}, svc.released)
	assert.Equal(t, true, decodeBody(t, rec)["released"])
}
