package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gartstein/certoil/internal/certification/auth"
	e "github.com/gartstein/certoil/internal/certification/errors"
	"github.com/gartstein/certoil/internal/certification/ledger"
	"github.com/gartstein/certoil/internal/certification/models"
	"github.com/gartstein/certoil/internal/certification/storage"
	"github.com/gartstein/certoil/internal/certification/verifier"
	"github.com/gartstein/certoil/internal/pkg/utils"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"
)

// CertificationController defines the business logic interface
// that the HTTP handlers will invoke.
type CertificationController interface {
	Issue(ctx context.Context, req *models.IssueRequest) (*models.IssueResult, error)
	Verify(ctx context.Context, id string, doc *storage.Staged) (*verifier.Result, error)
	VerifyDigest(ctx context.Context, id, actual string) (*verifier.Result, error)
	GetDetails(ctx context.Context, id string) (*ledger.Details, error)
	GetLockMetadata(ctx context.Context, id string) (*ledger.LockMetadata, error)
	CreateDynamic(ctx context.Context, req models.NotarizeRequest) (ledger.Receipt, error)
	CreateLocked(ctx context.Context, req models.NotarizeRequest) (ledger.Receipt, error)
	UpdateState(ctx context.Context, id string, req models.UpdateStateRequest) (ledger.Receipt, error)
	UpdateMetadata(ctx context.Context, id string, req models.UpdateMetadataRequest) (ledger.Receipt, error)
	Transfer(ctx context.Context, id string, req models.TransferRequest) (ledger.Receipt, error)
	Destroy(ctx context.Context, id string) (ledger.Receipt, error)
	HashFile(ctx context.Context, doc *storage.Staged) (*models.HashResult, error)
	WalletInfo(ctx context.Context) (*ledger.WalletInfo, error)
	HealthCheck(ctx context.Context) *models.Health
	ListCertifications(ctx context.Context, limit, offset int) ([]models.CertificationSummary, error)
	GetCertification(ctx context.Context, code string) (*models.CertificationSummary, error)
}

// Stager holds uploads in temporary files for the duration of a request.
type Stager interface {
	Stage(r io.Reader, filename string) (*storage.Staged, error)
}

// CertificationHandler serves the REST surface of the certification service.
type CertificationHandler struct {
	service   CertificationController
	files     Stager
	logger    *zap.Logger
	maxUpload int64
	timeout   time.Duration
	now       func() time.Time
}

type HandlerOption func(*CertificationHandler)

// WithMaxUploadSize overrides DefaultMaxUploadSize.
func WithMaxUploadSize(n int64) HandlerOption {
	return func(h *CertificationHandler) { h.maxUpload = n }
}

// WithRequestTimeout bounds every request. Zero disables the bound.
func WithRequestTimeout(d time.Duration) HandlerOption {
	return func(h *CertificationHandler) { h.timeout = d }
}

// NewCertificationHandler constructs a new CertificationHandler with the given service and logger.
func NewCertificationHandler(service CertificationController, files Stager, logger *zap.Logger, opts ...HandlerOption) *CertificationHandler {
	h := &CertificationHandler{
		service:   service,
		files:     files,
		logger:    logger.Named("http_handler"),
		maxUpload: DefaultMaxUploadSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

// routes lists the REST surface. The gateway mux gives precedence to routes
// registered later, so literal paths follow the parameterized ones they
// would otherwise collide with.
func (h *CertificationHandler) routes() []route {
	return []route{
		{http.MethodGet, "/status", h.status},

		{http.MethodGet, "/iota/{id}", h.getDetails},
		{http.MethodGet, "/iota/{id}/lock-metadata", h.getLockMetadata},
		{http.MethodPut, "/iota/{id}/state", h.updateState},
		{http.MethodPut, "/iota/{id}/metadata", h.updateMetadata},
		{http.MethodPost, "/iota/{id}/transfer", h.transfer},
		{http.MethodDelete, "/iota/{id}", h.destroy},
		{http.MethodGet, "/iota/health", h.health},
		{http.MethodGet, "/iota/wallet/info", h.walletInfo},
		{http.MethodPost, "/iota/hash", h.hashFile},
		{http.MethodPost, "/iota/dynamic", h.createDynamic},
		{http.MethodPost, "/iota/locked", h.createLocked},
		{http.MethodPost, "/iota/verify", h.verify},

		{http.MethodGet, "/api/certifications/{code}", h.getCertification},
		{http.MethodGet, "/api/certifications", h.listCertifications},
		{http.MethodPost, "/api/certifications", h.issue},
	}
}

// Register adds every route to mux.
func (h *CertificationHandler) Register(mux *runtime.ServeMux) error {
	for _, rt := range h.routes() {
		if err := mux.HandlePath(rt.method, rt.pattern, h.withTimeout(rt.handler)); err != nil {
			return fmt.Errorf("failed to register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

func (h *CertificationHandler) withTimeout(next runtime.HandlerFunc) runtime.HandlerFunc {
	if h.timeout <= 0 {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		next(w, r.WithContext(ctx), params)
	}
}

func (h *CertificationHandler) logOperator(r *http.Request, action, id string) {
	if sub, ok := auth.Subject(r.Context()); ok {
		h.logger.Info("Operator request",
			zap.String("operator", sub),
			zap.String("action", action),
			zap.String("id", id),
		)
	}
}

func (h *CertificationHandler) decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxFieldSize))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", e.ErrInvalidInput, err)
	}
	return nil
}

func (h *CertificationHandler) status(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeSuccess(w, http.StatusOK, nil, map[string]interface{}{
		"status":    "ok",
		"timestamp": h.now().UTC(),
	})
}

func (h *CertificationHandler) health(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report := h.service.HealthCheck(r.Context())
	code := http.StatusOK
	if !report.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (h *CertificationHandler) walletInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	info, err := h.service.WalletInfo(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, info, nil)
}

func (h *CertificationHandler) hashFile(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	up, err := h.readUpload(r, "file")
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer up.cleanup()
	if up.file == nil {
		h.badRequest(w, errNotMultipart.Error())
		return
	}

	res, err := h.service.HashFile(r.Context(), up.file)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, res, nil)
}

func (h *CertificationHandler) createDynamic(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req models.NotarizeRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	receipt, err := h.service.CreateDynamic(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, receipt, nil)
}

func (h *CertificationHandler) createLocked(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req models.NotarizeRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	receipt, err := h.service.CreateLocked(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, receipt, nil)
}

func (h *CertificationHandler) updateState(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id := params["id"]
	var req models.UpdateStateRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	h.logOperator(r, "update_state", id)
	receipt, err := h.service.UpdateState(r.Context(), id, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, receipt, map[string]interface{}{"notarizationId": id})
}

func (h *CertificationHandler) updateMetadata(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id := params["id"]
	var req models.UpdateMetadataRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	h.logOperator(r, "update_metadata", id)
	receipt, err := h.service.UpdateMetadata(r.Context(), id, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, receipt, map[string]interface{}{"notarizationId": id})
}

func (h *CertificationHandler) transfer(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id := params["id"]
	var req models.TransferRequest
	if err := h.decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	h.logOperator(r, "transfer", id)
	receipt, err := h.service.Transfer(r.Context(), id, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, receipt, map[string]interface{}{
		"notarizationId":   id,
		"recipientAddress": req.RecipientAddress,
	})
}

func (h *CertificationHandler) destroy(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id := params["id"]
	h.logOperator(r, "destroy", id)
	receipt, err := h.service.Destroy(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, receipt, map[string]interface{}{"notarizationId": id})
}

func (h *CertificationHandler) getLockMetadata(w http.ResponseWriter, r *http.Request, params map[string]string) {
	meta, err := h.service.GetLockMetadata(r.Context(), params["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, meta, nil)
}

func (h *CertificationHandler) getDetails(w http.ResponseWriter, r *http.Request, params map[string]string) {
	details, err := h.service.GetDetails(r.Context(), params["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, details, nil)
}

type verifyDigestRequest struct {
	NotarizationID string `json:"notarizationId"`
	Content        string `json:"content"`
}

// verify accepts either a multipart document or a JSON body carrying a
// precomputed digest.
func (h *CertificationHandler) verify(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var (
		res *verifier.Result
		err error
	)
	if mediaType(r) == "application/json" {
		var req verifyDigestRequest
		if err := h.decodeJSON(r, &req); err != nil {
			h.writeError(w, err)
			return
		}
		res, err = h.service.VerifyDigest(r.Context(), req.NotarizationID, req.Content)
	} else {
		up, upErr := h.readUpload(r, "file")
		if upErr != nil {
			h.writeError(w, upErr)
			return
		}
		defer up.cleanup()
		if up.file == nil {
			h.badRequest(w, errNotMultipart.Error())
			return
		}
		res, err = h.service.Verify(r.Context(), up.fields["notarizationId"], up.file)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, res, nil)
}

func mediaType(r *http.Request) string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

// issue handles the multipart issuance form: document, companyData and
// oilData as JSON, certificationExpireDate and an optional certificationNote.
func (h *CertificationHandler) issue(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	up, err := h.readUpload(r, "document")
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer up.cleanup()

	req, err := parseIssueForm(up)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.logOperator(r, "issue", req.Company.Email)

	res, err := h.service.Issue(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, nil, map[string]interface{}{
		"message": "Certification created successfully",
		"data": map[string]interface{}{
			"certificationId":     res.CertificationID,
			"certificationCode":   res.CertificationCode,
			"companyId":           res.CompanyID,
			"notarizationId":      res.NotarizationID,
			"transactionDigest":   res.TxDigest,
			"documentHash":        res.DocumentDigest,
			"expiryDate":          res.ExpiryDate,
			"iotaVerificationUrl": verificationURL(r, res.NotarizationID),
		},
	})
}

// parseIssueForm decodes the JSON form fields. Missing fields are left to the
// service, which reports all of them at once.
func parseIssueForm(up *upload) (*models.IssueRequest, error) {
	req := &models.IssueRequest{
		Company:    &models.CompanyData{},
		ExpiryDate: up.fields["certificationExpireDate"],
		Document:   up.file,
	}
	errs := validation.Errors{}
	if raw := strings.TrimSpace(up.fields["companyData"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), req.Company); err != nil {
			errs["companyData"] = fmt.Errorf("must be a valid JSON object")
		}
	}
	if raw := strings.TrimSpace(up.fields["oilData"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.OilData); err != nil {
			errs["oilData"] = fmt.Errorf("must be a valid JSON array")
		}
	}
	if note := strings.TrimSpace(up.fields["certificationNote"]); note != "" {
		req.Note = utils.Ptr(note)
	}
	if err := e.NewValidationError(errs); err != nil {
		return nil, err
	}
	return req, nil
}

func verificationURL(r *http.Request, notarizationID string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return fmt.Sprintf("%s://%s/iota/%s", scheme, r.Host, notarizationID)
}

func (h *CertificationHandler) listCertifications(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.writeError(w, err)
		return
	}

	certs, err := h.service.ListCertifications(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil, map[string]interface{}{
		"certifications": certs,
		"count":          len(certs),
	})
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", e.ErrInvalidInput, key)
	}
	return n, nil
}

func (h *CertificationHandler) getCertification(w http.ResponseWriter, r *http.Request, params map[string]string) {
	cert, err := h.service.GetCertification(r.Context(), params["code"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil, map[string]interface{}{"certification": cert})
}
