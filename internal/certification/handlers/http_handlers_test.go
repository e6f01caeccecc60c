package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gartstein/certoil/internal/certification/auth"
	e "github.com/gartstein/certoil/internal/certification/errors"
	"github.com/gartstein/certoil/internal/certification/ledger"
	"github.com/gartstein/certoil/internal/certification/models"
	"github.com/gartstein/certoil/internal/certification/storage"
	"github.com/gartstein/certoil/internal/certification/verifier"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "test-secret"

// dummyController implements CertificationController with overridable funcs.
type dummyController struct {
	issue          func(context.Context, *models.IssueRequest) (*models.IssueResult, error)
	verify         func(context.Context, string, *storage.Staged) (*verifier.Result, error)
	verifyDigest   func(context.Context, string, string) (*verifier.Result, error)
	getDetails     func(context.Context, string) (*ledger.Details, error)
	getLockMeta    func(context.Context, string) (*ledger.LockMetadata, error)
	destroy        func(context.Context, string) (ledger.Receipt, error)
	hashFile       func(context.Context, *storage.Staged) (*models.HashResult, error)
	list           func(context.Context, int, int) ([]models.CertificationSummary, error)
	healthy        bool
	detailsCalls   int
	healthCalls    int
	lastStagedPath string
}

func (d *dummyController) Issue(ctx context.Context, req *models.IssueRequest) (*models.IssueResult, error) {
	if req.Document != nil {
		d.lastStagedPath = req.Document.Path
	}
	return d.issue(ctx, req)
}

func (d *dummyController) Verify(ctx context.Context, id string, doc *storage.Staged) (*verifier.Result, error) {
	d.lastStagedPath = doc.Path
	return d.verify(ctx, id, doc)
}

func (d *dummyController) VerifyDigest(ctx context.Context, id, actual string) (*verifier.Result, error) {
	return d.verifyDigest(ctx, id, actual)
}

func (d *dummyController) GetDetails(ctx context.Context, id string) (*ledger.Details, error) {
	d.detailsCalls++
	if d.getDetails == nil {
		return &ledger.Details{RecordID: id, Method: ledger.Locked}, nil
	}
	return d.getDetails(ctx, id)
}

func (d *dummyController) GetLockMetadata(ctx context.Context, id string) (*ledger.LockMetadata, error) {
	return d.getLockMeta(ctx, id)
}

func (d *dummyController) CreateDynamic(_ context.Context, _ models.NotarizeRequest) (ledger.Receipt, error) {
	return ledger.Receipt{RecordID: "0xdyn", TxDigest: "tx", Method: ledger.Dynamic}, nil
}

func (d *dummyController) CreateLocked(_ context.Context, _ models.NotarizeRequest) (ledger.Receipt, error) {
	return ledger.Receipt{RecordID: "0xlocked", TxDigest: "tx", Method: ledger.Locked}, nil
}

func (d *dummyController) UpdateState(_ context.Context, id string, _ models.UpdateStateRequest) (ledger.Receipt, error) {
	return ledger.Receipt{RecordID: id, TxDigest: "tx"}, nil
}

func (d *dummyController) UpdateMetadata(_ context.Context, _ string, _ models.UpdateMetadataRequest) (ledger.Receipt, error) {
	return ledger.Receipt{}, e.ErrImmutableRecord
}

func (d *dummyController) Transfer(_ context.Context, _ string, _ models.TransferRequest) (ledger.Receipt, error) {
	return ledger.Receipt{TxDigest: "tx"}, nil
}

func (d *dummyController) Destroy(ctx context.Context, id string) (ledger.Receipt, error) {
	return d.destroy(ctx, id)
}

func (d *dummyController) HashFile(ctx context.Context, doc *storage.Staged) (*models.HashResult, error) {
	d.lastStagedPath = doc.Path
	return d.hashFile(ctx, doc)
}

func (d *dummyController) WalletInfo(context.Context) (*ledger.WalletInfo, error) {
	return &ledger.WalletInfo{Address: "0xabc", Balance: "10", Network: "devnet", HasPrivateKey: true}, nil
}

func (d *dummyController) HealthCheck(context.Context) *models.Health {
	d.healthCalls++
	status := "healthy"
	if !d.healthy {
		status = "unhealthy"
	}
	return &models.Health{Healthy: d.healthy, Status: status, Database: "connected"}
}

func (d *dummyController) ListCertifications(ctx context.Context, limit, offset int) ([]models.CertificationSummary, error) {
	return d.list(ctx, limit, offset)
}

func (d *dummyController) GetCertification(_ context.Context, code string) (*models.CertificationSummary, error) {
	if code == "CERTOIL-ABCDEFGHJK" {
		return &models.CertificationSummary{CertificationCode: code}, nil
	}
	return nil, e.ErrNotFound
}

type harness struct {
	handler http.Handler
	ctrl    *dummyController
	root    string
}

func newHarness(t *testing.T, opts ...HandlerOption) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	root := t.TempDir()
	files, err := storage.NewFileStore(root, logger)
	require.NoError(t, err)

	ctrl := &dummyController{healthy: true}
	s := NewServer(0, 0, logger)
	require.NoError(t, s.RegisterHTTPGateway(NewCertificationHandler(ctrl, files, logger, opts...), testSecret, prometheus.NewRegistry()))
	return &harness{handler: s.httpServer.Handler, ctrl: ctrl, root: root}
}

func (h *harness) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func (h *harness) stagedFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(h.root, ".staging"))
	require.NoError(t, err)
	return len(entries)
}

func bearer(t *testing.T) string {
	t.Helper()
	token, err := auth.GenerateToken("lab-operator", testSecret, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

type formFile struct {
	field, name string
	content     []byte
}

func multipartRequest(t *testing.T, method, path string, fields map[string]string, file *formFile) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		fw, err := mw.CreateFormFile(file.field, file.name)
		require.NoError(t, err)
		_, err = fw.Write(file.content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestRoutes_LiteralPathsWinOverParameters(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, httptest.NewRequest(http.MethodGet, "/iota/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 1, h.ctrl.healthCalls)
	assert.Zero(t, h.ctrl.detailsCalls)

	rec, body = h.do(t, httptest.NewRequest(http.MethodGet, "/iota/wallet/info", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0xabc", body["address"])

	rec, body = h.do(t, httptest.NewRequest(http.MethodGet, "/iota/0xrecord", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0xrecord", body["notarizationId"])
	assert.Equal(t, 1, h.ctrl.detailsCalls)

	rec, body = h.do(t, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestHealth_Unhealthy(t *testing.T) {
	h := newHarness(t)
	h.ctrl.healthy = false

	rec, body := h.do(t, httptest.NewRequest(http.MethodGet, "/iota/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, body["success"])
}

func TestIssue(t *testing.T) {
	fields := map[string]string{
		"companyData": `{"companyName":"Frantoio Rossi","address":"Via Roma 1","zipCode":"06034","city":"Foligno",
			"province":"PG","vatNumber":"01234567890","taxCode":"RSSMRA80A01D653X","email":"info@frantoiorossi.it"}`,
		"oilData":                 `[{"name":"acidity","value":0.2,"unit":"%"}]`,
		"certificationExpireDate": "2099-01-01T00:00:00.000Z",
		"certificationNote":       "first harvest",
	}
	document := &formFile{field: "document", name: "report.pdf", content: []byte("%PDF lab report")}

	t.Run("requires a token", func(t *testing.T) {
		h := newHarness(t)
		h.ctrl.issue = func(context.Context, *models.IssueRequest) (*models.IssueResult, error) {
			t.Fatal("issue must not be reached")
			return nil, nil
		}
		rec, body := h.do(t, multipartRequest(t, http.MethodPost, "/api/certifications", fields, document))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, false, body["success"])
	})

	t.Run("issues and cleans up the staged document", func(t *testing.T) {
		h := newHarness(t)
		h.ctrl.issue = func(_ context.Context, req *models.IssueRequest) (*models.IssueResult, error) {
			assert.Equal(t, "Frantoio Rossi", req.Company.CompanyName)
			assert.Equal(t, "2099-01-01T00:00:00.000Z", req.ExpiryDate)
			require.Len(t, req.OilData, 1)
			assert.Equal(t, "0.2", req.OilData[0].Value)
			require.NotNil(t, req.Note)
			assert.Equal(t, "first harvest", *req.Note)

			f, err := req.Document.Open()
			require.NoError(t, err)
			defer f.Close()
			content, err := io.ReadAll(f)
			require.NoError(t, err)
			assert.Equal(t, document.content, content)
			assert.Equal(t, "report.pdf", req.Document.Filename)

			return &models.IssueResult{CertificationCode: "CERTOIL-ABCDEFGHJK", NotarizationID: "0xrec", TxDigest: "tx"}, nil
		}

		req := multipartRequest(t, http.MethodPost, "/api/certifications", fields, document)
		req.Header.Set("Authorization", bearer(t))
		rec, body := h.do(t, req)

		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, true, body["success"])
		data := body["data"].(map[string]interface{})
		assert.Equal(t, "CERTOIL-ABCDEFGHJK", data["certificationCode"])
		assert.Equal(t, "http://example.com/iota/0xrec", data["iotaVerificationUrl"])

		_, err := os.Stat(h.ctrl.lastStagedPath)
		assert.True(t, os.IsNotExist(err), "staged upload must be removed")
	})

	t.Run("malformed JSON fields", func(t *testing.T) {
		h := newHarness(t)
		bad := map[string]string{"companyData": "{", "oilData": "[{]", "certificationExpireDate": "2099-01-01"}
		req := multipartRequest(t, http.MethodPost, "/api/certifications", bad, document)
		req.Header.Set("Authorization", bearer(t))

		rec, body := h.do(t, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.ElementsMatch(t, []interface{}{"companyData", "oilData"}, body["fields"])
		assert.Zero(t, h.stagedFiles(t))
	})

	t.Run("reconciliation is reported distinctly", func(t *testing.T) {
		h := newHarness(t)
		h.ctrl.issue = func(context.Context, *models.IssueRequest) (*models.IssueResult, error) {
			return nil, &e.ReconciliationError{
				SagaID:            "saga-1",
				CertificationCode: "CERTOIL-ABCDEFGHJK",
				RecordID:          "0xorphan",
				TxDigest:          "tx",
				Cause:             errors.New("commit failed"),
			}
		}
		req := multipartRequest(t, http.MethodPost, "/api/certifications", fields, document)
		req.Header.Set("Authorization", bearer(t))

		rec, body := h.do(t, req)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, true, body["reconciliationRequired"])
		assert.Equal(t, "0xorphan", body["notarizationId"])
		assert.Equal(t, "saga-1", body["sagaId"])
		assert.Equal(t, "DataLoss", body["code"])
	})
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{
			name:           "validation",
			err:            e.NewValidationError(validation.Errors{"notarizationId": validation.ErrRequired}),
			expectedStatus: http.StatusBadRequest,
		},
		{name: "invalid lock", err: e.ErrInvalidLock, expectedStatus: http.StatusBadRequest},
		{name: "not found", err: e.ErrNotFound, expectedStatus: http.StatusNotFound},
		{name: "immutable", err: e.ErrImmutableRecord, expectedStatus: http.StatusConflict},
		{name: "locked", err: e.ErrLocked, expectedStatus: http.StatusConflict},
		{name: "ledger down", err: e.ErrLedgerUnavailable, expectedStatus: http.StatusServiceUnavailable},
		{name: "timeout", err: context.DeadlineExceeded, expectedStatus: http.StatusGatewayTimeout},
		{name: "unexpected", err: errors.New("boom"), expectedStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.ctrl.getLockMeta = func(context.Context, string) (*ledger.LockMetadata, error) {
				return nil, tt.err
			}

			rec, body := h.do(t, httptest.NewRequest(http.MethodGet, "/iota/0xabc/lock-metadata", nil))
			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
		})
	}

	t.Run("internal errors are not leaked", func(t *testing.T) {
		h := newHarness(t)
		h.ctrl.getLockMeta = func(context.Context, string) (*ledger.LockMetadata, error) {
			return nil, errors.New("password=hunter2")
		}
		_, body := h.do(t, httptest.NewRequest(http.MethodGet, "/iota/0xabc/lock-metadata", nil))
		assert.Equal(t, "internal server error", body["error"])
	})
}

func TestMutatingRoutes(t *testing.T) {
	h := newHarness(t)
	destroyCalls := 0
	h.ctrl.destroy = func(_ context.Context, id string) (ledger.Receipt, error) {
		destroyCalls++
		return ledger.Receipt{TxDigest: "tx-" + id}, nil
	}

	req := httptest.NewRequest(http.MethodDelete, "/iota/0xabc", nil)
	rec, _ := h.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	overridden := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/iota/0xabc", strings.NewReader("x=1"))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.Header.Set("X-HTTP-Method-Override", http.MethodDelete)
		return r
	}
	rec, _ = h.do(t, overridden())
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "method override must not bypass the token check")

	req = overridden()
	req.Header.Set("Authorization", bearer(t))
	rec, _ = h.do(t, req)
	assert.NotEqual(t, http.StatusOK, rec.Code, "method override must not reach destroy")
	assert.Zero(t, destroyCalls)

	req = httptest.NewRequest(http.MethodDelete, "/iota/0xabc", nil)
	req.Header.Set("Authorization", bearer(t))
	rec, body := h.do(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0xabc", body["notarizationId"])
	assert.Equal(t, "tx-0xabc", body["transactionDigest"])
	assert.Equal(t, 1, destroyCalls)

	req = httptest.NewRequest(http.MethodPut, "/iota/0xabc/metadata", strings.NewReader(`{"metadata":"x"}`))
	req.Header.Set("Authorization", bearer(t))
	rec, _ = h.do(t, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/iota/0xabc/transfer", strings.NewReader(`{"recipientAddress":"0xdef"}`))
	req.Header.Set("Authorization", bearer(t))
	rec, body = h.do(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0xdef", body["recipientAddress"])

	req = httptest.NewRequest(http.MethodPut, "/iota/0xabc/state", strings.NewReader(`not json`))
	req.Header.Set("Authorization", bearer(t))
	rec, _ = h.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = h.do(t, httptest.NewRequest(http.MethodPost, "/iota/locked", strings.NewReader(`{"content":"abc"}`)))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "0xlocked", body["notarizationId"])
	assert.Equal(t, "Locked", body["type"])
}

func TestHashFile(t *testing.T) {
	t.Run("hashes and removes the upload", func(t *testing.T) {
		h := newHarness(t)
		h.ctrl.hashFile = func(_ context.Context, doc *storage.Staged) (*models.HashResult, error) {
			return &models.HashResult{Hash: "abc", Algorithm: "sha256", FileName: doc.Filename, Size: doc.Size}, nil
		}
		req := multipartRequest(t, http.MethodPost, "/iota/hash", nil, &formFile{field: "file", name: "a.txt", content: []byte("hello")})
		rec, body := h.do(t, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "a.txt", body["fileName"])
		assert.EqualValues(t, 5, body["size"])
		assert.Zero(t, h.stagedFiles(t))
	})

	t.Run("file too large", func(t *testing.T) {
		h := newHarness(t, WithMaxUploadSize(4))
		h.ctrl.hashFile = func(context.Context, *storage.Staged) (*models.HashResult, error) {
			t.Fatal("oversized upload must be rejected")
			return nil, nil
		}
		req := multipartRequest(t, http.MethodPost, "/iota/hash", nil, &formFile{field: "file", name: "a.txt", content: []byte("hello")})
		rec, _ := h.do(t, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Zero(t, h.stagedFiles(t))
	})

	t.Run("missing file", func(t *testing.T) {
		h := newHarness(t)
		req := multipartRequest(t, http.MethodPost, "/iota/hash", map[string]string{"x": "y"}, nil)
		rec, body := h.do(t, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, body["error"], "file is required")

		rec, _ = h.do(t, httptest.NewRequest(http.MethodPost, "/iota/hash", strings.NewReader("raw")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestVerify(t *testing.T) {
	h := newHarness(t)
	h.ctrl.verify = func(_ context.Context, id string, _ *storage.Staged) (*verifier.Result, error) {
		return &verifier.Result{Verified: true, NotarizationID: id}, nil
	}
	h.ctrl.verifyDigest = func(_ context.Context, id, actual string) (*verifier.Result, error) {
		return &verifier.Result{Verified: false, NotarizationID: id, ActualDigest: actual, Reason: verifier.ReasonNotFound}, nil
	}

	req := multipartRequest(t, http.MethodPost, "/iota/verify",
		map[string]string{"notarizationId": "0xabc"},
		&formFile{field: "file", name: "doc.pdf", content: []byte("doc")})
	rec, body := h.do(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["verified"])
	assert.Equal(t, "0xabc", body["notarizationId"])
	assert.Zero(t, h.stagedFiles(t))

	req = httptest.NewRequest(http.MethodPost, "/iota/verify", strings.NewReader(`{"notarizationId":"0xnope","content":"ab"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec, body = h.do(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["verified"])
	assert.Equal(t, verifier.ReasonNotFound, body["error"])
	assert.Equal(t, true, body["success"])
}

func TestCertificationListing(t *testing.T) {
	h := newHarness(t)
	var gotLimit, gotOffset int
	h.ctrl.list = func(_ context.Context, limit, offset int) ([]models.CertificationSummary, error) {
		gotLimit, gotOffset = limit, offset
		return []models.CertificationSummary{{CertificationCode: "CERTOIL-ABCDEFGHJK", CompanyName: "Frantoio Rossi"}}, nil
	}

	rec, body := h.do(t, httptest.NewRequest(http.MethodGet, "/api/certifications?limit=5&offset=10", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, gotLimit)
	assert.Equal(t, 10, gotOffset)
	assert.EqualValues(t, 1, body["count"])

	rec, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/api/certifications?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = h.do(t, httptest.NewRequest(http.MethodGet, "/api/certifications/CERTOIL-ABCDEFGHJK", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, body["certification"])

	rec, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/api/certifications/CERTOIL-ZZZZZZZZZZ", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
