package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	e "github.com/gartstein/certoil/internal/certification/errors"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errFileTooLarge = errors.New("file too large")

// writeSuccess writes {"success": true} merged with the fields of payload and
// extra. Extra fields win over payload fields of the same name.
func writeSuccess(w http.ResponseWriter, code int, payload interface{}, extra map[string]interface{}) {
	body := map[string]json.RawMessage{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": err.Error()})
			return
		}
		if err := json.Unmarshal(data, &body); err != nil {
			body = map[string]json.RawMessage{"data": data}
		}
	}
	for k, v := range extra {
		data, err := json.Marshal(v)
		if err != nil {
			continue
		}
		body[k] = data
	}
	body["success"] = json.RawMessage("true")
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// mapServiceError translates domain errors into gRPC status codes.
func (h *CertificationHandler) mapServiceError(err error) *status.Status {
	switch {
	case errors.Is(err, e.ErrReconciliationRequired):
		h.logger.Error("Issuance requires reconciliation", zap.Error(err))
		return status.New(codes.DataLoss, err.Error())
	case errors.Is(err, e.ErrInvalidInput), errors.Is(err, e.ErrInvalidLock), errors.Is(err, errFileTooLarge):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, e.ErrNotFound):
		return status.New(codes.NotFound, err.Error())
	case errors.Is(err, e.ErrImmutableRecord), errors.Is(err, e.ErrLocked):
		return status.New(codes.FailedPrecondition, err.Error())
	case errors.Is(err, e.ErrDuplicateCode):
		return status.New(codes.AlreadyExists, err.Error())
	case errors.Is(err, e.ErrLedgerUnavailable), errors.Is(err, e.ErrCodeExhausted):
		return status.New(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	default:
		h.logger.Error("Internal server error", zap.Error(err))
		return status.New(codes.Internal, "internal server error")
	}
}

func httpStatus(err error, st *status.Status) int {
	switch {
	case errors.Is(err, errFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case st.Code() == codes.FailedPrecondition:
		return http.StatusConflict
	default:
		return runtime.HTTPStatusFromCode(st.Code())
	}
}

// writeError writes {"success": false, "error": ..., "code": ...}. Validation
// failures list their fields and reconciliation failures carry the ledger
// reference an operator needs.
func (h *CertificationHandler) writeError(w http.ResponseWriter, err error) {
	st := h.mapServiceError(err)
	body := map[string]interface{}{
		"success": false,
		"error":   st.Message(),
		"code":    st.Code().String(),
	}

	var verr *e.ValidationError
	if errors.As(err, &verr) {
		body["fields"] = verr.FieldNames()
	}
	var rerr *e.ReconciliationError
	if errors.As(err, &rerr) {
		body["reconciliationRequired"] = true
		body["sagaId"] = rerr.SagaID
		body["notarizationId"] = rerr.RecordID
		body["transactionDigest"] = rerr.TxDigest
	}
	writeJSON(w, httpStatus(err, st), body)
}

func (h *CertificationHandler) badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{
		"success": false,
		"error":   msg,
		"code":    codes.InvalidArgument.String(),
	})
}
