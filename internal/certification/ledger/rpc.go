package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	e "github.com/gartstein/certoil/internal/certification/errors"
	"go.uber.org/zap"
)

// RPCBackend talks to a notarization gateway over HTTP/JSON. Reads are
// retried with backoff; submissions never are, since a lost response may
// still have committed.
type RPCBackend struct {
	baseURL   string
	packageID string
	http      *http.Client
	logger    *zap.Logger
	readTries uint64
}

type submitRequest struct {
	Operation Operation `json:"operation"`
	Signature string    `json:"signature"`
}

type rpcError struct {
	Error string `json:"error"`
}

// RPCConnector dials the gateway and checks that the notarization package is
// deployed before handing out the backend.
func RPCConnector(baseURL, packageID string, client *http.Client, logger *zap.Logger) Connector {
	return func(ctx context.Context) (Backend, error) {
		if client == nil {
			client = &http.Client{Timeout: 30 * time.Second}
		}
		b := &RPCBackend{
			baseURL:   strings.TrimRight(baseURL, "/"),
			packageID: packageID,
			http:      client,
			logger:    logger.Named("ledger_rpc"),
			readTries: 3,
		}
		if err := b.get(ctx, "/packages/"+url.PathEscape(packageID), nil); err != nil {
			return nil, fmt.Errorf("package %s: %w", packageID, err)
		}
		return b, nil
	}
}

func (b *RPCBackend) Submit(ctx context.Context, op Operation, signature string) (Receipt, error) {
	body, err := json.Marshal(submitRequest{Operation: op, Signature: signature})
	if err != nil {
		return Receipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/operations", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Package-Id", b.packageID)

	resp, err := b.http.Do(req)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return Receipt{}, err
	}
	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return Receipt{}, fmt.Errorf("failed to decode receipt: %w", err)
	}
	return receipt, nil
}

func (b *RPCBackend) Record(ctx context.Context, id string) (*Record, error) {
	var rec Record
	if err := b.read(ctx, "/v1/notarizations/"+url.PathEscape(id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *RPCBackend) Balance(ctx context.Context, address string) (string, error) {
	var out struct {
		Balance string `json:"balance"`
	}
	if err := b.read(ctx, "/v1/accounts/"+url.PathEscape(address)+"/balance", &out); err != nil {
		return "", err
	}
	return out.Balance, nil
}

// read retries transient failures; a not-found answer is final.
func (b *RPCBackend) read(ctx context.Context, path string, out interface{}) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), b.readTries-1), ctx)
	return backoff.RetryNotify(func() error {
		err := b.get(ctx, path, out)
		if err != nil && (isNotFound(err) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		b.logger.Warn("Ledger read failed, retrying",
			zap.String("path", path),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}

func (b *RPCBackend) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body rpcError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", e.ErrNotFound, body.Error)
	case http.StatusLocked:
		return fmt.Errorf("%w: %s", e.ErrLocked, body.Error)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", e.ErrImmutableRecord, body.Error)
	default:
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("%w: gateway returned %d: %s", e.ErrRejected, resp.StatusCode, body.Error)
		}
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, body.Error)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, e.ErrNotFound)
}
