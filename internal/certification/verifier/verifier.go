// Package verifier checks a presented document against the digest stored in
// its notarization. It never mutates anything.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gartstein/certoil/internal/certification/digest"
	e "github.com/gartstein/certoil/internal/certification/errors"
	"github.com/gartstein/certoil/internal/certification/ledger"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
)

const ReasonNotFound = "Notarization not found or inaccessible"

// StateReader reads the current state of a notarization.
type StateReader interface {
	ReadState(ctx context.Context, id string) (ledger.State, error)
}

// Result is the outcome of a verification. Verified is false whenever the
// digests differ or the notarization could not be read.
type Result struct {
	Verified       bool      `json:"verified"`
	NotarizationID string    `json:"notarizationId"`
	ExpectedDigest string    `json:"expectedContent,omitempty"`
	ActualDigest   string    `json:"actualContent"`
	Reason         string    `json:"error,omitempty"`
	CheckedAt      time.Time `json:"checkedAt"`
}

type Verifier struct {
	reader StateReader
	logger *zap.Logger
	now    func() time.Time
}

func New(reader StateReader, logger *zap.Logger) *Verifier {
	return &Verifier{
		reader: reader,
		logger: logger.Named("verifier"),
		now:    time.Now,
	}
}

// Verify hashes doc and compares it with the content of notarization id.
func (v *Verifier) Verify(ctx context.Context, id string, doc io.Reader) (*Result, error) {
	if err := e.NewValidationError(validation.Errors{
		"notarizationId": validation.Validate(id, validation.Required),
		"file":           validation.Validate(doc, validation.NotNil),
	}); err != nil {
		return nil, err
	}

	actual, err := digest.SumReader(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to hash presented document: %w", err)
	}
	return v.VerifyDigest(ctx, id, actual)
}

// VerifyDigest compares an already computed digest with notarization id.
func (v *Verifier) VerifyDigest(ctx context.Context, id, actual string) (*Result, error) {
	if !digest.IsValid(actual) {
		return nil, e.NewValidationError(validation.Errors{
			"content": fmt.Errorf("must be a valid SHA-256 hash"),
		})
	}
	res := &Result{
		NotarizationID: id,
		ActualDigest:   digest.Normalize(actual),
		CheckedAt:      v.now().UTC(),
	}

	state, err := v.reader.ReadState(ctx, id)
	if err != nil {
		if !errors.Is(err, e.ErrNotFound) {
			v.logger.Warn("Notarization lookup failed during verification",
				zap.String("notarization_id", id),
				zap.Error(err),
			)
		}
		res.Reason = ReasonNotFound
		return res, nil
	}

	if !digest.IsValid(state.Content) {
		v.logger.Error("Notarization holds a malformed digest",
			zap.String("notarization_id", id),
			zap.Error(e.ErrIntegrity),
		)
		res.Reason = "stored content is not a valid digest"
		return res, nil
	}

	res.ExpectedDigest = digest.Normalize(state.Content)
	res.Verified = digest.Equal(res.ExpectedDigest, res.ActualDigest)
	return res, nil
}
