// Package codegen produces human-readable, unguessable certification codes.
package codegen

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	e "github.com/gartstein/certoil/internal/certification/errors"
	"go.uber.org/zap"
)

const (
	// Prefix tags every certification code.
	Prefix = "CERTOIL-"
	// Length is the number of random characters after the prefix.
	Length = 10
	// MaxAttempts bounds the collision retries.
	MaxAttempts = 5

	// No 0/O, 1/I/L.
	alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
)

// ExistsFunc reports whether a code is already taken.
type ExistsFunc func(ctx context.Context, code string) (bool, error)

// Generator draws codes from a cryptographically strong source.
type Generator struct {
	rand   io.Reader
	logger *zap.Logger
}

func NewGenerator(logger *zap.Logger) *Generator {
	return &Generator{
		rand:   rand.Reader,
		logger: logger.Named("codegen"),
	}
}

// Generate returns a code that exists reports as free. After MaxAttempts
// collisions it fails with ErrCodeExhausted.
func (g *Generator) Generate(ctx context.Context, exists ExistsFunc) (string, error) {
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		code, err := g.newCode()
		if err != nil {
			return "", fmt.Errorf("failed to read randomness: %w", err)
		}
		taken, err := exists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("failed to check code existence: %w", err)
		}
		if !taken {
			return code, nil
		}
		g.logger.Warn("Duplicate certification code, regenerating",
			zap.Int("attempt", attempt),
		)
	}
	return "", fmt.Errorf("%w: no free code after %d attempts", e.ErrCodeExhausted, MaxAttempts)
}

// newCode uses rejection sampling so every alphabet symbol is equally likely.
func (g *Generator) newCode() (string, error) {
	const limit = 256 - 256%len(alphabet)

	out := make([]byte, 0, len(Prefix)+Length)
	out = append(out, Prefix...)
	buf := make([]byte, Length*2)
	for len(out) < len(Prefix)+Length {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == len(Prefix)+Length {
				break
			}
		}
	}
	return string(out), nil
}

// IsWellFormed reports whether code could have been produced by Generate.
func IsWellFormed(code string) bool {
	if len(code) != len(Prefix)+Length || code[:len(Prefix)] != Prefix {
		return false
	}
	for i := len(Prefix); i < len(code); i++ {
		found := false
		for j := 0; j < len(alphabet); j++ {
			if code[i] == alphabet[j] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
