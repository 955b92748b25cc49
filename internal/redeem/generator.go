package redeem

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"
)

const (
	codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	// CodeLength is the length of generated codes.
	CodeLength = 12
	maxBatch   = 1000
)

// Generator mints codes for administrators.
type Generator struct {
	store Store
	now   func() time.Time
}

// NewGenerator returns a Generator writing to store.
func NewGenerator(store Store) *Generator {
	return &Generator{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Generate creates count codes. uses is ignored when unlimited is set.
func (g *Generator) Generate(ctx context.Context, count int, uses int64, unlimited bool, createdBy string) ([]Code, error) {
	if count <= 0 || count > maxBatch {
		return nil, fmt.Errorf("redeem: count must be between 1 and %d", maxBatch)
	}
	if unlimited {
		uses = Unlimited
	} else if uses <= 0 {
		return nil, errors.New("redeem: uses must be positive")
	}

	codes := make([]Code, 0, count)
	for len(codes) < count {
		value, err := randomCode(CodeLength)
		if err != nil {
			return codes, err
		}
		code := Code{Code: value, Uses: uses, CreatedBy: createdBy, CreatedAt: g.now()}
		err = g.store.Create(ctx, code)
		if errors.Is(err, ErrDuplicateCode) {
			continue
		}
		if err != nil {
			return codes, fmt.Errorf("redeem: create code: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

func randomCode(n int) (string, error) {
	buf := make([]byte, n)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("redeem: random: %w", err)
		}
		buf[i] = codeAlphabet[idx.Int64()]
	}
	return string(buf), nil
}
