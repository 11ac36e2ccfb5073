// Package subdomain generates the human-readable labels tenant machines
// are exposed under.
package subdomain

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
)

// maxAttempts bounds the availability loop. With ~15k combinations the
// loop only exhausts when the namespace is nearly full; the suffix
// fallback then accepts a small residual collision risk instead of
// failing allocation outright.
const maxAttempts = 100

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// LabelPattern is the DNS label shape every generated name must satisfy.
var LabelPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{1,61}[a-z0-9]$`)

// AvailabilityFunc reports whether a candidate is already used by a live
// record. The record store is the only collaborator; allocation itself
// reserves nothing, the caller's unique insert is the real arbiter.
type AvailabilityFunc func(ctx context.Context, candidate string) (inUse bool, err error)

type Allocator struct {
	inUse AvailabilityFunc
}

func NewAllocator(inUse AvailabilityFunc) *Allocator {
	return &Allocator{inUse: inUse}
}

// Allocate returns an adjective-noun label that was available at the time
// of the check. After maxAttempts collisions it appends a random 4-char
// suffix to the last candidate and returns it unconditionally.
func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	var candidate string
	for i := 0; i < maxAttempts; i++ {
		adj, err := pick(adjectives)
		if err != nil {
			return "", err
		}
		noun, err := pick(nouns)
		if err != nil {
			return "", err
		}
		candidate = adj + "-" + noun

		taken, err := a.inUse(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("check subdomain availability: %w", err)
		}
		if !taken {
			return candidate, nil
		}
	}

	suffix, err := randomSuffix(4)
	if err != nil {
		return "", err
	}
	return candidate + "-" + suffix, nil
}

func pick(words []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return "", fmt.Errorf("random word: %w", err)
	}
	return words[n.Int64()], nil
}

func randomSuffix(length int) (string, error) {
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(suffixAlphabet))))
		if err != nil {
			return "", fmt.Errorf("random suffix: %w", err)
		}
		buf[i] = suffixAlphabet[n.Int64()]
	}
	return string(buf), nil
}
