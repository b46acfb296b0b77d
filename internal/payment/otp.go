package payment

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// Transport dispatches a one-time code over an external channel. The engine
// only depends on whether dispatch was accepted, not on delivery.
type Transport interface {
	Send(ctx context.Context, destination, code string) error
}

// GenerateCode produces a fixed-length numeric code from crypto/rand.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		length = 6
	}
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("payment: generate otp: %w", err)
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}

// HashCode derives the salted one-way hash stored in place of the code.
func HashCode(code string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), cost)
	if err != nil {
		return "", fmt.Errorf("payment: hash otp: %w", err)
	}
	return string(hash), nil
}

// CompareCode checks a candidate code against the stored hash in constant
// time.
func CompareCode(hash, code string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(code))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrOTPMismatch
		}
		return fmt.Errorf("payment: compare otp: %w", err)
	}
	return nil
}
