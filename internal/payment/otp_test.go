package payment

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGenerateCodeDigitsOnly(t *testing.T) {
	code, err := GenerateCode(6)
	require.NoError(t, err)
	require.Len(t, code, 6)
	for _, r := range code {
		require.True(t, r >= '0' && r <= '9')
	}
}

func TestHashAndCompareCode(t *testing.T) {
	hash, err := HashCode("482913", bcrypt.MinCost)
	require.NoError(t, err)
	require.NotEqual(t, "482913", hash)

	require.NoError(t, CompareCode(hash, "482913"))
	require.ErrorIs(t, CompareCode(hash, "482914"), ErrOTPMismatch)
}
