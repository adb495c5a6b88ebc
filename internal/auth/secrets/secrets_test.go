package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "ban/pkg/domain-errors"
)

func TestGenerateClientSecret(t *testing.T) {
	a, err := GenerateClientSecret()
	require.NoError(t, err)
	b, err := GenerateClientSecret()
	require.NoError(t, err)

	assert.Len(t, a, ClientSecretLength)
	assert.NotEqual(t, a, b)
	assert.Empty(t, strings.Trim(a, alphabet))
}

func TestHashAndVerify(t *testing.T) {
	hash, err := Hash("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)

	assert.NoError(t, Verify("s3cret", hash))
	err = Verify("wrong", hash)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))

	_, err = Hash("")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))

	_, err = Hash(strings.Repeat("x", 80))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
}
