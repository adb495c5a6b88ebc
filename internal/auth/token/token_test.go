package token

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "ban/pkg/domain-errors"
)

var (
	issuer    = NewIssuer("test-signing-key", "ban", "ban-api")
	sessionID = uuid.New()
	now       = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func TestIssueAndValidate(t *testing.T) {
	raw, jti, err := issuer.Issue(sessionID, "client-1", "ign", []string{"group_write"}, now, now.Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(raw), 32)
	assert.NotEmpty(t, jti)

	claims, err := issuer.Validate(raw, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, sessionID.String(), claims.SessionID)
	assert.Equal(t, "client-1", claims.ClientID)
	assert.Equal(t, "ign", claims.ContributorType)
	assert.Equal(t, []string{"group_write"}, claims.Scopes)
	assert.Equal(t, jti, claims.ID)
}

func TestValidateRejects(t *testing.T) {
	raw, _, err := issuer.Issue(sessionID, "client-1", "ign", nil, now, now.Add(time.Hour))
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		_, err := issuer.Validate(raw, now.Add(2*time.Hour))
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
		assert.Equal(t, "token has expired", err.Error())
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := issuer.Validate("invalid-token-string", now)
		require.Error(t, err)
		assert.Equal(t, "invalid token", err.Error())
	})

	t.Run("other key", func(t *testing.T) {
		other := NewIssuer("another-key", "ban", "ban-api")
		_, err := other.Validate(raw, now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("other audience", func(t *testing.T) {
		other := NewIssuer("test-signing-key", "ban", "elsewhere")
		_, err := other.Validate(raw, now)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})
}
