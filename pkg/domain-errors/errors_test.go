package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasCode(t *testing.T) {
	t.Run("matches outer code", func(t *testing.T) {
		err := New(CodeConflict, "version conflict")
		assert.True(t, HasCode(err, CodeConflict))
		assert.False(t, HasCode(err, CodeNotFound))
	})

	t.Run("matches wrapped code", func(t *testing.T) {
		inner := New(CodeNotFound, "missing")
		err := Wrap(inner, CodeInternal, "load failed")
		assert.True(t, HasCode(err, CodeInternal))
		assert.True(t, HasCode(err, CodeNotFound))
	})

	t.Run("matches through fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", New(CodeGone, "deleted"))
		assert.True(t, Is(err, CodeGone))
		assert.Equal(t, CodeGone, CodeOf(err))
	})

	t.Run("plain errors have no code", func(t *testing.T) {
		err := errors.New("boom")
		assert.False(t, HasCode(err, CodeInternal))
		assert.Equal(t, CodeInternal, CodeOf(err))
	})
}

func TestValidation(t *testing.T) {
	fields := map[string]string{"name": "required", "insee": "too short"}
	err := Validation("Invalid data", fields)
	fields["other"] = "mutated after"

	require.True(t, HasCode(err, CodeValidation))
	assert.Equal(t, []string{"insee", "name"}, FieldNames(err))
	assert.Equal(t, "required", FieldsOf(err)["name"])
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "load failed: boom", Wrap(errors.New("boom"), CodeInternal, "load failed").Error())
	assert.Equal(t, "boom", Wrap(errors.New("boom"), CodeInternal, "").Error())
	assert.Equal(t, "plain", New(CodeBadRequest, "plain").Error())
}
