package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	base := ClientValidation("bad user id length %d", 0)
	wrapped := fmt.Errorf("decode request: %w", base)

	kind, ok := KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, KindClientValidation, kind)
}

func TestIsMatchesKind(t *testing.T) {
	err := Conflict("account already exists")
	assert.True(t, Is(err, KindConflict))
	assert.False(t, Is(err, KindNotFound))
}

func TestKindOfFalseForPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestErrorMessageOmitsCauseDetailFromKind(t *testing.T) {
	err := Transient(errors.New("connection refused"), "database unavailable")
	assert.Equal(t, KindTransient, err.Kind)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, "database unavailable", err.Message)
}
