package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := New(ErrNotFound, "row missing")
	assert.Equal(t, "[NOT_FOUND] row missing", err.Error())

	wrapped := Wrap(ErrDatabase, "query failed", stderrors.New("disk I/O error"))
	assert.Equal(t, "[DATABASE_ERROR] query failed: disk I/O error", wrapped.Error())
	assert.EqualError(t, wrapped.Unwrap(), "disk I/O error")
}

func TestIsWalksTheChain(t *testing.T) {
	inner := New(ErrInvalidKey, "decryption failed")
	outer := fmt.Errorf("opening snapshot: %w", inner)

	assert.True(t, Is(outer, ErrInvalidKey))
	assert.False(t, Is(outer, ErrCorruptedBlob))
	assert.False(t, Is(nil, ErrInvalidKey))
	assert.False(t, Is(stderrors.New("plain"), ErrInvalidKey))
}
