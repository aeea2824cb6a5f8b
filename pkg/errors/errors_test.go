package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	e := New(42, "boom")
	assert.Equal(t, 200, e.HttpCode)

	e = New(42, "boom", 418)
	assert.Equal(t, 418, e.HttpCode)
	assert.Equal(t, "boom", e.Error())
}

func TestWithDoesNotMutate(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	e := ErrServiceUnavailable.WithError(cause).WithMessage("bus down")

	assert.Equal(t, "服务不可用", ErrServiceUnavailable.Message)
	assert.Nil(t, ErrServiceUnavailable.Err)
	assert.Equal(t, "bus down: dial tcp: refused", e.Error())
	assert.ErrorIs(t, e, cause)
}

func TestIs(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same code", ErrNotFound.WithMessage("room missing"), ErrNotFound, true},
		{"different code", ErrNotFound, ErrForbidden, false},
		{"wrapped", fmt.Errorf("lookup: %w", ErrTooManyRequests), ErrTooManyRequests, true},
		{"cause", ErrServer.WithError(errSentinel), errSentinel, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Is(tt.err, tt.target))
		})
	}
}

var errSentinel = errors.New("sentinel")

func TestFrom(t *testing.T) {
	assert.Nil(t, From(nil))

	e := From(fmt.Errorf("wrap: %w", ErrUnauthorized))
	assert.Equal(t, ErrUnauthorized.Code, e.Code)
	assert.Equal(t, 401, e.HttpCode)

	e = From(errSentinel)
	assert.Equal(t, ErrServer.Code, e.Code)
	assert.ErrorIs(t, e, errSentinel)
}
