package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWrapped(t *testing.T) {
	base := NotFound("quote", "q-1")
	wrapped := fmt.Errorf("load record: %w", base)

	assert.Equal(t, ErrCodeNotFound, CodeOf(wrapped))
	assert.True(t, Is(wrapped, ErrCodeNotFound))
	assert.False(t, Is(nil, ErrCodeNotFound))
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("boom")))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "noop"))
}

func TestInvalidTransitionNeverNilAllowed(t *testing.T) {
	err := InvalidTransition("WON", "LEAD", nil)
	assert.Equal(t, []string{}, err.Details["allowedTransitions"])
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		ErrCodeInvalidTransition: http.StatusBadRequest,
		ErrCodeImmutable:         http.StatusForbidden,
		ErrCodeHasDependents:     http.StatusForbidden,
		ErrCodeNotFound:          http.StatusNotFound,
		ErrCodeConsistency:       http.StatusInternalServerError,
		ErrCodeInsufficientStock: http.StatusConflict,
	}
	for code, want := range cases {
		t.Run(string(code), func(t *testing.T) {
			assert.Equal(t, want, HTTPStatus(code))
		})
	}
}
