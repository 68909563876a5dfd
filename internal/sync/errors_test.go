package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err       error
		code      Code
		retryable bool
	}{
		{nil, "", false},
		{ErrDeviceNotFound, CodeNotFound, false},
		{fmt.Errorf("wrapped: %w", ErrSessionNotFound), CodeNotFound, false},
		{ErrSessionAlreadyActive, CodeInvalidState, false},
		{ErrConflictAlreadyResolved, CodeInvalidState, false},
		{ErrResolutionDeferred, CodeConflict, false},
		{fmt.Errorf("get lead: %w: %w", ErrRepositoryFailure, errors.New("boom")), CodeRepositoryFailure, true},
		{ErrRepositoryTimeout, CodeTimeout, true},
		{context.DeadlineExceeded, CodeTimeout, true},
		{ErrUnavailable, CodeUnavailable, true},
		{ErrInvalidInput, CodeInvalidInput, false},
		{errors.New("something else"), CodeInternal, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, CodeOf(tt.err), "%v", tt.err)
		assert.Equal(t, tt.retryable, Retryable(tt.err), "%v", tt.err)
	}
}
