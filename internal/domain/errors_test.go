package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsVersionConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "version conflict", err: ErrVersionConflict, want: true},
		{name: "wrapped version conflict", err: fmt.Errorf("save reservation: %w", ErrVersionConflict), want: true},
		{name: "joined version conflict", err: errors.Join(ErrVersionConflict, errors.New("extra")), want: true},
		{name: "other error", err: ErrReservationNotFound, want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsVersionConflict(tt.err); got != tt.want {
				t.Errorf("IsVersionConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: ErrInsufficientStock, want: CodeInsufficientStock},
		{err: fmt.Errorf("reserve: %w", ErrProductNotFound), want: CodeProductNotFound},
		{err: ErrReservationNotFound, want: CodeNotFound},
		{err: ErrSagaNotFound, want: CodeNotFound},
		{err: ErrInvalidState, want: CodeInvalidState},
		{err: ErrSagaTerminal, want: CodeInvalidState},
		{err: ErrVersionConflict, want: CodeConflict},
		{err: ErrInvalidQuantity, want: CodeValidation},
		{err: ErrInvalidDuration, want: CodeValidation},
		{err: ErrStepTimeout, want: CodeUnavailable},
		{err: errors.New("boom"), want: CodeInternal},
	}

	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "temporary", err: fmt.Errorf("payment: %w", ErrCollaboratorTemporary), want: true},
		{name: "rejected", err: ErrCollaboratorRejected, want: false},
		{name: "rejected wins over temporary", err: errors.Join(ErrCollaboratorRejected, ErrCollaboratorTemporary), want: false},
		{name: "circuit open", err: ErrCircuitOpen, want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "unknown", err: errors.New("boom"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Fatalf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
