package camera

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyMessage(t *testing.T) {
	testCases := []struct {
		msg  string
		want OpenErrorKind
	}{
		{msg: "Server returned 401 Unauthorized (authorization failed)", want: OpenAuth},
		{msg: "method DESCRIBE failed: 403 Forbidden", want: OpenAuth},
		{msg: "/dev/video0: Device or resource busy", want: OpenBusy},
		{msg: "/dev/video9: No such file or directory", want: OpenAbsent},
		{msg: "Connection refused", want: OpenAbsent},
		{msg: "Connection timed out", want: OpenTimeout},
		{msg: "Invalid data found when processing input", want: OpenUnknown},
	}

	for _, tc := range testCases {
		t.Run(tc.msg, func(t *testing.T) {
			if got := classifyMessage(tc.msg); got != tc.want {
				t.Errorf("Expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestNewOpenError(t *testing.T) {
	original := &OpenError{Kind: OpenBusy, Err: errors.New("busy")}
	if got := newOpenError(fmt.Errorf("wrapped: %w", original)); got != original {
		t.Errorf("Expected existing OpenError to be returned, got %v", got)
	}

	if got := newOpenError(context.DeadlineExceeded); got.Kind != OpenTimeout {
		t.Errorf("Expected timeout, got %s", got.Kind)
	}

	if got := newOpenError(errors.New("something odd")); got.Kind != OpenUnknown {
		t.Errorf("Expected unknown, got %s", got.Kind)
	}
}

func TestIsFatal(t *testing.T) {
	fatal := &ReadError{Severity: Fatal, Err: errors.New("gone")}
	transient := &ReadError{Severity: Transient, Err: errors.New("dropped")}

	if !IsFatal(fmt.Errorf("wrapped: %w", fatal)) {
		t.Error("Expected wrapped fatal error to be fatal")
	}
	if IsFatal(transient) {
		t.Error("Expected transient error not to be fatal")
	}
	if IsFatal(errors.New("plain")) {
		t.Error("Expected plain error not to be fatal")
	}
}
