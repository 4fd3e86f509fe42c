package smbdfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"syscall"
	"testing"
)

func TestPathError(t *testing.T) {
	baseErr := errors.New("base error")
	pathErr := &PathError{Op: "open", Path: "/path/to/file", Err: baseErr}

	if got, want := pathErr.Error(), "open /path/to/file: base error"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if unwrapped := pathErr.Unwrap(); unwrapped != baseErr {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, baseErr)
	}
}

func TestWrapPathError(t *testing.T) {
	if wrapPathError("open", "/x", nil) != nil {
		t.Error("wrapPathError(nil) should be nil")
	}

	err := wrapPathError("open", "/data/file", statusError("create", STATUS_OBJECT_NAME_NOT_FOUND))
	var pe *PathError
	if !errors.As(err, &pe) || pe.Op != "open" || pe.Path != "/data/file" {
		t.Fatalf("wrapPathError() = %#v", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Error("wrapped status should still match fs.ErrNotExist")
	}

	again := wrapPathError("read", "/data/file", err)
	if again != err {
		t.Error("wrapping the same path twice should return the original error")
	}
}

func TestStatusError_Is(t *testing.T) {
	tests := []struct {
		status NTStatus
		target error
	}{
		{STATUS_OBJECT_NAME_NOT_FOUND, fs.ErrNotExist},
		{STATUS_OBJECT_PATH_NOT_FOUND, fs.ErrNotExist},
		{STATUS_OBJECT_NAME_COLLISION, fs.ErrExist},
		{STATUS_ACCESS_DENIED, fs.ErrPermission},
		{STATUS_INVALID_PARAMETER, fs.ErrInvalid},
		{STATUS_FILE_CLOSED, fs.ErrClosed},
		{STATUS_PATH_NOT_COVERED, ErrPathNotCovered},
		{STATUS_USER_SESSION_DELETED, ErrReconnectRequired},
		{STATUS_NETWORK_SESSION_EXPIRED, ErrReconnectRequired},
		{STATUS_RETRY, ErrTryAgain},
		{STATUS_INSUFFICIENT_RESOURCES, ErrNoMemory},
		{STATUS_LOGON_FAILURE, ErrAuthenticationFailed},
		{STATUS_NOT_SAME_DEVICE, ErrNotSameDevice},
		{STATUS_NOT_SUPPORTED, ErrNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := fmt.Errorf("op: %w", statusError("op", tt.status))
			if !errors.Is(err, tt.target) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.target)
			}
		})
	}

	if errors.Is(statusError("op", STATUS_ACCESS_DENIED), fs.ErrNotExist) {
		t.Error("access denied should not match fs.ErrNotExist")
	}
	if statusError("op", STATUS_SUCCESS) != nil {
		t.Error("statusError(STATUS_SUCCESS) should be nil")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassNone},
		{"reconnect sentinel", ErrReconnectRequired, ClassReconnect},
		{"session deleted", statusError("read", STATUS_USER_SESSION_DELETED), ClassReconnect},
		{"connection disconnected", statusError("read", STATUS_CONNECTION_DISCONNECTED), ClassReconnect},
		{"eof", io.EOF, ClassReconnect},
		{"closed conn", fmt.Errorf("send: %w", net.ErrClosed), ClassReconnect},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, ClassReconnect},
		{"retry status", statusError("create", STATUS_RETRY), ClassTryAgain},
		{"path not covered", statusError("create", STATUS_PATH_NOT_COVERED), ClassDFSRedirect},
		{"bad network name", statusError("tree connect", STATUS_BAD_NETWORK_NAME), ClassDFSRedirect},
		{"network name deleted", statusError("read", STATUS_NETWORK_NAME_DELETED), ClassDFSRedirect},
		{"mount failed", fmt.Errorf("%w: no target", ErrMountFailed), ClassDFSRedirect},
		{"no memory", statusError("create", STATUS_NO_MEMORY), ClassResource},
		{"credit timeout", ErrCreditTimeout, ClassResource},
		{"not found", statusError("create", STATUS_OBJECT_NAME_NOT_FOUND), ClassTerminal},
		{"access denied", statusError("create", STATUS_ACCESS_DENIED), ClassTerminal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify_ReconnectWins(t *testing.T) {
	err := errors.Join(statusError("create", STATUS_PATH_NOT_COVERED), ErrReconnectRequired)
	if got := Classify(err); got != ClassReconnect {
		t.Errorf("Classify() = %v, want reconnect", got)
	}
}

func TestErrorClass_String(t *testing.T) {
	for class, want := range map[ErrorClass]string{
		ClassNone:        "none",
		ClassReconnect:   "reconnect",
		ClassTryAgain:    "try_again",
		ClassDFSRedirect: "dfs_redirect",
		ClassResource:    "resource",
		ClassTerminal:    "terminal",
	} {
		if got := class.String(); got != want {
			t.Errorf("ErrorClass(%d).String() = %q, want %q", int(class), got, want)
		}
	}
}
