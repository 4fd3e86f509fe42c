package smbdfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"syscall"
)

var (
	// ErrInvalidConfig indicates the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionClosed indicates the transport has been closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrAuthenticationFailed indicates a session setup was rejected.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrInvalidPath indicates the path is invalid.
	ErrInvalidPath = errors.New("invalid path")

	// ErrInvalidMessage indicates a malformed wire message.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrReconnectRequired indicates the session or transport is gone and
	// the caller must reconnect before retrying.
	ErrReconnectRequired = errors.New("reconnect required")

	// ErrTryAgain indicates a benign race with a reconnection that already
	// completed. The operation can be retried immediately.
	ErrTryAgain = errors.New("try again")

	// ErrPathNotCovered indicates the server does not host the path and
	// a fresh referral is needed.
	ErrPathNotCovered = errors.New("path not covered")

	// ErrCreditTimeout indicates no send credits became available in time.
	ErrCreditTimeout = errors.New("timed out waiting for credits")

	// ErrStale indicates an ID refers to an entry that has been disposed.
	ErrStale = errors.New("stale reference")

	// ErrExist indicates a uniqueness violation on insert.
	ErrExist = errors.New("entry already exists")

	// ErrNotFound indicates a lookup miss.
	ErrNotFound = errors.New("not found")

	// ErrMountFailed indicates no candidate transport or address connected.
	ErrMountFailed = errors.New("mount failed")

	// ErrNotSupported indicates the dialect does not implement an operation.
	ErrNotSupported = errors.New("operation not supported")

	// ErrNoMemory indicates the client or server ran out of resources.
	ErrNoMemory = errors.New("insufficient resources")

	// ErrInvalidReferral indicates a malformed referral response.
	ErrInvalidReferral = errors.New("invalid referral response")

	// ErrHandleDisconnected indicates a File or Search lost its server-side
	// handle across a reconnection and could not be restored.
	ErrHandleDisconnected = errors.New("handle disconnected")

	// ErrNotSameDevice indicates a rename across different shares.
	ErrNotSameDevice = errors.New("not same device")

	// ErrRetryExhausted wraps the last error once the retry budget is used up.
	ErrRetryExhausted = errors.New("retry budget exhausted")
)

// StatusError is an NT status returned by a server for an operation.
type StatusError struct {
	Status NTStatus
	Op     string
}

func (e *StatusError) Error() string {
	if e.Op == "" {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

// Is maps status codes onto the package sentinels and io/fs errors so that
// callers can use errors.Is without knowing the wire codes.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrPathNotCovered:
		return e.Status == STATUS_PATH_NOT_COVERED
	case ErrReconnectRequired:
		return reconnectStatuses[e.Status]
	case ErrTryAgain:
		return e.Status == STATUS_RETRY
	case ErrNoMemory:
		return e.Status == STATUS_INSUFFICIENT_RESOURCES || e.Status == STATUS_NO_MEMORY
	case ErrAuthenticationFailed:
		return e.Status == STATUS_LOGON_FAILURE || e.Status == STATUS_ACCOUNT_RESTRICTION ||
			e.Status == STATUS_PASSWORD_EXPIRED
	case ErrNotSameDevice:
		return e.Status == STATUS_NOT_SAME_DEVICE
	case ErrNotSupported:
		return e.Status == STATUS_NOT_SUPPORTED || e.Status == STATUS_INVALID_DEVICE_REQUEST
	case fs.ErrNotExist:
		return e.Status == STATUS_OBJECT_NAME_NOT_FOUND || e.Status == STATUS_OBJECT_PATH_NOT_FOUND ||
			e.Status == STATUS_NO_SUCH_FILE || e.Status == STATUS_NOT_FOUND
	case fs.ErrExist:
		return e.Status == STATUS_OBJECT_NAME_COLLISION
	case fs.ErrPermission:
		return e.Status == STATUS_ACCESS_DENIED || e.Status == STATUS_PRIVILEGE_NOT_HELD
	case fs.ErrInvalid:
		return e.Status == STATUS_INVALID_PARAMETER || e.Status == STATUS_OBJECT_NAME_INVALID ||
			e.Status == STATUS_OBJECT_PATH_INVALID
	case fs.ErrClosed:
		return e.Status == STATUS_FILE_CLOSED
	}
	return false
}

// statusError returns nil for success and a *StatusError otherwise.
func statusError(op string, status NTStatus) error {
	if status.IsSuccess() {
		return nil
	}
	return &StatusError{Status: status, Op: op}
}

var reconnectStatuses = map[NTStatus]bool{
	STATUS_USER_SESSION_DELETED:    true,
	STATUS_NETWORK_SESSION_EXPIRED: true,
	STATUS_CONNECTION_DISCONNECTED: true,
	STATUS_CONNECTION_RESET:        true,
}

// dfsRedirectStatuses are the statuses after which a path may be served by
// a different referral target.
var dfsRedirectStatuses = map[NTStatus]bool{
	STATUS_PATH_NOT_COVERED:         true,
	STATUS_BAD_NETWORK_NAME:         true,
	STATUS_BAD_NETWORK_PATH:         true,
	STATUS_NETWORK_NAME_DELETED:     true,
	STATUS_NO_MEDIA_IN_DEVICE:       true,
	STATUS_DEVICE_NOT_CONNECTED:     true,
	STATUS_NETWORK_UNREACHABLE:      true,
	STATUS_HOST_UNREACHABLE:         true,
	STATUS_CONNECTION_REFUSED:       true,
	STATUS_IO_TIMEOUT:               true,
	STATUS_UNEXPECTED_NETWORK_ERROR: true,
	STATUS_FS_DRIVER_REQUIRED:       true,
}

// ErrorClass is the retry classification of an operation result.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassReconnect
	ClassTryAgain
	ClassDFSRedirect
	ClassResource
	ClassTerminal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassReconnect:
		return "reconnect"
	case ClassTryAgain:
		return "try_again"
	case ClassDFSRedirect:
		return "dfs_redirect"
	case ClassResource:
		return "resource"
	default:
		return "terminal"
	}
}

// Classify sorts an operation error into the classes the retry loop acts
// on. Reconnect wins over the others.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case IsReconnectRequired(err):
		return ClassReconnect
	case IsTryAgain(err):
		return ClassTryAgain
	case IsDFSRedirect(err):
		return ClassDFSRedirect
	case IsResource(err):
		return ClassResource
	default:
		return ClassTerminal
	}
}

// IsReconnectRequired reports whether err means the session or transport is
// gone.
func IsReconnectRequired(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReconnectRequired) || errors.Is(err, ErrConnectionClosed) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}

// IsTryAgain reports whether err is a benign race that can be retried
// immediately.
func IsTryAgain(err error) bool {
	return err != nil && errors.Is(err, ErrTryAgain)
}

// IsDFSRedirect reports whether err allows failing over to another
// referral target.
func IsDFSRedirect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPathNotCovered) || errors.Is(err, ErrMountFailed) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return dfsRedirectStatuses[se.Status]
	}
	return false
}

// IsResource reports whether err is a resource exhaustion.
func IsResource(err error) bool {
	return err != nil && (errors.Is(err, ErrNoMemory) || errors.Is(err, ErrCreditTimeout))
}

// PathError records an error and the operation and path that caused it.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// wrapPathError wraps an error with operation and path information.
func wrapPathError(op, path string, err error) error {
	if err == nil {
		return nil
	}

	// If it's already a PathError for the same path, don't double-wrap
	var pe *PathError
	if errors.As(err, &pe) && pe.Path == path {
		return err
	}

	return &PathError{
		Op:   op,
		Path: path,
		Err:  err,
	}
}
