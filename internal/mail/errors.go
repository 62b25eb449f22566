package mail

import (
	"errors"
	"strings"
)

// Adapter error vocabulary. The pipeline branches on these three
// conditions and treats everything else as a generic automation failure.
var (
	// ErrNotRunning means the host mail application is not open.
	ErrNotRunning = errors.New("mail application is not running")

	// ErrTimeout means a scripting call exceeded its deadline.
	ErrTimeout = errors.New("mail automation call timed out")

	// ErrStaleReference means the message id no longer resolves, usually
	// because the user or a prior pass already moved or deleted it.
	ErrStaleReference = errors.New("stale message reference")
)

// staleSignatures are osascript error fragments that indicate the
// referenced message is gone rather than the call having failed.
var staleSignatures = []string{
	"invalid index",
	"can't get message",
	"can’t get message",
	"no such message",
	"message not found",
}

// notRunningSignatures are osascript error fragments for a closed host app.
var notRunningSignatures = []string{
	"application isn't running",
	"application isn’t running",
	"not running",
	"connection is invalid",
}

// IsStale reports whether an error indicates a stale message reference.
func IsStale(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStaleReference) {
		return true
	}
	return matchesAny(err, staleSignatures)
}

// IsNotRunning reports whether an error indicates the host app is closed.
func IsNotRunning(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotRunning) {
		return true
	}
	return matchesAny(err, notRunningSignatures)
}

// IsTimeout reports whether an error indicates a scripting timeout.
func IsTimeout(err error) bool {
	return err != nil && errors.Is(err, ErrTimeout)
}

func matchesAny(err error, signatures []string) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range signatures {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
