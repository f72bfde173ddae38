package engine

import (
	"errors"
	"strings"

	"github.com/valise-backup/valise/pkg/cancel"
	"github.com/valise-backup/valise/pkg/integrity"
	"github.com/valise-backup/valise/pkg/watchdog"
)

// Classify maps a pipeline error to its terminal outcome. Classification is
// structural first: errors that carry their own status or a typed cause
// (watchdog timeout, tagged I/O failure) are matched on type. Untyped errors
// fall back to keyword matching on the message, with the remote base path
// used to tell remote problems from local ones.
func Classify(err error, remoteBasePath string) Outcome {
	if err == nil {
		return Outcome{Status: StatusComplete, Detail: "backup complete"}
	}
	if errors.Is(err, cancel.ErrCanceled) {
		return Outcome{Status: StatusStopped, Detail: "backup stopped by user"}
	}

	var se *StatusError
	if errors.As(err, &se) {
		return Outcome{Status: se.Status, Detail: se.Detail}
	}

	// A watchdog timeout only fires on operations guarded because they
	// touch the remote mount; a hung remote filesystem reads as unmounted.
	var te *watchdog.TimeoutError
	if errors.As(err, &te) {
		return Outcome{Status: StatusRemoteNotMounted, Detail: err.Error()}
	}

	// An I/O failure tagged as remote is a write problem on the remote
	// mount. The remote side outranks the permission and disk-space
	// keywords, same as the untyped fallback below.
	if integrity.IsRemote(err) {
		return Outcome{Status: StatusRemoteWriteFailed, Detail: err.Error()}
	}

	msg := err.Error()
	if remoteBasePath != "" && strings.Contains(msg, remoteBasePath) {
		if mentionsHang(msg) {
			return Outcome{Status: StatusRemoteNotMounted, Detail: msg}
		}
		return Outcome{Status: StatusRemoteWriteFailed, Detail: msg}
	}
	return Outcome{Status: keywordStatus(msg), Detail: msg}
}

func mentionsHang(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "not responding") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "hang")
}

// keywordStatus is the legacy text fallback for errors no layer tagged.
func keywordStatus(msg string) Status {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "permission denied"):
		return StatusPermissionDenied
	case strings.Contains(lower, "no space"), strings.Contains(lower, "disk full"):
		return StatusDiskFull
	case strings.Contains(lower, "network"),
		strings.Contains(lower, "connection"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "unreachable"):
		return StatusNetworkError
	}
	return StatusGeneralError
}
