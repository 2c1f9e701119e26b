package engine

import (
	"errors"
	"fmt"

	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/session"
	"github.com/garden-co/cojson/internal/store"
)

// SyncError is a protocol-level failure while handling a peer message.
//
// Sync errors never stop the manager: each one is logged with its code and
// the message that caused it, and syncing of other values continues.
type SyncError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// ID is the CoValue concerned.
	ID ir.RawCoID

	// Session is set for per-session failures.
	Session ir.SessionID

	// Peer is the peer the message came from.
	Peer string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes sync errors.
type ErrorCode string

const (
	// ErrCodeInvalidAssumption: content assumed more transactions than we hold.
	ErrCodeInvalidAssumption ErrorCode = "INVALID_ASSUMPTION"

	// ErrCodeSignatureMismatch: a session run did not verify.
	ErrCodeSignatureMismatch ErrorCode = "SIGNATURE_MISMATCH"

	// ErrCodeMissingHeader: content for an unknown value came without a header.
	ErrCodeMissingHeader ErrorCode = "MISSING_HEADER"

	// ErrCodeDeleted: the value is tombstoned.
	ErrCodeDeleted ErrorCode = "DELETED"

	// ErrCodeStorage: the storage backend failed.
	ErrCodeStorage ErrorCode = "STORAGE"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s (id=%s", e.Code, e.Message, e.ID)
	if e.Session != "" {
		msg += fmt.Sprintf(", session=%s", e.Session)
	}
	if e.Peer != "" {
		msg += fmt.Sprintf(", peer=%s", e.Peer)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error { return e.Err }

func hasCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsInvalidAssumption reports whether err is an invalid-assumption error,
// either a SyncError or the session log sentinel it wraps.
func IsInvalidAssumption(err error) bool {
	return hasCode(err, ErrCodeInvalidAssumption) || errors.Is(err, session.ErrInvalidAssumption)
}

// IsSignatureMismatch reports whether err is a signature mismatch.
func IsSignatureMismatch(err error) bool {
	return hasCode(err, ErrCodeSignatureMismatch) || errors.Is(err, session.ErrSignatureMismatch)
}

// IsMissingHeader reports whether err is a missing-header error.
func IsMissingHeader(err error) bool {
	return hasCode(err, ErrCodeMissingHeader)
}

// IsDeleted reports whether err concerns a tombstoned value.
func IsDeleted(err error) bool {
	return hasCode(err, ErrCodeDeleted) || errors.Is(err, store.ErrTombstoned)
}

// IsStorage reports whether err is a storage failure.
func IsStorage(err error) bool {
	return hasCode(err, ErrCodeStorage)
}

func newSyncError(code ErrorCode, id ir.RawCoID, peer, message string, cause error) *SyncError {
	return &SyncError{Code: code, Message: message, ID: id, Peer: peer, Err: cause}
}

func newSessionError(code ErrorCode, id ir.RawCoID, sid ir.SessionID, peer string, cause error) *SyncError {
	msg := "content rejected"
	switch code {
	case ErrCodeInvalidAssumption:
		msg = "content does not line up with our known state"
	case ErrCodeSignatureMismatch:
		msg = "session run does not verify"
	}
	return &SyncError{Code: code, Message: msg, ID: id, Session: sid, Peer: peer, Err: cause}
}
