package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrMalformedKey = errors.New("malformed key material")

	ErrAuthoritativeMiss = errors.New("identity does not exist on authoritative domain")
	ErrDomainBackfill    = errors.New("domain backfill failed")
	ErrDomainBlocked     = errors.New("domain blocked by federation policy")
	ErrDiscovery         = errors.New("identity discovery failed")
	ErrFetch             = errors.New("remote fetch failed")
	ErrInvalidDocument   = errors.New("invalid remote document")
)

type VerifyErrorKind string

const (
	VerifyMissingHeader                VerifyErrorKind = "MissingHeader"
	VerifyMalformedHeader              VerifyErrorKind = "MalformedHeader"
	VerifyInvalidTimestamp             VerifyErrorKind = "InvalidTimestamp"
	VerifyTooOld                       VerifyErrorKind = "TooOld"
	VerifySignatureVerificationFailure VerifyErrorKind = "SignatureVerificationFailure"
	VerifyDigestMismatch               VerifyErrorKind = "DigestMismatch"
	VerifyUnableToObtainKey            VerifyErrorKind = "UnableToObtainKey"
	VerifyUntrustedSigner              VerifyErrorKind = "UntrustedSigner"
	VerifyAuthorMismatch               VerifyErrorKind = "AuthorMismatch"
)

// VerifyError is the single failure type returned by both signature schemes.
// Header is only set for MissingHeader. Err carries the underlying cause for
// logging and is never serialized.
type VerifyError struct {
	Kind   VerifyErrorKind `json:"kind"`
	Header string          `json:"header,omitempty"`
	Err    error           `json:"-"`
}

var (
	ErrMissingHeader                = &VerifyError{Kind: VerifyMissingHeader}
	ErrMalformedHeader              = &VerifyError{Kind: VerifyMalformedHeader}
	ErrInvalidTimestamp             = &VerifyError{Kind: VerifyInvalidTimestamp}
	ErrTooOld                       = &VerifyError{Kind: VerifyTooOld}
	ErrSignatureVerificationFailure = &VerifyError{Kind: VerifySignatureVerificationFailure}
	ErrDigestMismatch               = &VerifyError{Kind: VerifyDigestMismatch}
	ErrUnableToObtainKey            = &VerifyError{Kind: VerifyUnableToObtainKey}
	ErrUntrustedSigner              = &VerifyError{Kind: VerifyUntrustedSigner}
	ErrAuthorMismatch               = &VerifyError{Kind: VerifyAuthorMismatch}
)

func MissingHeader(name string) *VerifyError {
	return &VerifyError{Kind: VerifyMissingHeader, Header: name}
}

func NewVerifyError(kind VerifyErrorKind, err error) *VerifyError {
	return &VerifyError{Kind: kind, Err: err}
}

func (e *VerifyError) Error() string {
	if e.Header != "" {
		return fmt.Sprintf("%s(%s)", e.Kind, e.Header)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *VerifyError) Unwrap() error {
	return e.Err
}

// Is matches on kind. A target without a header matches any header.
func (e *VerifyError) Is(target error) bool {
	t, ok := target.(*VerifyError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Header == "" || t.Header == e.Header
}

type FetchErrorKind string

const (
	FetchIsTombstone        FetchErrorKind = "IsTombstone"
	FetchInvalidUrl         FetchErrorKind = "InvalidUrl"
	FetchDeserializationErr FetchErrorKind = "DeserializationErr"
	FetchRequestErr         FetchErrorKind = "RequestErr"
)

// FetchError describes why an outbound fetch of a remote document failed.
type FetchError struct {
	Kind   FetchErrorKind `json:"kind"`
	URL    string         `json:"url,omitempty"`
	Status int            `json:"status,omitempty"`
	Err    error          `json:"-"`
}

var (
	ErrTombstone       = &FetchError{Kind: FetchIsTombstone}
	ErrInvalidURL      = &FetchError{Kind: FetchInvalidUrl}
	ErrDeserialization = &FetchError{Kind: FetchDeserializationErr}
	ErrRemoteRequest   = &FetchError{Kind: FetchRequestErr}
)

func NewFetchError(kind FetchErrorKind, url string, err error) *FetchError {
	return &FetchError{Kind: kind, URL: url, Err: err}
}

func (e *FetchError) Error() string {
	msg := string(e.Kind)
	if e.URL != "" {
		msg += " " + e.URL
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Is(target error) bool {
	t, ok := target.(*FetchError)
	return ok && t.Kind == e.Kind
}
