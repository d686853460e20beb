package model

import "errors"

var (
	// ErrSessionNotFound is returned when no session with the id exists anywhere.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAccessDenied is returned when the session exists but belongs to a
	// different namespace than the caller's.
	ErrAccessDenied = errors.New("access denied")

	// ErrMessageNotFound is returned when a message lookup misses.
	ErrMessageNotFound = errors.New("message not found")

	// ErrUpstreamUnavailable is returned when no live agent process is
	// attached to the session or its RPC channel is missing.
	ErrUpstreamUnavailable = errors.New("agent unavailable")

	// ErrMalformedResponse is returned when an agent RPC reply has a shape
	// the engine cannot interpret.
	ErrMalformedResponse = errors.New("malformed agent response")

	// ErrResumeUnavailable is returned when a session cannot be resumed
	// because its metadata lacks a working directory or resume token.
	ErrResumeUnavailable = errors.New("resume unavailable")

	// ErrResumeFailed is returned when a resume spawn, wait, or merge fails.
	ErrResumeFailed = errors.New("resume failed")
)
