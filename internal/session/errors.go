package session

import "errors"

var (
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrStoreUnavailable     = errors.New("record store unavailable")
	ErrGenerationFailed     = errors.New("generation failed")
	ErrGenerationInProgress = errors.New("generation already in progress for session")
	ErrSessionNotFound      = errors.New("session not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotStreaming         = errors.New("message is not streaming")
	ErrNoUserMessage        = errors.New("no user message to regenerate from")
	ErrEmptyInput           = errors.New("empty input")
	ErrNoActiveSession      = errors.New("no active session")
)
