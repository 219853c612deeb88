package domain

import "errors"

var (
	// ErrNotFound is returned when a conversation does not exist or is not
	// owned by the requesting user. The two cases are indistinguishable to callers.
	ErrNotFound = errors.New("not found")

	ErrUserNotFound   = errors.New("user not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrSessionBusy    = errors.New("a message is already being processed")
	ErrProtocol       = errors.New("protocol violation")
	ErrInvalidInput   = errors.New("invalid input")
	ErrLessonNotFound = errors.New("lesson not found")
	ErrRateLimited    = errors.New("rate limit exceeded")
)
