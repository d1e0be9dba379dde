// Package chat defines the shared data model for the streaming chat engine:
// sessions, messages, message parts, interact requests, and the chunk
// taxonomy produced by the backend stream.
package chat

import "errors"

// ErrInvalidSessionID indicates the provided session identifier is empty or malformed.
var ErrInvalidSessionID = errors.New("chat: invalid session id")
