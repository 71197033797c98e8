package dht

import "errors"

var (
	ErrAborted     = errors.New("dht: aborted")
	ErrTimedOut    = errors.New("dht: timed out")
	ErrMalformed   = errors.New("dht: malformed message")
	ErrNotFound    = errors.New("dht: not found")
	ErrUnsupported = errors.New("dht: unsupported")
)
