package app

import "errors"

var (
	// ErrUnauthenticated blocks every operation until a valid ID token is presented.
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrDisposed        = errors.New("app disposed")
)
