package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrStoreUnavailable   = errors.New("auth: session store unavailable")
)
