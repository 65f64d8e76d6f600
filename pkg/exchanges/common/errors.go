package common

import (
	"errors"
	"fmt"
)

// NetworkError covers transport failures, timeouts and non-auth API rejections.
// After a timeout on an order call the fill state is unknown.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("exchange %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError means the venue rejected the credentials or signature.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("exchange %s: auth: %v", e.Op, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
