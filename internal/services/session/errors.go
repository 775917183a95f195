package session

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/magabrotheeeer/moviepass/internal/api"
)

// ErrorKind класс ошибки аутентификации.
type ErrorKind string

const (
	KindInvalidCredentials ErrorKind = "invalid_credentials"
	KindNetwork            ErrorKind = "network_error"
	KindServer             ErrorKind = "server_error"
)

// AuthError типизированный отказ входа или регистрации. Message готов для показа пользователю.
type AuthError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsKind сообщает, что err является AuthError указанного класса.
func IsKind(err error, kind ErrorKind) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Kind == kind
}

const (
	msgLoginFailed    = "Login failed. Please check your credentials."
	msgRegisterFailed = "Registration failed. Please try again."
	msgSaveFailed     = "Failed to save authentication data"
	msgBadResponse    = "Unexpected response from server"
)

// classify переводит ошибку транспорта в AuthError.
func classify(err error, fallback string) *AuthError {
	switch {
	case errors.Is(err, api.ErrNetwork):
		return &AuthError{Kind: KindNetwork, Message: api.Message(err, fallback), Err: err}
	case errors.Is(err, api.ErrBadResponse):
		return &AuthError{Kind: KindServer, Message: msgBadResponse, Err: err}
	}
	var se *api.StatusError
	if errors.As(err, &se) && se.Code < http.StatusInternalServerError {
		return &AuthError{Kind: KindInvalidCredentials, Message: api.Message(err, fallback), Err: err}
	}
	return &AuthError{Kind: KindServer, Message: api.Message(err, fallback), Err: err}
}
