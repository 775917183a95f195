package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized ответ 401: токен недействителен или истёк.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNetwork сеть недоступна, таймаут или обрыв соединения.
	ErrNetwork = errors.New("network error")
	// ErrServer бэкенд ответил ошибкой (4xx кроме 401, 5xx).
	ErrServer = errors.New("server error")
	// ErrBadResponse тело ответа не соответствует ожидаемой форме.
	ErrBadResponse = errors.New("unexpected response shape")
)

// StatusError ошибка с HTTP-статусом и сообщением бэкенда.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// Unwrap позволяет проверять StatusError через errors.Is с ErrUnauthorized/ErrServer.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return ErrServer
}

// Message достаёт сообщение бэкенда из цепочки ошибок; fallback, если его нет.
func Message(err error, fallback string) string {
	var se *StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	if errors.Is(err, ErrNetwork) {
		return "Network error. Please check your connection."
	}
	return fallback
}
