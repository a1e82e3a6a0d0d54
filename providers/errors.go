package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind ist die normalisierte Fehlerklasse einer Quelle.
type ErrorKind string

const (
	// KindTransient: Netzwerk, Timeouts, 5xx, 429. Wird wiederholt.
	KindTransient ErrorKind = "transient"

	// KindNotFound: die Registry kennt den Begriff nicht. Kein Fehler im Ergebnis.
	KindNotFound ErrorKind = "not_found"

	// KindClientFault: fehlerhafte Anfrage oder unbrauchbare Antwort. Nicht wiederholbar.
	KindClientFault ErrorKind = "client_fault"
)

// AdapterError kapselt Fehler einer Quelle mit normalisierter Klasse.
type AdapterError struct {
	Kind    ErrorKind
	Source  string
	Status  int
	Message string
	Err     error
}

func (e *AdapterError) Error() string {
	status := ""
	if e.Status != 0 {
		status = fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("source %s [%s]%s: %s: %v", e.Source, e.Kind, status, e.Message, e.Err)
	}
	return fmt.Sprintf("source %s [%s]%s: %s", e.Source, e.Kind, status, e.Message)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError erstellt einen AdapterError.
func NewAdapterError(kind ErrorKind, source, message string, err error) *AdapterError {
	return &AdapterError{Kind: kind, Source: source, Message: message, Err: err}
}

// FromStatus klassifiziert eine HTTP-Antwort mit Nicht-2xx-Status.
func FromStatus(source string, status int, body string) *AdapterError {
	kind := KindClientFault
	switch {
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		kind = KindTransient
	}
	if len(body) > 300 {
		body = body[:300]
	}
	return &AdapterError{Kind: kind, Source: source, Status: status, Message: body}
}

// FromTransport klassifiziert Fehler des HTTP-Clients. Ein Abbruch durch den
// Aufrufer ist eine ClientFault, damit er nicht wiederholt wird.
func FromTransport(source string, err error) *AdapterError {
	if errors.Is(err, context.Canceled) {
		return NewAdapterError(KindClientFault, source, "request cancelled", err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return NewAdapterError(KindTransient, source, "request timed out", err)
	}
	return NewAdapterError(KindTransient, source, "transport failure", err)
}

// KindOf liefert die Fehlerklasse. Unbekannte Fehler gelten als transient.
func KindOf(err error) ErrorKind {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindTransient
}

// IsRetryable meldet, ob sich ein erneuter Versuch lohnt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == KindTransient
}

// IsNotFound meldet, ob die Quelle "kein Treffer" signalisiert hat.
func IsNotFound(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Kind == KindNotFound
}
