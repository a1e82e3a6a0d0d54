package providers

import (
	"net/http"
	"time"
)

// UserAgent wird bei jeder Anfrage an eine Registry gesendet.
const UserAgent = "drugnet/1.0 (+https://github.com/drugnet/drugnet)"

// userAgentTransport fügt jeder Anfrage den User-Agent-Header hinzu.
type userAgentTransport struct {
	next http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", UserAgent)
	return t.next.RoundTrip(req)
}

// NewHTTPClient erstellt den HTTP-Client für die Adapter.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &userAgentTransport{next: http.DefaultTransport},
	}
}
