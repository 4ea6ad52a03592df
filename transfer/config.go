package transfer

import (
	"net/http"
	"time"
)

// Config holds configuration for the transfer client.
type Config struct {
	// HTTPClient is the client used for PUTs. If nil, DefaultHTTPClient()
	// is used. Pre-signed PUTs must not go through an auto-retrying client:
	// retries are owned by the callers, which track offsets and ETags.
	HTTPClient *http.Client

	// RequestTimeout bounds a single PUT. Timeouts surface as TransportError
	// so callers can retry them. Default: 60 seconds.
	RequestTimeout time.Duration
}

const defaultRequestTimeout = 60 * time.Second

// DefaultHTTPClient creates an HTTP client tuned for parallel range PUTs.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No client-level timeout, per-request deadlines come from context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}
