// Package transfer implements the low-level byte-range PUT primitive used by
// every upload path: a single request to a pre-signed or session URL with
// progress reporting and a strict error taxonomy. It holds no session state.
package transfer

// PutURL describes a signed destination for a single PUT.
type PutURL struct {
	Method  string
	URL     string
	Headers map[string]string
}

// ProgressFunc is invoked with the cumulative number of bytes sent for the
// current request only.
type ProgressFunc func(sentBytes int64)

// PutResult is the raw outcome of a range PUT against a resumable session.
// StatusCode is either 2xx or 308; anything else is reported as an error.
type PutResult struct {
	StatusCode int
	Body       []byte
	// Range is the value of the Range response header on a 308 response,
	// e.g. "bytes=0-1048575". Empty when the provider confirmed nothing.
	Range string
}
