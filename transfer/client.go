package transfer

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Client performs single byte-range PUTs. All session bookkeeping (offsets,
// part numbers, retries) belongs to the callers.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     log.Logger
}

// NewClient creates a transfer client with the given configuration.
func NewClient(config Config, logger log.Logger) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}
	timeout := config.RequestTimeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}

	return &Client{
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
	}
}

// PutPart uploads one multipart part to a pre-signed URL and returns its ETag.
// A 2xx response without an ETag header is a MissingETagError: the completion
// call cannot reference the part without it.
func (c *Client) PutPart(ctx context.Context, url PutURL, body []byte, onProgress ProgressFunc) (string, error) {
	resp, _, err := c.put(ctx, url, body, "", onProgress)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", rejected(resp)
	}

	etag := resp.header.Get("ETag")
	if etag == "" {
		return "", &MissingETagError{URL: url.URL}
	}
	return etag, nil
}

// PutObject uploads a whole object to a pre-signed URL. No ETag is required.
func (c *Client) PutObject(ctx context.Context, url PutURL, body []byte, onProgress ProgressFunc) error {
	resp, _, err := c.put(ctx, url, body, "", onProgress)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return rejected(resp)
	}
	return nil
}

// PutChunk uploads one chunk of a resumable session with a Content-Range
// header. 2xx and 308 are both success outcomes: 308 means the provider wants
// more bytes and reports its confirmed range in the Range response header.
// A nil body with a "bytes */{total}" range is the offset probe.
func (c *Client) PutChunk(ctx context.Context, url PutURL, body []byte, contentRange string, onProgress ProgressFunc) (PutResult, error) {
	resp, respBody, err := c.put(ctx, url, body, contentRange, onProgress)
	if err != nil {
		return PutResult{}, err
	}
	if resp.StatusCode != http.StatusPermanentRedirect && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return PutResult{}, rejected(resp)
	}

	return PutResult{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Range:      resp.header.Get("Range"),
	}, nil
}

type putResponse struct {
	StatusCode int
	header     http.Header
	bodyHead   string
}

func rejected(resp *putResponse) error {
	return &UploadRejectedError{StatusCode: resp.StatusCode, Body: resp.bodyHead}
}

func (c *Client) put(ctx context.Context, url PutURL, body []byte, contentRange string, onProgress ProgressFunc) (*putResponse, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = &progressReader{reader: bytes.NewReader(body), onProgress: onProgress}
	}

	method := url.Method
	if method == "" {
		method = http.MethodPut
	}

	req, err := http.NewRequestWithContext(reqCtx, method, url.URL, reader)
	if err != nil {
		return nil, nil, &TransportError{Err: err}
	}
	for k, v := range url.Headers {
		req.Header.Set(k, v)
	}
	if contentRange != "" {
		req.Header.Set("Content-Range", contentRange)
	}
	req.ContentLength = int64(len(body))

	c.logger.Debugf("%s %s (%d bytes)", method, url.URL, len(body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, nil, &CancelledError{Err: ctx.Err()}
		}
		// Includes the per-request deadline, which is retryable
		return nil, nil, &TransportError{Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warnf("close response body: %s", err)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, nil, &CancelledError{Err: ctx.Err()}
		}
		return nil, nil, &TransportError{Err: err}
	}

	if ctx.Err() == context.Canceled {
		// The request finished, but the session no longer wants the result
		return nil, nil, &CancelledError{Err: ctx.Err()}
	}

	return &putResponse{
		StatusCode: resp.StatusCode,
		header:     resp.Header,
		bodyHead:   truncateBody(respBody),
	}, respBody, nil
}

const maxErrorBodyBytes = 1024

func truncateBody(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		return string(body[:maxErrorBodyBytes])
	}
	return string(body)
}

type progressReader struct {
	reader     io.Reader
	sent       int64
	onProgress ProgressFunc
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.sent += int64(n)
		if r.onProgress != nil {
			r.onProgress(r.sent)
		}
	}
	return n, err
}
