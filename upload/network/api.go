package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

type initUploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`
	TeamID      string `json:"teamId,omitempty"`
	Multipart   bool   `json:"multipart"`
}

type initUploadResponse struct {
	// Multipart sessions
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
	PartSize int64  `json:"partSize"`
	// Direct sessions
	PutURL  string `json:"putUrl"`
	VideoID string `json:"videoId"`
}

type signPartRequest struct {
	Key        string `json:"key"`
	UploadID   string `json:"uploadId"`
	PartNumber int    `json:"partNumber"`
}

type signPartResponse struct {
	URL string `json:"url"`
}

type completedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
}

type completeMultipartRequest struct {
	Key              string          `json:"key"`
	UploadID         string          `json:"uploadId"`
	Parts            []completedPart `json:"parts"`
	OriginalFilename string          `json:"originalFilename"`
	ContentType      string          `json:"contentType"`
	SizeBytes        int64           `json:"sizeBytes"`
	TeamID           string          `json:"teamId,omitempty"`
}

type completeMultipartResponse struct {
	VideoID string `json:"videoId"`
}

type putCompleteRequest struct {
	Key         string `json:"key"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
	TeamID      string `json:"teamId,omitempty"`
}

type cancelUploadRequest struct {
	Key      string `json:"key,omitempty"`
	UploadID string `json:"uploadId,omitempty"`
	VideoID  string `json:"videoId,omitempty"`
}

type apiClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

func newAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) apiClient {
	return apiClient{
		httpClient:  client,
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

func (c apiClient) initUpload(ctx context.Context, requestBody initUploadRequest) (initUploadResponse, error) {
	var response initUploadResponse
	err := c.postJSON(ctx, fmt.Sprintf("%s/uploads/init", c.baseURL), requestBody, &response)
	return response, err
}

// signPart requests a fresh pre-signed URL for one part. URLs are short-lived,
// so callers must sign immediately before the PUT, never in bulk.
func (c apiClient) signPart(ctx context.Context, requestBody signPartRequest) (signPartResponse, error) {
	var response signPartResponse
	err := c.postJSON(ctx, fmt.Sprintf("%s/uploads/sign", c.baseURL), requestBody, &response)
	return response, err
}

func (c apiClient) completeMultipart(ctx context.Context, requestBody completeMultipartRequest) (completeMultipartResponse, error) {
	var response completeMultipartResponse
	err := c.postJSON(ctx, fmt.Sprintf("%s/uploads/complete", c.baseURL), requestBody, &response)
	return response, err
}

func (c apiClient) putComplete(ctx context.Context, requestBody putCompleteRequest) error {
	return c.postJSON(ctx, fmt.Sprintf("%s/uploads/put-complete", c.baseURL), requestBody, nil)
}

func (c apiClient) cancelUpload(ctx context.Context, requestBody cancelUploadRequest) error {
	return c.postJSON(ctx, fmt.Sprintf("%s/uploads/cancel", c.baseURL), requestBody, nil)
}

// proxyUpload pushes the object bytes through the metadata service itself.
// Fallback for when pre-signing is unavailable or the signed PUT failed.
func (c apiClient) proxyUpload(ctx context.Context, key string, contentType string, data []byte) error {
	url := fmt.Sprintf("%s/uploads/proxy?key=%s", c.baseURL, key)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, data)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}
	return nil
}

func (c apiClient) releaseLock(ctx context.Context, holderID string) error {
	url := fmt.Sprintf("%s/uploads/lock/release?holderId=%s", c.baseURL, holderID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}
	return nil
}

func (c apiClient) cleanupLocks(ctx context.Context) error {
	return c.postJSON(ctx, fmt.Sprintf("%s/uploads/lock/cleanup", c.baseURL), struct{}{}, nil)
}

func (c apiClient) postJSON(ctx context.Context, url string, requestBody interface{}, response interface{}) error {
	body, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}

	if response == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(response)
}

func (c apiClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
