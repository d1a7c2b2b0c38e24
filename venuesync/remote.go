// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// RemoteClient is the stateless protocol client for the remote venue API.
// It absorbs the upstream's heterogeneous response shapes and returns the
// canonical CallResult / RemoteRecord / ChangePage types to the reconciler.
type RemoteClient struct {
	BaseURL string
	HTTP    *http.Client
	Token   func(context.Context) (string, error)
	logger  *slog.Logger
}

// NewRemoteClient creates a remote client with the default 30s call timeout.
func NewRemoteClient(baseURL string, token func(context.Context) (string, error), logger *slog.Logger) *RemoteClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Token:   token,
		logger:  logger,
	}
}

// IsOnline probes the remote health endpoint with a short timeout. When it
// reports false the reconciler leaves the pending queue untouched.
func (c *RemoteClient) IsOnline(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < http.StatusInternalServerError
}

// CreateVenue uploads a new venue. The idempotency key lets the server
// deduplicate a retried create so exactly one remote record results.
func (c *RemoteClient) CreateVenue(ctx context.Context, curatorID string, payload json.RawMessage, idemKey string) (*CallResult, error) {
	body, err := wrapUploadBody(curatorID, payload)
	if err != nil {
		return nil, err
	}
	respBody, err := c.do(ctx, "create", http.MethodPost, c.BaseURL+"/venues", body, idemKey, nil)
	if err != nil {
		return nil, err
	}
	return normalizeMutationResponse(OpCreate, respBody)
}

// UpdateVenue uploads an edit of a synced venue with optimistic concurrency:
// the server rejects the call with a conflict when its version moved past
// expectedVersion.
func (c *RemoteClient) UpdateVenue(ctx context.Context, remoteID int64, curatorID string, payload json.RawMessage, expectedVersion int64, idemKey string) (*CallResult, error) {
	body, err := wrapUploadBody(curatorID, payload)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{"If-Match": strconv.FormatInt(expectedVersion, 10)}
	respBody, err := c.do(ctx, "update", http.MethodPut,
		fmt.Sprintf("%s/venues/%d", c.BaseURL, remoteID), body, idemKey, headers)
	if err != nil {
		return nil, err
	}
	return normalizeMutationResponse(OpUpdate, respBody)
}

// DeleteVenue removes a venue remotely. A 404 counts as success so that a
// retried delete stays idempotent.
func (c *RemoteClient) DeleteVenue(ctx context.Context, remoteID int64, idemKey string) (*CallResult, error) {
	respBody, err := c.do(ctx, "delete", http.MethodDelete,
		fmt.Sprintf("%s/venues/%d", c.BaseURL, remoteID), nil, idemKey, nil)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) && ve.StatusCode == http.StatusNotFound {
			return &CallResult{Status: CallOK}, nil
		}
		return nil, err
	}
	return normalizeMutationResponse(OpDelete, respBody)
}

// GetVenue fetches the current server state of a record.
func (c *RemoteClient) GetVenue(ctx context.Context, remoteID int64) (*RemoteRecord, error) {
	respBody, err := c.do(ctx, "get", http.MethodGet,
		fmt.Sprintf("%s/venues/%d", c.BaseURL, remoteID), nil, "", nil)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return normalizeRecordResponse("get", respBody)
}

// FindByDedupKey looks a record up by its composite natural key. Used by
// conflict resolution when the local side has no remote id yet.
func (c *RemoteClient) FindByDedupKey(ctx context.Context, dedupKey string) (*RemoteRecord, error) {
	u := c.BaseURL + "/venues/lookup?dedup_key=" + url.QueryEscape(dedupKey)
	respBody, err := c.do(ctx, "get", http.MethodGet, u, nil, "", nil)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return normalizeRecordResponse("get", respBody)
}

// ListChangedSince pages through remote records changed since the cursor.
// An empty cursor starts from the beginning of the change feed.
func (c *RemoteClient) ListChangedSince(ctx context.Context, cursor string, limit int) (*ChangePage, error) {
	u := fmt.Sprintf("%s/venues/changes?limit=%d", c.BaseURL, limit)
	if cursor != "" {
		u += "&cursor=" + url.QueryEscape(cursor)
	}
	respBody, err := c.do(ctx, "list", http.MethodGet, u, nil, "", nil)
	if err != nil {
		return nil, err
	}
	return normalizeChangePage(respBody)
}

// do performs one HTTP call and classifies failures into the error taxonomy.
// Transport errors and timeouts become NetworkError (retryable); HTTP error
// statuses are classified by classifyStatus.
func (c *RemoteClient) do(ctx context.Context, op, method, url string, body []byte, idemKey string, headers map[string]string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return nil, &AuthError{Message: fmt.Sprintf("failed to obtain token: %v", err)}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, c.classifyStatus(op, resp, respBody)
	}
	return respBody, nil
}

// classifyStatus maps an HTTP error response onto the error taxonomy that
// drives the reconciler's retry policy.
func (c *RemoteClient) classifyStatus(op string, resp *http.Response, body []byte) error {
	msg := errorMessage(body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{StatusCode: resp.StatusCode, Message: msg}
	case resp.StatusCode == http.StatusConflict:
		return &ConflictError{Message: msg, Record: tryParseConflictRecord(body)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &QuotaExceededError{Message: msg, RetryAfter: resp.Header.Get("Retry-After")}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &NetworkError{Op: op, Err: fmt.Errorf("server returned status %d: %s", resp.StatusCode, msg)}
	default:
		return &ValidationError{StatusCode: resp.StatusCode, Message: msg}
	}
}

// wrapUploadBody attaches the owning curator to the payload snapshot.
func wrapUploadBody(curatorID string, payload json.RawMessage) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("failed to parse payload snapshot: %w", err)
	}
	fields["curator_id"] = curatorID
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upload body: %w", err)
	}
	return body, nil
}

// errorMessage pulls a human-readable message out of an error body, falling
// back to the raw body.
func errorMessage(body []byte) string {
	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil {
		if errResp.Message != "" {
			return errResp.Message
		}
		if errResp.Error != "" {
			return errResp.Error
		}
	}
	return string(body)
}

// notFoundOr converts a 404 validation error into ErrNotFound, leaving every
// other error untouched.
func notFoundOr(err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) && ve.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}
