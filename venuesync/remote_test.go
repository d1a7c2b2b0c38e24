// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestClient(t *testing.T, rt roundTripFunc) *RemoteClient {
	t.Helper()
	c := NewRemoteClient("http://remote.test", nil, testLogger())
	c.HTTP = &http.Client{Transport: rt}
	return c
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestCreateVenueRequestShape(t *testing.T) {
	var captured *http.Request
	var sentBody map[string]any
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		captured = r
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &sentBody))
		return jsonResponse(201, `{"id": 42, "version": 1}`), nil
	})
	client.Token = func(context.Context) (string, error) { return "tok-1", nil }

	payload := json.RawMessage(`{"name": "Le Petit Bistro", "locality": "Lyon"}`)
	res, err := client.CreateVenue(context.Background(), "cur-1", payload, "idem-abc")
	require.NoError(t, err)
	require.Equal(t, int64(42), res.RemoteID)
	require.Equal(t, int64(1), res.RemoteVersion)

	require.Equal(t, http.MethodPost, captured.Method)
	require.Equal(t, "/venues", captured.URL.Path)
	require.Equal(t, "idem-abc", captured.Header.Get("Idempotency-Key"))
	require.Equal(t, "Bearer tok-1", captured.Header.Get("Authorization"))
	require.Equal(t, "cur-1", sentBody["curator_id"])
	require.Equal(t, "Le Petit Bistro", sentBody["name"])
}

func TestUpdateVenueSendsIfMatch(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/venues/42", r.URL.Path)
		require.Equal(t, "3", r.Header.Get("If-Match"))
		return jsonResponse(200, `{"success": true, "version": 4}`), nil
	})

	res, err := client.UpdateVenue(context.Background(), 42, "cur-1",
		json.RawMessage(`{"name": "A", "locality": "X"}`), 3, "idem-1")
	require.NoError(t, err)
	require.Equal(t, int64(4), res.RemoteVersion)
}

func TestDeleteVenueNotFoundIsSuccess(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(404, `{"error": "no such venue"}`), nil
	})
	res, err := client.DeleteVenue(context.Background(), 42, "idem-1")
	require.NoError(t, err)
	require.Equal(t, CallOK, res.Status)
}

func TestStatusClassification(t *testing.T) {
	call := func(status int, header http.Header, body string) error {
		client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
			resp := jsonResponse(status, body)
			for k, v := range header {
				resp.Header[k] = v
			}
			return resp, nil
		})
		_, err := client.CreateVenue(context.Background(), "cur-1",
			json.RawMessage(`{"name": "A", "locality": "X"}`), "idem-1")
		return err
	}

	var authErr *AuthError
	require.ErrorAs(t, call(401, nil, `{"error": "token expired"}`), &authErr)
	require.Equal(t, 401, authErr.StatusCode)
	require.ErrorAs(t, call(403, nil, `{}`), &authErr)

	var quotaErr *QuotaExceededError
	err := call(429, http.Header{"Retry-After": []string{"120"}}, `{"message": "slow down"}`)
	require.ErrorAs(t, err, &quotaErr)
	require.Equal(t, "120", quotaErr.RetryAfter)
	require.Equal(t, "slow down", quotaErr.Message)

	var conflictErr *ConflictError
	err = call(409, nil, `{"error": "duplicate", "record": {"id": 7, "name": "A", "locality": "X", "curator_id": "cur-1"}}`)
	require.ErrorAs(t, err, &conflictErr)
	require.NotNil(t, conflictErr.Record)
	require.Equal(t, int64(7), conflictErr.Record.RemoteID)

	var valErr *ValidationError
	require.ErrorAs(t, call(422, nil, `{"message": "name required"}`), &valErr)
	require.Equal(t, "name required", valErr.Message)

	require.True(t, IsRetryable(call(500, nil, `{}`)))
	require.True(t, IsRetryable(call(503, nil, ``)))
	require.False(t, IsRetryable(call(422, nil, `{}`)))
}

func TestTransportErrorIsRetryable(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	_, err := client.GetVenue(context.Background(), 42)
	require.True(t, IsRetryable(err))
}

func TestGetVenueNotFound(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(404, `{"error": "gone"}`), nil
	})
	_, err := client.GetVenue(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIsOnline(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		require.Equal(t, "/healthz", r.URL.Path)
		return jsonResponse(200, `{}`), nil
	})
	require.True(t, client.IsOnline(context.Background()))

	client = newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("no route to host")
	})
	require.False(t, client.IsOnline(context.Background()))

	client = newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(503, ``), nil
	})
	require.False(t, client.IsOnline(context.Background()))
}
