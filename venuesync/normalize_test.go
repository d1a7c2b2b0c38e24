// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeMutationResponseShapes(t *testing.T) {
	cases := []struct {
		name string
		kind OpKind
		body string
		id   int64
		ver  int64
	}{
		{"flat id", OpCreate, `{"id": 42}`, 42, 0},
		{"legacy venue_id", OpCreate, `{"venue_id": 42}`, 42, 0},
		{"string id", OpCreate, `{"id": "42"}`, 42, 0},
		{"wrapped data", OpCreate, `{"data": {"id": 42, "version": 3}}`, 42, 3},
		{"wrapped venue", OpCreate, `{"venue": {"remote_id": 42}}`, 42, 0},
		{"same id twice", OpCreate, `{"id": 42, "data": {"venue_id": 42}}`, 42, 0},
		{"status string plus id", OpCreate, `{"status": "created", "id": 42}`, 42, 0},
		{"update with version only", OpUpdate, `{"success": true, "version": 7}`, 0, 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := normalizeMutationResponse(tc.kind, []byte(tc.body))
			require.NoError(t, err)
			require.Equal(t, tc.id, res.RemoteID)
			require.Equal(t, tc.ver, res.RemoteVersion)
			require.Equal(t, CallOK, res.Status)
		})
	}
}

func TestNormalizeMutationResponseBareAck(t *testing.T) {
	// Updates and deletes may come back empty; creates must not.
	for _, body := range []string{"", "null", "  "} {
		res, err := normalizeMutationResponse(OpUpdate, []byte(body))
		require.NoError(t, err)
		require.Equal(t, CallOK, res.Status)

		res, err = normalizeMutationResponse(OpDelete, []byte(body))
		require.NoError(t, err)
		require.Equal(t, CallOK, res.Status)

		_, err = normalizeMutationResponse(OpCreate, []byte(body))
		var ambiguous *AmbiguousResponseError
		require.ErrorAs(t, err, &ambiguous)
	}
}

func TestNormalizeMutationResponseAmbiguous(t *testing.T) {
	cases := []struct {
		name string
		kind OpKind
		body string
	}{
		{"create without id", OpCreate, `{"success": true}`},
		{"conflicting ids", OpUpdate, `{"id": 42, "data": {"id": 43}}`},
		{"unparseable id", OpCreate, `{"id": "forty-two"}`},
		{"success flag false", OpUpdate, `{"success": false, "id": 42}`},
		{"status error", OpUpdate, `{"status": "error", "id": 42}`},
		{"array body", OpCreate, `[42]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := normalizeMutationResponse(tc.kind, []byte(tc.body))
			var ambiguous *AmbiguousResponseError
			require.ErrorAs(t, err, &ambiguous)
			require.NotEmpty(t, ambiguous.Detail)
		})
	}
}

func TestNormalizeRecordResponse(t *testing.T) {
	body := `{"venue": {"id": 7, "curator_id": "cur-1", "version": 2,
		"payload": {"name": "Le Petit Bistro", "locality": "Lyon", "cuisine": "french"}}}`
	rec, err := normalizeRecordResponse("get", []byte(body))
	require.NoError(t, err)
	require.Equal(t, int64(7), rec.RemoteID)
	require.Equal(t, "cur-1", rec.CuratorID)
	require.Equal(t, int64(2), rec.Version)
	require.Equal(t, "Le Petit Bistro", rec.Payload.Name)
	require.Equal(t, "Lyon", rec.Payload.Locality)

	// Flat fields with legacy aliases.
	rec, err = normalizeRecordResponse("get", []byte(`{"remote_id": "9", "curator": "cur-2", "name": "Sushi Dai", "city": "Tokyo"}`))
	require.NoError(t, err)
	require.Equal(t, int64(9), rec.RemoteID)
	require.Equal(t, "cur-2", rec.CuratorID)
	require.Equal(t, "Tokyo", rec.Payload.Locality)

	// A record without a name is unusable.
	_, err = normalizeRecordResponse("get", []byte(`{"id": 9}`))
	var ambiguous *AmbiguousResponseError
	require.ErrorAs(t, err, &ambiguous)
}

func TestNormalizeChangePageAliases(t *testing.T) {
	body := `{"changes": [
		{"id": 1, "curator_id": "c", "name": "A", "locality": "X", "version": 1},
		{"id": 2, "curator_id": "c", "name": "B", "locality": "X", "deleted": true}
	], "cursor": "abc", "has_more": true}`
	page, err := normalizeChangePage([]byte(body))
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Equal(t, "abc", page.NextCursor)
	require.True(t, page.HasMore)
	require.True(t, page.Records[1].Deleted)

	page, err = normalizeChangePage([]byte(`{"records": [], "next_cursor": ""}`))
	require.NoError(t, err)
	require.Empty(t, page.Records)
	require.False(t, page.HasMore)
}

func TestTryParseConflictRecord(t *testing.T) {
	rec := tryParseConflictRecord([]byte(`{"error": "conflict", "record": {"id": 5, "name": "A", "locality": "X", "curator_id": "c"}}`))
	require.NotNil(t, rec)
	require.Equal(t, int64(5), rec.RemoteID)

	require.Nil(t, tryParseConflictRecord([]byte(`{"error": "conflict"}`)))
	require.Nil(t, tryParseConflictRecord([]byte(`not json`)))
}

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(&NetworkError{Op: "create", Err: errors.New("connection refused")}))
	require.False(t, IsRetryable(&ValidationError{Message: "name required"}))
	require.False(t, IsRetryable(&AuthError{StatusCode: 401}))
	require.False(t, IsRetryable(nil))
}
