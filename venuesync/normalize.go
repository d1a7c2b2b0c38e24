// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package venuesync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// The remote API grew across endpoint versions, so the same logical call can
// answer with different shapes: the new id at the top level, nested under a
// wrapper object, under a legacy field name, or not at all (bare success
// flag). This file folds every observed variant into the canonical
// CallResult/RemoteRecord types. A shape that must carry an id but does not
// raises AmbiguousResponseError instead of guessing.

// Field names observed to carry the record id across endpoint versions.
var idKeys = []string{"id", "venue_id", "remote_id"}

// Wrapper objects observed to nest the interesting payload one level down.
var wrapperKeys = []string{"data", "result", "venue", "record"}

// normalizeMutationResponse converts a 2xx create/update/delete body into a
// CallResult. Creates must yield an id; updates and deletes may come back as
// a bare acknowledgement.
func normalizeMutationResponse(kind OpKind, body []byte) (*CallResult, error) {
	op := string(kind)
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if kind == OpCreate {
			return nil, &AmbiguousResponseError{Op: op, Detail: "empty response where an id is required", Body: body}
		}
		return &CallResult{Status: CallOK}, nil
	}

	root, err := decodeObject(trimmed)
	if err != nil {
		return nil, &AmbiguousResponseError{Op: op, Detail: "response is not a JSON object", Body: body}
	}

	if denied, ok := deniedByFlag(root); ok && denied {
		return nil, &AmbiguousResponseError{Op: op, Detail: "success flag is false on a 2xx response", Body: body}
	}

	ids, detail := collectIDs(root, 0)
	if detail != "" {
		return nil, &AmbiguousResponseError{Op: op, Detail: detail, Body: body}
	}
	switch len(ids) {
	case 0:
		if kind == OpCreate {
			return nil, &AmbiguousResponseError{Op: op, Detail: "no id field in create response", Body: body}
		}
		return &CallResult{Status: CallOK, RemoteVersion: collectVersion(root)}, nil
	case 1:
		return &CallResult{RemoteID: ids[0], RemoteVersion: collectVersion(root), Status: CallOK}, nil
	default:
		return nil, &AmbiguousResponseError{
			Op:     op,
			Detail: fmt.Sprintf("conflicting id values %v in response", ids),
			Body:   body,
		}
	}
}

// normalizeRecordResponse converts a record-bearing body (GET, lookup) into a
// RemoteRecord, unwrapping one wrapper level when needed.
func normalizeRecordResponse(op string, body []byte) (*RemoteRecord, error) {
	root, err := decodeObject(bytes.TrimSpace(body))
	if err != nil {
		return nil, &AmbiguousResponseError{Op: op, Detail: "record response is not a JSON object", Body: body}
	}
	obj := root
	if !hasAnyKey(obj, idKeys) {
		for _, wk := range wrapperKeys {
			if sub, ok := obj[wk].(map[string]any); ok && hasAnyKey(sub, idKeys) {
				obj = sub
				break
			}
		}
	}
	rec, err := parseWireRecord(obj)
	if err != nil {
		return nil, &AmbiguousResponseError{Op: op, Detail: err.Error(), Body: body}
	}
	return rec, nil
}

// normalizeChangePage converts a change-listing body into a ChangePage,
// accepting the field aliases the upstream has shipped over time.
func normalizeChangePage(body []byte) (*ChangePage, error) {
	var raw struct {
		Records    []map[string]any `json:"records"`
		Changes    []map[string]any `json:"changes"`
		NextCursor string           `json:"next_cursor"`
		Cursor     string           `json:"cursor"`
		HasMore    bool             `json:"has_more"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, &AmbiguousResponseError{Op: "list", Detail: "change page is not valid JSON", Body: body}
	}
	items := raw.Records
	if items == nil {
		items = raw.Changes
	}
	page := &ChangePage{
		Records:    make([]RemoteRecord, 0, len(items)),
		NextCursor: raw.NextCursor,
		HasMore:    raw.HasMore,
	}
	if page.NextCursor == "" {
		page.NextCursor = raw.Cursor
	}
	for _, item := range items {
		rec, err := parseWireRecord(item)
		if err != nil {
			return nil, &AmbiguousResponseError{Op: "list", Detail: err.Error(), Body: body}
		}
		page.Records = append(page.Records, *rec)
	}
	return page, nil
}

// tryParseConflictRecord extracts the current server record from a 409 body
// when the server chose to include it. Best effort; nil when absent.
func tryParseConflictRecord(body []byte) *RemoteRecord {
	root, err := decodeObject(bytes.TrimSpace(body))
	if err != nil {
		return nil
	}
	if hasAnyKey(root, idKeys) {
		if rec, err := parseWireRecord(root); err == nil {
			return rec
		}
	}
	for _, wk := range wrapperKeys {
		if sub, ok := root[wk].(map[string]any); ok && hasAnyKey(sub, idKeys) {
			if rec, err := parseWireRecord(sub); err == nil {
				return rec
			}
		}
	}
	return nil
}

func decodeObject(body []byte) (map[string]any, error) {
	var root map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&root); err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("null object")
	}
	return root, nil
}

// collectIDs gathers every distinct id value reachable at the root or one
// wrapper level down. A value under an id key that cannot be parsed as an
// integer is reported as a detail string.
func collectIDs(obj map[string]any, depth int) (ids []int64, detail string) {
	for _, key := range idKeys {
		v, ok := obj[key]
		if !ok || v == nil {
			continue
		}
		id, err := parseID(v)
		if err != nil {
			return nil, fmt.Sprintf("unparseable id under %q: %v", key, err)
		}
		if !containsID(ids, id) {
			ids = append(ids, id)
		}
	}
	if depth == 0 {
		for _, wk := range wrapperKeys {
			if sub, ok := obj[wk].(map[string]any); ok {
				nested, d := collectIDs(sub, depth+1)
				if d != "" {
					return nil, d
				}
				for _, id := range nested {
					if !containsID(ids, id) {
						ids = append(ids, id)
					}
				}
			}
		}
	}
	return ids, ""
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// collectVersion pulls the server version out of the response when present.
func collectVersion(obj map[string]any) int64 {
	for _, key := range []string{"version", "server_version"} {
		if v, ok := obj[key]; ok {
			if ver, err := parseID(v); err == nil {
				return ver
			}
		}
	}
	for _, wk := range wrapperKeys {
		if sub, ok := obj[wk].(map[string]any); ok {
			if ver := collectVersion(sub); ver > 0 {
				return ver
			}
		}
	}
	return 0
}

// deniedByFlag reports whether the body carries an explicit success flag and
// whether that flag signals failure.
func deniedByFlag(obj map[string]any) (denied, present bool) {
	for _, key := range []string{"ok", "success"} {
		if v, ok := obj[key].(bool); ok {
			return !v, true
		}
	}
	if s, ok := obj["status"].(string); ok {
		switch s {
		case "error", "failed", "failure":
			return true, true
		default:
			return false, true
		}
	}
	return false, false
}

// parseID accepts the integer encodings seen in the wild: JSON numbers and
// numeric strings.
func parseID(v any) (int64, error) {
	switch val := v.(type) {
	case json.Number:
		return val.Int64()
	case string:
		return strconv.ParseInt(val, 10, 64)
	case float64:
		return int64(val), nil
	default:
		return 0, fmt.Errorf("unsupported id type %T", v)
	}
}

func hasAnyKey(obj map[string]any, keys []string) bool {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return true
		}
	}
	return false
}

// parseWireRecord builds a RemoteRecord from a decoded record object. Domain
// fields may sit flat on the object or nested under "payload"; both are
// accepted, with the nested form winning.
func parseWireRecord(obj map[string]any) (*RemoteRecord, error) {
	ids, detail := collectIDs(obj, 1)
	if detail != "" {
		return nil, fmt.Errorf("record with %s", detail)
	}
	if len(ids) != 1 {
		return nil, fmt.Errorf("record without a usable id (found %d candidates)", len(ids))
	}
	rec := &RemoteRecord{RemoteID: ids[0]}

	rec.CuratorID = stringField(obj, "curator_id", "curator")
	if v, ok := obj["version"]; ok {
		if ver, err := parseID(v); err == nil {
			rec.Version = ver
		}
	}
	if v, ok := obj["deleted"].(bool); ok {
		rec.Deleted = v
	}
	if ts := stringField(obj, "updated_at", "last_modified_at"); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			rec.UpdatedAt = t
		}
	}

	fields := obj
	if sub, ok := obj["payload"].(map[string]any); ok {
		fields = sub
	}
	rec.Payload = VenuePayload{
		Name:     stringField(fields, "name"),
		Locality: stringField(fields, "locality", "city"),
		Address:  stringField(fields, "address"),
		Cuisine:  stringField(fields, "cuisine"),
		Phone:    stringField(fields, "phone"),
		Website:  stringField(fields, "website"),
		Notes:    stringField(fields, "notes"),
	}
	if rec.Payload.Name == "" {
		return nil, fmt.Errorf("record %d without a name", rec.RemoteID)
	}
	return rec, nil
}

func stringField(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
