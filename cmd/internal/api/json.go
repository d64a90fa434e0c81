package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"chatsync/cmd/internal/wire"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// decodeRecord reads one JSON object in either field convention and returns
// it with canonical names. An empty body yields an empty record.
func decodeRecord(w http.ResponseWriter, r *http.Request, maxBytes int64) (wire.Record, error) {
	if r.Body == nil {
		return wire.Record{}, nil
	}
	defer func() { _ = r.Body.Close() }()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		return nil, &wire.FormatError{Field: "body", Reason: err.Error()}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return wire.Record{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec wire.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, &wire.FormatError{Field: "body", Reason: err.Error()}
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, &wire.FormatError{Field: "body", Reason: "extra data after JSON object"}
	}
	return wire.Canonical(rec)
}

// queryRecord turns single-valued query parameters into a canonical record.
func queryRecord(q url.Values) (wire.Record, error) {
	rec := make(wire.Record, len(q))
	for k, vs := range q {
		if len(vs) != 1 {
			return nil, &wire.FormatError{Field: k, Reason: "repeated query parameter"}
		}
		rec[k] = vs[0]
	}
	return wire.Canonical(rec)
}
