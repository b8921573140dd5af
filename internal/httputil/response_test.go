package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSONError(rec, http.StatusBadRequest, "test error")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %s, want application/json", ct)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp["error"] != "test error" {
		t.Errorf("error = %s, want 'test error'", resp["error"])
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	data := map[string]string{"message": "hello"}
	WriteJSON(rec, http.StatusCreated, data)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp["message"] != "hello" {
		t.Errorf("message = %s, want 'hello'", resp["message"])
	}
}

func TestWriteJSONOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	data := map[string]int{"count": 42}
	WriteJSONOK(rec, data)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp["count"] != 42 {
		t.Errorf("count = %d, want 42", resp["count"])
	}
}

func TestStatusHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		write func(http.ResponseWriter)
		want  int
	}{
		{"method not allowed", MethodNotAllowed, http.StatusMethodNotAllowed},
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "invalid input") }, http.StatusBadRequest},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "boom") }, http.StatusInternalServerError},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "no such thing") }, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

var (
	errMissing = errors.New("missing")
	errBusy    = errors.New("busy")
)

func TestWriteError(t *testing.T) {
	t.Parallel()

	rules := []StatusRule{
		{Err: errMissing, Status: http.StatusNotFound},
		{Err: errBusy, Status: http.StatusConflict},
	}
	tests := []struct {
		err  error
		want int
	}{
		{errMissing, http.StatusNotFound},
		{fmt.Errorf("send: %w", errBusy), http.StatusConflict},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		WriteError(rec, tt.err, rules...)
		if rec.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.want)
		}
		var resp map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp["error"] != tt.err.Error() {
			t.Errorf("error = %q, want %q", resp["error"], tt.err.Error())
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	type body struct {
		Name string `json:"name"`
	}
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: `{"name":"tv"}`, want: "tv"},
		{in: ``, wantErr: true},
		{in: `{"name":`, wantErr: true},
		{in: `{"nmae":"tv"}`, wantErr: true},
		{in: `{"name":"tv"} {}`, wantErr: true},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.in))
		var got body
		err := DecodeJSON(httptest.NewRecorder(), req, &got)
		if (err != nil) != tt.wantErr {
			t.Errorf("DecodeJSON(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got.Name != tt.want {
			t.Errorf("DecodeJSON(%q) name = %q, want %q", tt.in, got.Name, tt.want)
		}
	}
}

func TestDecodeJSON_BodyTooLarge(t *testing.T) {
	t.Parallel()

	big := `{"name":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
	var v map[string]string
	if err := DecodeJSON(httptest.NewRecorder(), req, &v); err == nil {
		t.Fatal("expected error for oversized body")
	}
}
