package httputil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestError(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusTeapot, "short and stout")

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body.Error != "short and stout" {
		t.Errorf("body = %+v, err = %v", body, err)
	}
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		limit      int64
		wantOK     bool
		wantStatus int
	}{
		{name: "valid", body: `{"code":"123456"}`, wantOK: true, wantStatus: http.StatusOK},
		{name: "invalid json", body: `{invalid}`, wantStatus: http.StatusBadRequest},
		{name: "too large", body: `{"code":"` + string(bytes.Repeat([]byte("1"), 64)) + `"}`, limit: 16, wantStatus: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(tt.body))
			if tt.limit > 0 {
				req.Body = http.MaxBytesReader(rec, req.Body, tt.limit)
			}

			var v struct {
				Code string `json:"code"`
			}
			if got := DecodeJSON(rec, req, &v); got != tt.wantOK {
				t.Fatalf("DecodeJSON() = %v, want %v", got, tt.wantOK)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantOK && v.Code != "123456" {
				t.Errorf("decoded code = %q", v.Code)
			}
		})
	}
}

func TestAuthCookies(t *testing.T) {
	rec := httptest.NewRecorder()
	SetAuthCookies(rec, "access", "refresh", 0, 0, DefaultCookieConfig())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}

	if token, ok := GetAccessTokenFromCookie(req); !ok || token != "access" {
		t.Errorf("access cookie = %q, %v", token, ok)
	}
	if token, ok := GetRefreshTokenFromCookie(req); !ok || token != "refresh" {
		t.Errorf("refresh cookie = %q, %v", token, ok)
	}
}
