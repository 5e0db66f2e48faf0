package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/folio/internal/model"
)

// TestWriteErrorResponse_WritesUnifiedFormat は統一エラーフォーマットでレスポンスが書き込まれることを検証する。
func TestWriteErrorResponse_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusBadRequest, ErrorResponseBody{
		Code:    "TEST_ERROR",
		Kind:    "validation",
		Message: "テストエラーです。",
		Action:  "正しい値を入力してください。",
	})

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Code != "TEST_ERROR" {
		t.Errorf("code = %q, want %q", body.Code, "TEST_ERROR")
	}
	if body.Kind != "validation" {
		t.Errorf("kind = %q, want %q", body.Kind, "validation")
	}
	if body.Action != "正しい値を入力してください。" {
		t.Errorf("action = %q, want %q", body.Action, "正しい値を入力してください。")
	}
}

// TestWriteError_MapsKindToStatus はエラー分類がステータスコードに対応付けられることを検証する。
func TestWriteError_MapsKindToStatus(t *testing.T) {
	tests := []struct {
		kind       model.ErrorKind
		statusCode int
	}{
		{model.KindUnauthenticated, http.StatusUnauthorized},
		{model.KindInvalidCredentials, http.StatusUnauthorized},
		{model.KindForbidden, http.StatusForbidden},
		{model.KindNotFound, http.StatusNotFound},
		{model.KindValidation, http.StatusBadRequest},
		{model.KindConflict, http.StatusConflict},
		{model.KindRateLimited, http.StatusTooManyRequests},
		{model.KindTransient, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, model.NewError(tt.kind, "oauth.complete", "test"))

			resp := w.Result()
			if resp.StatusCode != tt.statusCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.statusCode)
			}
			var body ErrorResponseBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if body.Kind != string(tt.kind) {
				t.Errorf("kind = %q, want %q", body.Kind, tt.kind)
			}
			if body.Message != "test" {
				t.Errorf("message = %q, want %q", body.Message, "test")
			}
		})
	}
}

// TestWriteError_UnclassifiedIsInternal は分類のないエラーの詳細が返らないことを検証する。
func TestWriteError_UnclassifiedIsInternal(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errors.New("dial tcp: secret detail"))

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" || body.Kind != "system" {
		t.Errorf("body = %+v", body)
	}
}

// TestInternalServerError_ReturnsSystemError は内部エラーが統一フォーマットで返ることを検証する。
func TestInternalServerError_ReturnsSystemError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteInternalServerError(w)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}

	var raw map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	for _, field := range []string{"code", "kind", "message", "action"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
}
