package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/dmnotify/internal/model"
)

func TestHandleServiceError_MapsCategories(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"入力値エラー", model.NewEmptyContentError(), http.StatusBadRequest, model.ErrCodeEmptyContent},
		{"参加者でない", model.NewNotParticipantError("mallory"), http.StatusBadRequest, model.ErrCodeNotParticipant},
		{"見つからない", model.NewConversationNotFoundError("c1"), http.StatusNotFound, model.ErrCodeConversationNotFound},
		{"競合", model.NewConflictError("k"), http.StatusConflict, model.ErrCodeConflict},
		{"未認証", model.NewUnauthorizedError(), http.StatusUnauthorized, model.ErrCodeUnauthorized},
		{"権限なし", model.NewForbiddenError("no"), http.StatusForbidden, model.ErrCodeForbidden},
		{"一時的な障害", model.NewUnavailableError(errors.New("db down")), http.StatusServiceUnavailable, model.ErrCodeUnavailable},
		{"ラップされたAPIError", errors.Join(errors.New("ctx"), model.NewPostNotFoundError("p1")), http.StatusNotFound, model.ErrCodePostNotFound},
		{"APIError以外", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handleServiceError(w, tt.err)
			assertErrorCode(t, w, tt.wantStatus, tt.wantCode)
		})
	}
}

// 一時的な障害の原因はレスポンスに含めない
func TestHandleServiceError_HidesCause(t *testing.T) {
	w := httptest.NewRecorder()
	handleServiceError(w, model.NewUnavailableError(errors.New("password=secret")))

	if body := w.Body.String(); strings.Contains(body, "secret") {
		t.Errorf("原因がレスポンスに漏れている: %s", body)
	}
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantOK   bool
		wantText string
	}{
		{"正常", `{"conversation_id":"c1","reader_id":"bob"}`, true, ""},
		{"JSON不正", `{"conversation_id":`, false, "解析"},
		{"未知のフィールド", `{"conversation_id":"c1","reader_id":"bob","extra":1}`, false, "解析"},
		{"必須項目なし", `{"conversation_id":"c1"}`, false, "reader_id(required)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req markReadRequest
			w := httptest.NewRecorder()
			ok := decodeRequest(w, jsonRequest(t, http.MethodPost, "/api/messages/read", tt.body), &req)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if tt.wantOK {
				return
			}
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.wantText) {
				t.Errorf("body = %s, want to contain %q", w.Body.String(), tt.wantText)
			}
		})
	}
}
