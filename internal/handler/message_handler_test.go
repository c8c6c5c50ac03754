package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/dmnotify/internal/messaging"
	"github.com/hitoshi/dmnotify/internal/model"
)

type mockMessageService struct {
	sendFn     func(ctx context.Context, in messaging.SendInput) (*model.Message, error)
	listFn     func(ctx context.Context, conversationID string, opts messaging.ListOptions) ([]*model.Message, error)
	markReadFn func(ctx context.Context, conversationID, readerID string) (int, error)
}

func (m *mockMessageService) Send(ctx context.Context, in messaging.SendInput) (*model.Message, error) {
	if m.sendFn != nil {
		return m.sendFn(ctx, in)
	}
	return nil, nil
}

func (m *mockMessageService) List(ctx context.Context, conversationID string, opts messaging.ListOptions) ([]*model.Message, error) {
	if m.listFn != nil {
		return m.listFn(ctx, conversationID, opts)
	}
	return nil, nil
}

func (m *mockMessageService) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	if m.markReadFn != nil {
		return m.markReadFn(ctx, conversationID, readerID)
	}
	return 0, nil
}

func TestMessageHandler_Send_Success(t *testing.T) {
	svc := &mockMessageService{
		sendFn: func(ctx context.Context, in messaging.SendInput) (*model.Message, error) {
			if in.ConversationID != "c1" || in.SenderID != "alice" || in.Content != "hi" {
				t.Errorf("input = %+v", in)
			}
			return &model.Message{
				ID: "m1", Seq: 1, ConversationID: "c1", SenderID: "alice", ReceiverID: "bob",
				Content: "hi", CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			}, nil
		},
	}
	h := NewMessageHandler(svc)

	w := httptest.NewRecorder()
	h.SendMessage(w, jsonRequest(t, http.MethodPost, "/api/messages",
		map[string]string{"conversation_id": "c1", "sender_id": "alice", "content": "hi"}))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	body := decodeBody[map[string]any](t, w)
	if body["receiver_id"] != "bob" || body["read"] != false || body["seq"].(float64) != 1 {
		t.Errorf("unexpected body: %v", body)
	}
	if _, ok := body["attachment_url"]; ok {
		t.Error("添付なしの場合attachment_urlは省略されるべき")
	}
}

func TestMessageHandler_Send_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		authUser   string
		svcErr     error
		wantStatus int
		wantCode   string
	}{
		{"会話IDなし", map[string]string{"sender_id": "alice", "content": "hi"}, "", nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"添付URLの形式不正", map[string]string{"conversation_id": "c1", "sender_id": "alice", "attachment_url": "not a url"}, "", nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"空のメッセージ", map[string]string{"conversation_id": "c1", "sender_id": "alice"}, "", model.NewEmptyContentError(), http.StatusBadRequest, model.ErrCodeEmptyContent},
		{"参加者でない", map[string]string{"conversation_id": "c1", "sender_id": "mallory", "content": "x"}, "", model.NewNotParticipantError("mallory"), http.StatusBadRequest, model.ErrCodeNotParticipant},
		{"会話が存在しない", map[string]string{"conversation_id": "c9", "sender_id": "alice", "content": "x"}, "", model.NewConversationNotFoundError("c9"), http.StatusNotFound, model.ErrCodeConversationNotFound},
		{"カウンタ更新失敗", map[string]string{"conversation_id": "c1", "sender_id": "alice", "content": "x"}, "", model.NewUnavailableError(errors.New("deadlock")), http.StatusServiceUnavailable, model.ErrCodeUnavailable},
		{"なりすまし", map[string]string{"conversation_id": "c1", "sender_id": "alice", "content": "x"}, "bob", nil, http.StatusForbidden, model.ErrCodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockMessageService{
				sendFn: func(ctx context.Context, in messaging.SendInput) (*model.Message, error) {
					if tt.svcErr == nil {
						t.Fatal("サービスは呼ばれないべき")
					}
					return nil, tt.svcErr
				},
			}
			h := NewMessageHandler(svc)

			req := jsonRequest(t, http.MethodPost, "/api/messages", tt.body)
			if tt.authUser != "" {
				req = withUserID(req, tt.authUser)
			}
			w := httptest.NewRecorder()
			h.SendMessage(w, req)

			assertErrorCode(t, w, tt.wantStatus, tt.wantCode)
		})
	}
}

func TestMessageHandler_List(t *testing.T) {
	var gotOpts messaging.ListOptions
	svc := &mockMessageService{
		listFn: func(ctx context.Context, conversationID string, opts messaging.ListOptions) ([]*model.Message, error) {
			gotOpts = opts
			return []*model.Message{{ID: "m2", Seq: 2}, {ID: "m3", Seq: 3}}, nil
		},
	}
	h := NewMessageHandler(svc)

	w := httptest.NewRecorder()
	h.ListMessages(w, httptest.NewRequest(http.MethodGet, "/api/messages?conversation_id=c1&after_seq=1&limit=10", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotOpts.AfterSeq != 1 || gotOpts.Limit != 10 {
		t.Errorf("opts = %+v, want AfterSeq=1 Limit=10", gotOpts)
	}
	body := decodeBody[[]map[string]any](t, w)
	if len(body) != 2 || body[0]["id"] != "m2" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestMessageHandler_List_Viewer(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		authUser   string
		wantViewer string
		wantStatus int
	}{
		{"未認証でuser_idなし", "/api/messages?conversation_id=c1", "", "", http.StatusOK},
		{"未認証でuser_id指定", "/api/messages?conversation_id=c1&user_id=bob", "", "bob", http.StatusOK},
		{"認証済みは認証ユーザーが閲覧者", "/api/messages?conversation_id=c1", "alice", "alice", http.StatusOK},
		{"認証済みで同じuser_id", "/api/messages?conversation_id=c1&user_id=alice", "alice", "alice", http.StatusOK},
		{"認証済みで他人のuser_id", "/api/messages?conversation_id=c1&user_id=bob", "carol", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			var gotOpts messaging.ListOptions
			svc := &mockMessageService{
				listFn: func(ctx context.Context, conversationID string, opts messaging.ListOptions) ([]*model.Message, error) {
					called = true
					gotOpts = opts
					return nil, nil
				},
			}
			h := NewMessageHandler(svc)

			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.authUser != "" {
				req = withUserID(req, tt.authUser)
			}
			w := httptest.NewRecorder()
			h.ListMessages(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				if called {
					t.Error("サービスを呼んではならない")
				}
				return
			}
			if gotOpts.ViewerID != tt.wantViewer {
				t.Errorf("ViewerID = %q, want %q", gotOpts.ViewerID, tt.wantViewer)
			}
		})
	}
}

func TestMessageHandler_List_InvalidQuery(t *testing.T) {
	h := NewMessageHandler(&mockMessageService{})

	for _, target := range []string{
		"/api/messages",
		"/api/messages?conversation_id=c1&after_seq=abc",
		"/api/messages?conversation_id=c1&limit=1.5",
	} {
		w := httptest.NewRecorder()
		h.ListMessages(w, httptest.NewRequest(http.MethodGet, target, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, w.Code)
		}
	}
}

func TestMessageHandler_MarkRead(t *testing.T) {
	svc := &mockMessageService{
		markReadFn: func(ctx context.Context, conversationID, readerID string) (int, error) {
			if readerID != "bob" {
				return 0, model.NewNotParticipantError(readerID)
			}
			return 3, nil
		},
	}
	h := NewMessageHandler(svc)

	w := httptest.NewRecorder()
	h.MarkRead(w, jsonRequest(t, http.MethodPost, "/api/messages/read", map[string]string{"conversation_id": "c1", "reader_id": "bob"}))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := decodeBody[map[string]int](t, w); body["updated"] != 3 {
		t.Errorf("updated = %d, want 3", body["updated"])
	}

	w = httptest.NewRecorder()
	h.MarkRead(w, jsonRequest(t, http.MethodPost, "/api/messages/read", map[string]string{"conversation_id": "c1", "reader_id": "mallory"}))
	assertErrorCode(t, w, http.StatusBadRequest, model.ErrCodeNotParticipant)
}
