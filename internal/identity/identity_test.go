package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/dmnotify/internal/model"
	"github.com/hitoshi/dmnotify/internal/repository"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// mockUserRepo はUserRepositoryのモック。
type mockUserRepo struct {
	findByIDFn func(ctx context.Context, id string) (*model.User, error)
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return m.findByIDFn(ctx, id)
}

var _ repository.UserRepository = (*mockUserRepo)(nil)

func TestStoreResolver_ResolveUser(t *testing.T) {
	storeErr := errors.New("connection refused")

	tests := []struct {
		name     string
		user     *model.User
		err      error
		wantCode string
	}{
		{name: "存在するユーザー", user: &model.User{ID: "alice", Name: "Alice"}},
		{name: "存在しないユーザーはNotFound", wantCode: model.ErrCodeUserNotFound},
		{name: "ストア障害はUnavailable", err: storeErr, wantCode: model.ErrCodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewStoreResolver(&mockUserRepo{
				findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
					return tt.user, tt.err
				},
			})

			got, err := r.ResolveUser(context.Background(), "alice")
			if tt.wantCode != "" {
				if !model.IsCode(err, tt.wantCode) {
					t.Fatalf("エラーコード不一致: got %v, want %s", err, tt.wantCode)
				}
				if tt.err != nil && !errors.Is(err, tt.err) {
					t.Errorf("元のエラーをUnwrapできるべき: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("予期しないエラー: %v", err)
			}
			if got.Name != "Alice" {
				t.Errorf("Name = %q, want Alice", got.Name)
			}
		})
	}
}

func TestHTTPClient_ResolveUser_OK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/alice" {
			t.Errorf("パス = %s, want /users/alice", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":         "alice",
			"name":       "Alice",
			"avatar_url": "https://cdn.example.com/a.png",
			"is_online":  true,
		})
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewHTTPClient(server.Client(), server.URL+"/", newTestLogger(&buf))

	user, err := c.ResolveUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ResolveUser がエラーを返した: %v", err)
	}
	if user.Name != "Alice" || user.AvatarURL != "https://cdn.example.com/a.png" || !user.IsOnline {
		t.Errorf("プロフィール不一致: %+v", user)
	}
}

func TestHTTPClient_ResolveUser_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewHTTPClient(server.Client(), server.URL, newTestLogger(&buf))

	_, err := c.ResolveUser(context.Background(), "ghost")
	if !model.IsCode(err, model.ErrCodeUserNotFound) {
		t.Fatalf("404はUSER_NOT_FOUNDになるべき: got %v", err)
	}
}

func TestHTTPClient_ResolveUser_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewHTTPClient(server.Client(), server.URL, newTestLogger(&buf))

	_, err := c.ResolveUser(context.Background(), "alice")
	if !model.IsCode(err, model.ErrCodeUnavailable) {
		t.Fatalf("5xxはUNAVAILABLEになるべき: got %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("ユーザーAPIがエラーステータスを返しました")) {
		t.Errorf("エラーログが出力されるべき: %s", buf.String())
	}
}

func TestHTTPClient_ResolveUser_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewHTTPClient(server.Client(), server.URL, newTestLogger(&buf))

	_, err := c.ResolveUser(context.Background(), "alice")
	if !model.IsCode(err, model.ErrCodeUnavailable) {
		t.Fatalf("不正なJSONはUNAVAILABLEになるべき: got %v", err)
	}
}

func TestHTTPClient_ResolveUser_EscapesID(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.Write([]byte(`{"name":"X"}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewHTTPClient(server.Client(), server.URL, newTestLogger(&buf))

	user, err := c.ResolveUser(context.Background(), "a/b")
	if err != nil {
		t.Fatalf("ResolveUser がエラーを返した: %v", err)
	}
	if gotPath != "/users/a%2Fb" {
		t.Errorf("IDはパスエスケープされるべき: got %s", gotPath)
	}
	if user.ID != "a/b" {
		t.Errorf("IDが空のレスポンスでは要求したIDを補うべき: got %q", user.ID)
	}
}
