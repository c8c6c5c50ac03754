package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func testRateLimiterConfig(generalBurst, sendBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    generalBurst,
		SendRate:        1,
		SendBurst:       sendBurst,
		CleanupInterval: 1 * time.Minute,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// requestAs はuserIDが空でなければ認証済みユーザーとしてリクエストを発行する。
func requestAs(handler http.Handler, userID, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	if userID != "" {
		req = req.WithContext(ContextWithUserID(req.Context(), userID))
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(5, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		if w := requestAs(handler, "alice", ""); w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	requestAs(handler, "alice", "")
	w := requestAs(handler, "alice", "")

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	retrySeconds, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retrySeconds < 1 {
		t.Errorf("Retry-After = %q, 1以上の秒数であるべき", w.Header().Get("Retry-After"))
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" || body.Category != "system" || body.Message == "" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestRateLimitMiddleware_IsolatesUsers(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	if w := requestAs(handler, "alice", ""); w.Code != http.StatusOK {
		t.Errorf("alice 1回目: status = %d", w.Code)
	}
	if w := requestAs(handler, "alice", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("alice 2回目: status = %d, want 429", w.Code)
	}
	if w := requestAs(handler, "bob", ""); w.Code != http.StatusOK {
		t.Errorf("bobはaliceの制限に影響されない: status = %d", w.Code)
	}
}

// ユーザーIDがない場合はクライアントIPごとに制限する
func TestRateLimitMiddleware_FallsBackToClientIP(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	if w := requestAs(handler, "", "10.0.0.1:5000"); w.Code != http.StatusOK {
		t.Errorf("1回目: status = %d", w.Code)
	}
	if w := requestAs(handler, "", "10.0.0.1:6000"); w.Code != http.StatusTooManyRequests {
		t.Errorf("同じIPの別ポート: status = %d, want 429", w.Code)
	}
	if w := requestAs(handler, "", "10.0.0.2:5000"); w.Code != http.StatusOK {
		t.Errorf("別のIP: status = %d", w.Code)
	}
}

func TestMessageSendMiddleware_IndependentFromGeneral(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(100, 2))
	defer rl.Stop()

	send := rl.MessageSendMiddleware()(okHandler())
	general := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		if w := requestAs(send, "alice", ""); w.Code != http.StatusOK {
			t.Errorf("send %d: status = %d", i, w.Code)
		}
	}
	if w := requestAs(send, "alice", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("送信上限超過: status = %d, want 429", w.Code)
	}
	if w := requestAs(general, "alice", ""); w.Code != http.StatusOK {
		t.Errorf("API全般は影響されない: status = %d", w.Code)
	}
	if rl.SendLimiterCount() != 1 || rl.GeneralLimiterCount() != 1 {
		t.Errorf("limiter count = %d/%d, want 1/1", rl.SendLimiterCount(), rl.GeneralLimiterCount())
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testRateLimiterConfig(5, 5)
	cfg.CleanupInterval = 50 * time.Millisecond

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	requestAs(rl.GeneralMiddleware()(okHandler()), "alice", "")
	if rl.GeneralLimiterCount() == 0 {
		t.Fatal("expected at least one limiter entry")
	}

	// TTLはCleanupIntervalの2倍
	time.Sleep(250 * time.Millisecond)

	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("expected 0 limiter entries after cleanup, got %d", count)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1))
	rl.Stop()
	rl.Stop()
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 { // 120/60
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.SendRate != 1.0 { // 60/60
		t.Errorf("SendRate = %f, want 1.0", cfg.SendRate)
	}
	if cfg.SendBurst != 60 {
		t.Errorf("SendBurst = %d, want 60", cfg.SendBurst)
	}
}
