package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	authservice "github.com/openkoi/koi/internal/auth/service"
	"github.com/openkoi/koi/internal/common/cache"
	"github.com/openkoi/koi/internal/judge/repository"
)

type gatewayFixture struct {
	status  repository.StatusChannel
	manager *authservice.TokenManager
	wsURL   string
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	status := repository.NewStatusChannel(c)
	manager := authservice.NewTokenManager([]byte("test-secret"), "", time.Hour)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws/submissions/:id", NewGateway(manager, status).Watch)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &gatewayFixture{
		status:  status,
		manager: manager,
		wsURL:   "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/submissions/",
	}
}

func (f *gatewayFixture) dial(t *testing.T, submissionID, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL+submissionID+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func (f *gatewayFixture) token(t *testing.T) string {
	t.Helper()
	token, _, err := f.manager.IssueAccessToken(42, "user")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestWatchRejectsInvalidToken(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "5", "not-a-token")

	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != CloseInvalidToken {
		t.Fatalf("expected close code %d, got %d", CloseInvalidToken, closeErr.Code)
	}
}

func TestWatchClosesAfterTerminalSnapshot(t *testing.T) {
	f := newGatewayFixture(t)
	snapshot := map[string]interface{}{
		"submission_id": int64(7),
		"status":        "accepted",
		"passed":        true,
	}
	if err := f.status.Publish(context.Background(), 7, snapshot); err != nil {
		t.Fatalf("publish snapshot: %v", err)
	}

	conn := f.dial(t, "7", f.token(t))

	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if got["status"] != "accepted" {
		t.Fatalf("expected accepted snapshot, got %v", got["status"])
	}

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestWatchForwardsUpdatesUntilTerminal(t *testing.T) {
	f := newGatewayFixture(t)
	running := map[string]interface{}{"submission_id": int64(9), "status": "running"}
	if err := f.status.Publish(context.Background(), 9, running); err != nil {
		t.Fatalf("publish running: %v", err)
	}

	conn := f.dial(t, "9", f.token(t))

	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if !strings.Contains(string(payload), `"running"`) {
		t.Fatalf("expected running snapshot, got %s", payload)
	}

	// Publishing can race the server setting up its subscription; keep
	// publishing until the forwarded verdict arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		verdict := map[string]interface{}{
			"submission_id": int64(9),
			"status":        "wrong_answer",
			"passed":        false,
			"passed_count":  1,
			"total_count":   3,
		}
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = f.status.Publish(context.Background(), 9, verdict)
			}
		}
	}()

	var sawVerdict bool
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			if !ok || closeErr.Code != websocket.CloseNormalClosure {
				t.Fatalf("expected normal closure, got %v", err)
			}
			break
		}
		if strings.Contains(string(payload), `"wrong_answer"`) {
			sawVerdict = true
		}
	}
	if !sawVerdict {
		t.Fatalf("never received the terminal verdict")
	}
}

// fakeStatusChannel records the order of Subscribe and Snapshot calls
// and delivers updates that were published before the snapshot read
// only through the subscription, never through the snapshot.
type fakeStatusChannel struct {
	mu       sync.Mutex
	calls    []string
	snapshot string
	pending  []string
}

func (c *fakeStatusChannel) Publish(context.Context, int64, interface{}) error { return nil }

func (c *fakeStatusChannel) Snapshot(context.Context, int64) (string, bool, error) {
	c.mu.Lock()
	c.calls = append(c.calls, "snapshot")
	c.mu.Unlock()
	return c.snapshot, c.snapshot != "", nil
}

func (c *fakeStatusChannel) Subscribe(context.Context, int64) (cache.Subscription, error) {
	c.mu.Lock()
	c.calls = append(c.calls, "subscribe")
	c.mu.Unlock()
	ch := make(chan cache.Message, len(c.pending))
	for _, payload := range c.pending {
		ch <- cache.Message{Payload: payload}
	}
	return &fakeSubscription{ch: ch}, nil
}

type fakeSubscription struct {
	ch chan cache.Message
}

func (s *fakeSubscription) Channel() <-chan cache.Message { return s.ch }
func (s *fakeSubscription) Close() error                  { return nil }

// A verdict published while the viewer is connecting must not vanish:
// the gateway subscribes before it reads the snapshot, so an update
// that raced past the snapshot is already queued on the subscription.
func TestWatchDeliversVerdictRacingTheSnapshot(t *testing.T) {
	status := &fakeStatusChannel{
		snapshot: `{"submission_id":11,"status":"running"}`,
		pending:  []string{`{"submission_id":11,"status":"accepted","passed":true}`},
	}
	manager := authservice.NewTokenManager([]byte("test-secret"), "", time.Hour)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws/submissions/:id", NewGateway(manager, status).Watch)
	server := httptest.NewServer(router)
	defer server.Close()

	token, _, err := manager.IssueAccessToken(42, "user")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/submissions/11?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if !strings.Contains(string(payload), `"running"`) {
		t.Fatalf("expected running snapshot, got %s", payload)
	}

	_, payload, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read queued verdict: %v", err)
	}
	if !strings.Contains(string(payload), `"accepted"`) {
		t.Fatalf("expected queued verdict, got %s", payload)
	}

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("expected normal closure, got %v", err)
	}

	status.mu.Lock()
	calls := append([]string(nil), status.calls...)
	status.mu.Unlock()
	if len(calls) < 2 || calls[0] != "subscribe" || calls[1] != "snapshot" {
		t.Fatalf("expected subscribe before snapshot, got %v", calls)
	}
}

func TestWatchRejectsBadSubmissionID(t *testing.T) {
	f := newGatewayFixture(t)
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL+"abc?token="+f.token(t), nil)
	if err == nil {
		t.Fatalf("expected dial to fail for a bad id")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("expected HTTP 400, got %+v", resp)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
}
