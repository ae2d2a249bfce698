// internal/api/websocket_test.go
package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func waitForSubscribers(t *testing.T, hub *ProgressHub, jobID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.SubscriberCount(jobID) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriber count for %q never reached %d", jobID, n)
}

func TestProgressHubPublish(t *testing.T) {
	hub := NewProgressHub()

	r := gin.New()
	r.GET("/ws/:job_id", func(c *gin.Context) { hub.Subscribe(c, c.Param("job_id")) })
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/job-1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForSubscribers(t, hub, "job-1", 1)

	other, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/job-2", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer other.Close()
	waitForSubscribers(t, hub, "job-2", 1)

	hub.Publish("job-1", gin.H{"stage": "scene_text", "scene_number": 2})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"scene_text"`) {
		t.Errorf("message = %s", msg)
	}

	// Updates are scoped to the job: the other subscriber gets nothing.
	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("subscriber of another job should not receive the update")
	}
}

func TestProgressHubRemovesDisconnectedClients(t *testing.T) {
	hub := NewProgressHub()

	r := gin.New()
	r.GET("/ws/:job_id", func(c *gin.Context) { hub.Subscribe(c, c.Param("job_id")) })
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/job-1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitForSubscribers(t, hub, "job-1", 1)

	conn.Close()
	waitForSubscribers(t, hub, "job-1", 0)

	// Publishing to a job with no subscribers is a no-op.
	hub.Publish("job-1", gin.H{"stage": "complete"})
}
