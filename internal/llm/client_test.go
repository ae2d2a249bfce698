// internal/llm/client_test.go
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/Corphon/StoryWeaver/internal/errors"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	client := NewClient(server.URL, "test-key", "test-model", server.Client())
	return client, server
}

func TestCompleteExtractsResponseShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "message output with nested content",
			body: `{"output":[{"type":"reasoning"},{"type":"message","content":[{"type":"output_text","text":"hello"}]}]}`,
			want: "hello",
		},
		{
			name: "chat completions choices",
			body: `{"choices":[{"message":{"content":"hi there"}}]}`,
			want: "hi there",
		},
		{
			name: "flat content",
			body: `{"content":"flat"}`,
			want: "flat",
		},
		{
			name: "output takes priority over choices",
			body: `{"output":[{"type":"message","content":[{"type":"output_text","text":"primary"}]}],"choices":[{"message":{"content":"secondary"}}]}`,
			want: "primary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tt.body))
			})
			defer server.Close()

			got, err := client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Complete() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompleteSendsModelAndMessages(t *testing.T) {
	var received map[string]interface{}
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("api-key"); got != "test-key" {
			t.Errorf("api-key header = %q, want %q", got, "test-key")
		}
		json.NewDecoder(r.Body).Decode(&received)
		w.Write([]byte(`{"content":"ok"}`))
	})
	defer server.Close()

	_, err := client.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "usr"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if received["model"] != "test-model" {
		t.Errorf("model = %v, want test-model", received["model"])
	}
	input, ok := received["input"].([]interface{})
	if !ok || len(input) != 2 {
		t.Fatalf("input = %v, want two messages", received["input"])
	}
}

func TestCompleteUpstreamError(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusServiceUnavailable)
	})
	defer server.Close()

	_, err := client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
	if !apperrors.IsUpstreamError(err) {
		t.Fatalf("expected upstream error, got %v", err)
	}

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Status != http.StatusServiceUnavailable {
		t.Errorf("upstream error should carry status 503, got %+v", appErr)
	}
}

func TestCompleteUnparseableShape(t *testing.T) {
	client, server := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"something":"else"}`))
	})
	defer server.Close()

	_, err := client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
	if !apperrors.IsParseError(err) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestCompleteTransportError(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "", "m", nil)

	_, err := client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
	if !apperrors.IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}
