package watch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/applyfeed/internal/applyfeed"
	"github.com/agentworkforce/applyfeed/internal/broadcast"
	"github.com/agentworkforce/applyfeed/internal/httpapi"
)

func TestHTTPClientListRecordsRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/get-emails", r.URL.Path)
		assert.True(t, strings.HasPrefix(r.Header.Get("X-Correlation-Id"), "watch_"))
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			http.Error(w, `{"error":"busy"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]applyfeed.ApplicationRecord{record("a", "2026-03-01T10:00:00Z")})
	}))
	defer ts.Close()

	client := NewHTTPClient(ts.URL+"/", ts.Client())
	client.baseDelay = time.Millisecond
	records, err := client.ListRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPClientReturnsHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"Invalid JSON payload","details":"x"}`)
	}))
	defer ts.Close()

	_, err := NewHTTPClient(ts.URL, ts.Client()).ListRecords(context.Background())
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.Equal(t, "Invalid JSON payload", httpErr.Message)
}

func TestRetryDelay(t *testing.T) {
	client := NewHTTPClient("", nil)
	assert.Equal(t, 100*time.Millisecond, client.retryDelay(1, ""))
	assert.Equal(t, 400*time.Millisecond, client.retryDelay(3, ""))
	assert.Equal(t, 2*time.Second, client.retryDelay(10, ""))
	assert.Equal(t, time.Second, client.retryDelay(1, "1"))
	assert.Equal(t, 2*time.Second, client.retryDelay(1, "120"))
	assert.Equal(t, defaultBaseURL, client.baseURL)
}

func TestSSEStreamParsesFrames(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": keepalive\n\n")
		_, _ = io.WriteString(w, "data: {\"type\":\"connected\",\"timestamp\":1700000000000}\n\n")
		_, _ = io.WriteString(w, "event: message\r\ndata: {\"type\":\"new_email\",\r\ndata: \"email\":{\"id\":\"a\",\"from\":\"x@y.com\",\"subject\":\"Hi\",\"status\":\"other\"}}\r\n\r\n")
	}))
	defer ts.Close()

	dialer, err := NewDialer("sse", ts.URL, ts.Client())
	require.NoError(t, err)
	ctx := context.Background()
	stream, err := dialer.Dial(ctx)
	require.NoError(t, err)
	defer stream.Close()

	event, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, broadcast.TypeConnected, event.Type)
	assert.Equal(t, int64(1700000000000), event.Timestamp)

	event, err = stream.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, broadcast.TypeNewEmail, event.Type)
	require.NotNil(t, event.Record)
	assert.Equal(t, "a", event.Record.ID)

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSSEDialRejectsNonStreamResponses(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, "[]")
	}))
	defer ts.Close()

	_, err := (&SSEDialer{BaseURL: ts.URL}).Dial(context.Background())
	assert.Error(t, err)

	_, err = NewDialer("carrier-pigeon", ts.URL, nil)
	assert.ErrorIs(t, err, ErrUnsupportedTransport)
}

type liveService struct {
	url  string
	hub  *broadcast.Hub
	stop func()
}

func startLiveService(t *testing.T) liveService {
	t.Helper()
	logger := discardLogger()
	hub := broadcast.NewHub(broadcast.HubOptions{Logger: logger})
	settings := applyfeed.NewSettingsStore("", logger)
	coordinator, err := applyfeed.NewCoordinator(applyfeed.CoordinatorOptions{
		Store:      applyfeed.NewInMemoryRecordStore(),
		Classifier: applyfeed.NewClassifier(settings, applyfeed.ClassifierOptions{Logger: logger}),
		Publisher:  hub,
		Logger:     logger,
	})
	require.NoError(t, err)
	server := httpapi.NewServer(httpapi.Dependencies{Ingester: coordinator, Hub: hub, Settings: settings})
	ts := httptest.NewServer(server)
	return liveService{url: ts.URL, hub: hub, stop: func() {
		hub.Close()
		ts.Close()
	}}
}

func postWebhook(t *testing.T, baseURL, subject string) {
	t.Helper()
	payload := `{"From":"talent@acme.example","To":"me@example.com","Subject":"` + subject +
		`","TextBody":"We would like to schedule an interview.","HtmlBody":"<p>interview</p>","Date":"` +
		time.Now().UTC().Format(time.RFC3339) + `"}`
	resp, err := http.Post(baseURL+"/api/inbound-email", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAgentReceivesLiveRecords(t *testing.T) {
	for _, transport := range []string{"sse", "ws"} {
		t.Run(transport, func(t *testing.T) {
			service := startLiveService(t)
			defer service.stop()

			dialer, err := NewDialer(transport, service.url, nil)
			require.NoError(t, err)
			notifier := newRecordingNotifier()
			agent, err := NewAgent(AgentOptions{Dialer: dialer, Notifier: notifier, Logger: discardLogger()})
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = agent.Run(ctx)
			}()
			defer func() {
				cancel()
				wg.Wait()
			}()

			require.Eventually(t, func() bool {
				return service.hub.Len() == 1 && agent.State() == StateConnected
			}, 5*time.Second, 10*time.Millisecond)

			postWebhook(t, service.url, "Interview invitation")
			select {
			case notification := <-notifier.ch:
				assert.Equal(t, "New email from talent@acme.example: Interview invitation", notification.Message)
				assert.Equal(t, applyfeed.StatusInterview, notification.Record.Status)
			case <-ctx.Done():
				t.Fatal("no notification received")
			}
		})
	}
}

func TestAgentPollsLiveService(t *testing.T) {
	service := startLiveService(t)
	defer service.stop()

	client := NewHTTPClient(service.url, nil)
	agent, err := NewAgent(AgentOptions{Lister: client, Notifier: newRecordingNotifier(), Logger: discardLogger()})
	require.NoError(t, err)
	ctx := context.Background()

	added, err := agent.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)

	postWebhook(t, service.url, "Next steps")
	added, err = agent.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	settings, err := client.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, settings.RefreshInterval())
}

func TestWebSocketStreamSkipsBinaryFrames(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{0x01})
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"heartbeat","timestamp":5}`))
	}))
	defer ts.Close()

	stream, err := (&WebSocketDialer{BaseURL: ts.URL}).Dial(context.Background())
	require.NoError(t, err)
	defer stream.Close()
	event, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, broadcast.TypeHeartbeat, event.Type)
	assert.Equal(t, int64(5), event.Timestamp)
}
