package watch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/applyfeed/internal/broadcast"
)

const maxStreamMessageBytes = 4 << 20

var ErrUnsupportedTransport = errors.New("unsupported transport")

// Stream yields decoded live-update events until the connection fails.
type Stream interface {
	Next(ctx context.Context) (broadcast.Event, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// NewDialer returns the dialer for a transport name: "sse" or "ws".
func NewDialer(transport, baseURL string, httpClient *http.Client) (Dialer, error) {
	switch strings.ToLower(strings.TrimSpace(transport)) {
	case "", "sse":
		return &SSEDialer{BaseURL: normalizeBaseURL(baseURL), HTTPClient: httpClient}, nil
	case "ws", "websocket":
		return &WebSocketDialer{BaseURL: normalizeBaseURL(baseURL), HTTPClient: httpClient}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTransport, transport)
	}
}

// SSEDialer opens /api/events. The HTTP client must not carry an overall
// timeout since the response never ends on its own.
type SSEDialer struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (d *SSEDialer) Dial(ctx context.Context) (Stream, error) {
	client := d.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, normalizeBaseURL(d.BaseURL)+"/api/events", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: "live-update stream refused"}
	}
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType != "text/event-stream" {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	return &sseStream{body: resp.Body, reader: bufio.NewReader(resp.Body), cancel: cancel}, nil
}

type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc
}

// Next reads one event block. Multiple data lines are joined with newlines;
// comments and other fields are skipped.
func (s *sseStream) Next(ctx context.Context) (broadcast.Event, error) {
	var data []string
	for {
		if err := ctx.Err(); err != nil {
			return broadcast.Event{}, err
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return broadcast.Event{}, io.ErrUnexpectedEOF
			}
			return broadcast.Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(data) == 0 {
				continue
			}
			return broadcast.DecodeSSEData(strings.Join(data, "\n"))
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		data = append(data, strings.TrimPrefix(value, " "))
	}
}

func (s *sseStream) Close() error {
	s.cancel()
	return s.body.Close()
}

// WebSocketDialer opens /api/events/ws; each text message is one event.
type WebSocketDialer struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Stream, error) {
	target := normalizeBaseURL(d.BaseURL) + "/api/events/ws"
	switch {
	case strings.HasPrefix(target, "https://"):
		target = "wss://" + strings.TrimPrefix(target, "https://")
	case strings.HasPrefix(target, "http://"):
		target = "ws://" + strings.TrimPrefix(target, "http://")
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxStreamMessageBytes)
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Next(ctx context.Context) (broadcast.Event, error) {
	for {
		msgType, data, err := s.conn.Read(ctx)
		if err != nil {
			return broadcast.Event{}, err
		}
		if msgType != websocket.MessageText {
			continue
		}
		return broadcast.DecodeSSEData(string(data))
	}
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
