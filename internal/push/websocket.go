package push

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// pongWait is how long the connection may stay silent. The backend pings
	// well inside it.
	pongWait = 60 * time.Second
)

type WebSocketSource struct {
	url    string
	token  string
	dialer *websocket.Dialer
}

func NewWebSocketSource(rawURL string, token string) *WebSocketSource {
	return &WebSocketSource{
		url:   rawURL,
		token: token,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  1024,
		},
	}
}

func (s *WebSocketSource) Subscribe(ctx context.Context, outletID string, handler Handler) error {
	return reconnect(ctx, DriverWebSocket, func(ctx context.Context) error {
		return s.session(ctx, outletID, handler)
	})
}

func (s *WebSocketSource) Close() error { return nil }

func (s *WebSocketSource) session(ctx context.Context, outletID string, handler Handler) error {
	u, err := url.Parse(s.url)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("outlet_id", outletID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	conn, _, err := s.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		ev, err := decodeEvent(msg)
		if err != nil {
			log.Printf("[push] WARN: dropping malformed websocket event: %v", err)
			continue
		}
		handler(ctx, ev)
	}
}
