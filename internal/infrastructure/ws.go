package infra

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var (
	writeWait    = 10 * time.Second
	pongWait     = 30 * time.Second
	pingInterval = pongWait * 9 / 10
)

// WSConn websocket connection safe for concurrent writers
type WSConn struct {
	*websocket.Conn
	mu sync.Mutex
}

// WriteJSON serialize v and write it as a text message
func (wc *WSConn) WriteJSON(v interface{}) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wc.Conn.WriteJSON(v)
}

// WSHandler serves one connection until it returns
type WSHandler func(c echo.Context, conn *WSConn) error

// Websocket upgrader with heartbeat support
type Websocket struct {
	upgrader websocket.Upgrader
}

// NewWebsocket create Websocket, allowedOrigin "*" accepts any origin
func NewWebsocket(allowedOrigin string) *Websocket {
	return &Websocket{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return allowedOrigin == "*" || r.Header.Get("Origin") == allowedOrigin
			},
			HandshakeTimeout: 3 * time.Second,
		},
	}
}

// WithHeartbeat wrap handler function with heartbeat probe
func (ws *Websocket) WithHeartbeat(handler WSHandler) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := ws.upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// upgrader already replied
			return nil
		}
		wc := &WSConn{Conn: conn}
		done := make(chan struct{})
		defer func() {
			close(done)
			conn.Close()
		}()

		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		go heartbeatRoutine(conn, done)

		handler(c, wc)
		return nil
	}
}

func heartbeatRoutine(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
