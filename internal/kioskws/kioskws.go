package kioskws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"freeblock/internal/attendance"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	minRefresh = 250 * time.Millisecond
	maxRefresh = time.Minute
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Kiosk displays are served from other origins.
		return true
	},
}

// Feeder produces the kiosk feed.
type Feeder interface {
	KioskToken() attendance.KioskFeed
}

// Message is pushed to the kiosk on every refresh.
type Message struct {
	Token     string `json:"token,omitempty"`
	RefreshMS int64  `json:"refresh_ms"`
	Block     string `json:"block,omitempty"`
	Next      string `json:"next,omitempty"`
}

func messageOf(f attendance.KioskFeed) Message {
	m := Message{Token: f.Token, RefreshMS: f.Refresh.Milliseconds()}
	if f.Window != nil {
		m.Block = f.Window.Block.String()
	}
	if f.Next != nil {
		m.Next = f.Next.Block.String()
	}
	return m
}

// Handler streams the kiosk feed, pushing a new message whenever the
// previous one asked to be refreshed. Long waits between windows are cut
// to a minute so a reset is picked up.
func Handler(feed Feeder, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Debug("kiosk websocket upgrade failed", slog.Any("error", err))
			return
		}
		done := make(chan struct{})
		go readPump(conn, done)
		writePump(conn, feed, done)
	}
}

func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, feed Feeder, done <-chan struct{}) {
	ping := time.NewTicker(pingPeriod)
	refresh := time.NewTimer(0)
	defer func() {
		ping.Stop()
		refresh.Stop()
		conn.Close()
	}()
	for {
		select {
		case <-done:
			return
		case <-refresh.C:
			f := feed.KioskToken()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(messageOf(f)); err != nil {
				return
			}
			refresh.Reset(min(max(f.Refresh, minRefresh), maxRefresh))
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
