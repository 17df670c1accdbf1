package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradingd/internal/events"
	"tradingd/internal/lifecycle"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConnLimiter enforces §6's "rate limit 5 concurrent connections per
// source address" for /ws/analysis.
type wsConnLimiter struct {
	mu    sync.Mutex
	byIP  map[string]int
	limit int
}

func newWSConnLimiter(limit int) *wsConnLimiter {
	return &wsConnLimiter{byIP: make(map[string]int), limit: limit}
}

func (l *wsConnLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byIP[ip] >= l.limit {
		return false
	}
	l.byIP[ip]++
	return true
}

func (l *wsConnLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byIP[ip]--
	if l.byIP[ip] <= 0 {
		delete(l.byIP, ip)
	}
}

var wsLimiter = newWSConnLimiter(5)

// strategyUpdate is the broadcast payload shape: the current lifecycle
// snapshot for the authenticated user, refreshed at >=1Hz (§6).
type strategyUpdate struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Lifecycle string `json:"lifecycle"`
	Position  struct {
		HasPosition bool    `json:"has_position"`
		EntryPrice  float64 `json:"entry_price"`
		Size        float64 `json:"size"`
		Side        string  `json:"side"`
	} `json:"position"`
	Timestamp time.Time `json:"timestamp"`
}

// wsAnalysis implements WS /ws/analysis: broadcasts strategyUpdate for the
// connecting user's own lifecycle state on every state-change event and on
// a >=1Hz fallback ticker so a quiet strategy still heartbeats the stream.
func (s *Server) wsAnalysis(c *gin.Context) {
	ip := c.ClientIP()
	if !wsLimiter.acquire(ip) {
		errJSON(c, http.StatusTooManyRequests, "TOO_MANY_CONNECTIONS", "connection limit per source address exceeded")
		return
	}
	defer wsLimiter.release(ip)

	userID := CurrentUserID(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade error: %v", err)
		return
	}
	defer conn.Close()

	changes, unsub := s.bus.Subscribe(events.EventStateChange, 32)
	defer unsub()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	// Detect client-initiated close without blocking the write loop.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	push := func() bool {
		st, err := s.lifecycle.Get(userID)
		if err != nil {
			return true
		}
		upd := strategyUpdate{Type: "strategyUpdate", UserID: userID, Lifecycle: string(st.Lifecycle), Timestamp: time.Now()}
		upd.Position.HasPosition = st.HasPosition
		upd.Position.EntryPrice = st.PositionEntryPrice
		upd.Position.Size = st.PositionSize
		upd.Position.Side = string(st.PositionSide)
		if err := conn.WriteJSON(upd); err != nil {
			return false
		}
		return true
	}

	if !push() {
		return
	}
	for {
		select {
		case <-closed:
			return
		case payload := <-changes:
			if sc, ok := payload.(lifecycle.StateChange); ok && sc.UserID != userID {
				continue
			}
			if !push() {
				return
			}
		case <-ticker.C:
			if !push() {
				return
			}
		}
	}
}
