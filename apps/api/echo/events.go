package echoapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/records"
)

const (
	eventsBuffer = 16
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// subscriber is the event stream of one session. Writes happen on its write loop only.
type subscriber struct {
	conn      *websocket.Conn
	accountID string
	sessionID string
	events    chan records.Event
	quit      chan struct{}
	quitOnce  sync.Once
}

func newSubscriber(conn *websocket.Conn, accountID, sessionID string) *subscriber {
	return &subscriber{
		conn:      conn,
		accountID: accountID,
		sessionID: sessionID,
		events:    make(chan records.Event, eventsBuffer),
		quit:      make(chan struct{}),
	}
}

func (sub *subscriber) stop() {
	sub.quitOnce.Do(func() { close(sub.quit) })
}

func (sub *subscriber) wants(ev records.Event) bool {
	return ev.AccountID == sub.accountID && (ev.SessionID == "" || ev.SessionID == sub.sessionID)
}

// readLoop discards client messages; it stops the subscriber once the connection drops.
func (sub *subscriber) readLoop() {
	defer sub.stop()
	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop pushes the events until the subscriber stops. A signed_out event ends the stream.
func (sub *subscriber) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	for {
		select {
		case ev := <-sub.events:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Kind == records.EventSignedOut {
				_ = sub.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
				return
			}
		case <-ticker.C:
			if err := sub.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-sub.quit:
			_ = sub.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
			return
		}
	}
}

// hub fans the account events out to the connected sessions.
type hub struct {
	logger core.Logger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

var _ records.Publisher = (*hub)(nil)

func newHub(logger core.Logger) *hub {
	return &hub{logger: logger, subs: make(map[*subscriber]struct{})}
}

func (h *hub) add(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[sub] = struct{}{}
	return true
}

func (h *hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.stop()
}

// Publish queues ev to the matching subscribers. A subscriber too slow to drain its queue is dropped.
func (h *hub) Publish(ev records.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			h.logger.Warn("events: dropping slow subscriber", map[string]interface{}{
				"account_id": sub.accountID, "session_id": sub.sessionID,
			})
			delete(h.subs, sub)
			sub.stop()
		}
	}
}

// subscribers counts the connected sessions of accountID.
func (h *hub) subscribers(accountID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for sub := range h.subs {
		if sub.accountID == accountID {
			n++
		}
	}
	return n
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		sub.stop()
	}
	h.subs = make(map[*subscriber]struct{})
}

// serveEvents upgrades the request to a websocket streaming the session's events.
func (h *hub) serveEvents(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	conn, err := upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		return nil // the upgrader replied already
	}

	sub := newSubscriber(conn, claims.Subject, claims.SessionID)
	if !h.add(sub) {
		_ = conn.Close()
		return nil
	}
	defer h.remove(sub)

	go sub.readLoop()
	sub.writeLoop()
	return nil
}
