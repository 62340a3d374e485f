package collab

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"folio/api/internal/rbac"
	"github.com/gorilla/websocket"
)

// State tracks a connection through its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthorizing
	StateJoined
	StateLeaving
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthorizing:
		return "authorizing"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one websocket client joined to one document group.
type Conn struct {
	id          string
	documentID  string
	workspaceID string
	userID      string
	joinRole    rbac.Role

	ws    *websocket.Conn
	send  chan []byte
	done  chan struct{}
	state atomic.Int32

	closeOnce sync.Once
	leaveOnce sync.Once
}

func newConn(id string, ws *websocket.Conn, admission Admission, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 64
	}
	c := &Conn{
		id:          id,
		documentID:  admission.Document.ID,
		workspaceID: admission.Document.WorkspaceID,
		userID:      admission.UserID,
		joinRole:    admission.Role,
		ws:          ws,
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
	}
	c.setState(StateConnecting)
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// Deliver enqueues msg without blocking. A full queue means the client is
// not keeping up, so the connection is closed and false is returned.
func (c *Conn) Deliver(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.close()
		return false
	}
}

// close stops both pumps. The read pump then runs the leave sequence.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

func (c *Conn) writePump(opts Options) {
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(opts.WriteWait))
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles inbound messages strictly in arrival order until the
// socket fails or is closed.
func (c *Conn) readPump(ctx context.Context, opts Options, handle func(context.Context, *Conn, []byte)) {
	c.ws.SetReadLimit(opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(opts.PongWait))
		handle(ctx, c, data)
	}
}
