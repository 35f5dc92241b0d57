package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/intelligrit/jalan-map/internal/model"
	"github.com/intelligrit/jalan-map/internal/shell"
	"github.com/intelligrit/jalan-map/internal/surface"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var (
	errClientGone = errors.New("client disconnected")
	errSlowClient = errors.New("client is not keeping up")
	errSubmitRate = errors.New("too many submissions, try again shortly")
)

// Message types on the session websocket.
const (
	MsgSurface = "surface"
	MsgState   = "state"
	MsgError   = "error"

	MsgMode        = "mode"
	MsgEvent       = "event"
	MsgLocate      = "locate"
	MsgPin         = "pin"
	MsgSubmit      = "submit"
	MsgRetry       = "retry"
	MsgSelect      = "select"
	MsgCloseDetail = "close-detail"
)

type outbound struct {
	Type    string           `json:"type"`
	Command *surface.Command `json:"command,omitempty"`
	State   *shell.State     `json:"state,omitempty"`
	Error   string           `json:"error,omitempty"`
}

type inbound struct {
	Type  string         `json:"type"`
	Mode  string         `json:"mode,omitempty"`
	Event *surface.Event `json:"event,omitempty"`
	Point *model.Point   `json:"point,omitempty"`
	// Error carries a failed geolocation: "unsupported" or the browser's
	// message.
	Error string      `json:"error,omitempty"`
	Form  *shell.Form `json:"form,omitempty"`
	ID    string      `json:"id,omitempty"`
}

// client is one websocket connection and the session it drives.
type client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *client) enqueue(msg outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", msg.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientGone
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSlowClient
	}
}

func (c *client) sendCommand(cmd surface.Command) error {
	return c.enqueue(outbound{Type: MsgSurface, Command: &cmd})
}

func (c *client) sendState(st shell.State) {
	if err := c.enqueue(outbound{Type: MsgState, State: &st}); err != nil {
		log.WithError(err).Debug("dropping state update")
	}
}

func (c *client) sendError(err error) {
	if err := c.enqueue(outbound{Type: MsgError, Error: err.Error()}); err != nil {
		log.WithError(err).Debug("dropping error message")
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (s *Server) handleSession(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("upgrading to websocket")
		return
	}
	s.trackConn(conn)
	defer s.untrackConn(conn)

	cl := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		cl.writePump()
	}()

	scene, err := surface.NewScene(s.Map, cl.sendCommand)
	if err != nil {
		log.WithError(err).Warn("starting map session")
		cl.close()
		<-done
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session := shell.New(ctx, s.Reports, scene, s.Session, cl.sendState)
	cl.sendState(session.State())
	log.WithField("remote", c.ClientIP()).Info("map session opened")

	ip := c.ClientIP()
	allowSubmit := func() bool { return s.Limiter == nil || s.Limiter.Allow(ip) }
	cl.readPump(ctx, session, allowSubmit)

	session.Close()
	cl.close()
	<-done
	log.WithField("remote", c.ClientIP()).Info("map session closed")
}

// readPump handles client messages until the connection fails. Submits share
// the per-IP budget of the HTTP submit endpoint through allowSubmit.
func (c *client) readPump(ctx context.Context, session *shell.Session, allowSubmit func() bool) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).Warn("websocket read")
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(fmt.Errorf("malformed message: %w", err))
			continue
		}
		if err := handleMessage(ctx, session, msg, allowSubmit); err != nil {
			log.WithError(err).WithField("type", msg.Type).Debug("session message failed")
			c.sendError(err)
		}
	}
}

func handleMessage(ctx context.Context, session *shell.Session, msg inbound, allowSubmit func() bool) error {
	switch msg.Type {
	case MsgMode:
		mode, ok := model.ParseMode(msg.Mode)
		if !ok {
			return fmt.Errorf("unknown mode %q", msg.Mode)
		}
		return session.SetMode(mode)
	case MsgEvent:
		if msg.Event == nil {
			return errors.New("event message without event")
		}
		session.HandleMapEvent(*msg.Event)
		return nil
	case MsgLocate:
		switch {
		case msg.Error == "unsupported":
			return session.Locate(model.Point{}, shell.ErrLocationUnsupported)
		case msg.Error != "":
			return session.Locate(model.Point{}, errors.New(msg.Error))
		case msg.Point == nil:
			return errors.New("locate message without point")
		}
		return session.Locate(*msg.Point, nil)
	case MsgPin:
		if msg.Point == nil {
			return errors.New("pin message without point")
		}
		return session.MovePin(*msg.Point)
	case MsgSubmit:
		if msg.Form == nil {
			return errors.New("submit message without form")
		}
		if !allowSubmit() {
			return errSubmitRate
		}
		_, err := session.Submit(ctx, *msg.Form)
		return err
	case MsgRetry:
		return session.Retry()
	case MsgSelect:
		return session.Select(msg.ID)
	case MsgCloseDetail:
		return session.Select("")
	}
	return fmt.Errorf("unknown message type %q", msg.Type)
}

// writePump writes queued messages and keeps the connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
