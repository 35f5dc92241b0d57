package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelligrit/jalan-map/internal/model"
	"github.com/intelligrit/jalan-map/internal/projector"
	"github.com/intelligrit/jalan-map/internal/shell"
	"github.com/intelligrit/jalan-map/internal/surface"
)

type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, env *testEnv) *wsConn {
	t.Helper()
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsConn{t: t, conn: conn}
}

func (c *wsConn) read() outbound {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg outbound
	require.NoError(c.t, c.conn.ReadJSON(&msg))
	return msg
}

// until reads messages until one satisfies fn.
func (c *wsConn) until(fn func(outbound) bool) outbound {
	c.t.Helper()
	for i := 0; i < 100; i++ {
		if msg := c.read(); fn(msg) {
			return msg
		}
	}
	c.t.Fatal("expected message never arrived")
	return outbound{}
}

func (c *wsConn) send(msg inbound) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

func TestSessionHandshake(t *testing.T) {
	env := testServer(t)
	env.srv.Map = surface.Options{AccessToken: "pk.test", StyleURL: "mapbox://styles/mapbox/streets-v12", Center: model.Point{Lng: -74.5, Lat: 40}, Zoom: 9}
	c := dial(t, env)

	first := c.read()
	require.Equal(t, MsgSurface, first.Type)
	require.Equal(t, surface.OpInit, first.Command.Op)
	assert.Equal(t, "pk.test", first.Command.Options.AccessToken)
	assert.Equal(t, 9.0, first.Command.Options.Zoom)

	state := c.read()
	require.Equal(t, MsgState, state.Type)
	assert.Equal(t, model.ModeCollecting, state.State.Mode)
	assert.False(t, state.State.CanSubmit)
}

func TestSessionBrowseAndSelect(t *testing.T) {
	env := testServer(t)
	env.seed(t, seeded("r1", model.Float(106.8), model.Float(-6.2), model.CategoryPhysical))
	c := dial(t, env)

	c.send(inbound{Type: MsgMode, Mode: "visualisation"})
	layer := c.until(func(m outbound) bool { return m.Type == MsgSurface && m.Command.Op == surface.OpAddLayer })
	assert.Equal(t, projector.LayerID, layer.Command.Layer.ID)

	st := c.until(func(m outbound) bool { return m.Type == MsgState && !m.State.Loading && m.State.Mode == model.ModeBrowsing })
	assert.Equal(t, 1, st.State.Total)

	c.send(inbound{Type: MsgEvent, Event: &surface.Event{Type: surface.EventClick, LayerID: projector.LayerID, FeatureID: "r1"}})
	popup := c.until(func(m outbound) bool { return m.Type == MsgSurface && m.Command.Op == surface.OpOpenPopup })
	assert.Equal(t, "r1", popup.Command.ReportID)
	sel := c.until(func(m outbound) bool { return m.Type == MsgState && m.State.Selected != nil })
	assert.Equal(t, model.ClassPhysical, sel.State.Selected.Classification)

	c.send(inbound{Type: MsgMode, Mode: "report"})
	c.until(func(m outbound) bool { return m.Type == MsgSurface && m.Command.Op == surface.OpRemoveLayer })
	st = c.until(func(m outbound) bool { return m.Type == MsgState && m.State.Mode == model.ModeCollecting })
	assert.Nil(t, st.State.Selected)
}

func TestSessionSubmit(t *testing.T) {
	env := testServer(t)
	c := dial(t, env)

	c.send(inbound{Type: MsgLocate, Error: "User denied Geolocation"})
	st := c.until(func(m outbound) bool { return m.Type == MsgState && m.State.Pin != nil })
	assert.Equal(t, shell.MsgLocateFailed, st.State.Message)
	assert.Equal(t, -74.5, st.State.Pin.Lng)

	c.send(inbound{Type: MsgSubmit, Form: &shell.Form{Category: []string{model.CategoryEmotional}, Description: "Feels unsafe at night"}})
	st = c.until(func(m outbound) bool { return m.Type == MsgState && m.State.Message == shell.MsgSubmitted })
	assert.Empty(t, st.State.Draft.Description)

	list, err := env.store.ListReports(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Feels unsafe at night", list[0].Description)
}

func TestSessionSubmitRateLimited(t *testing.T) {
	env := testServer(t)
	env.srv.Limiter = NewRateLimiter(0.001, 1)
	h, err := env.srv.Handler()
	require.NoError(t, err)
	env.handler = h
	c := dial(t, env)

	c.send(inbound{Type: MsgLocate, Point: &model.Point{Lng: 106.8, Lat: -6.2}})
	c.until(func(m outbound) bool { return m.Type == MsgState && m.State.Pin != nil })

	form := &shell.Form{Category: []string{model.CategoryPhysical}, Description: "Missing drain cover"}
	c.send(inbound{Type: MsgSubmit, Form: form})
	c.until(func(m outbound) bool { return m.Type == MsgState && m.State.Message == shell.MsgSubmitted })

	c.send(inbound{Type: MsgSubmit, Form: form})
	msg := c.until(func(m outbound) bool { return m.Type == MsgError })
	assert.Equal(t, errSubmitRate.Error(), msg.Error)

	n, err := env.store.CountReports(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSessionRejectsUnknownMessages(t *testing.T) {
	env := testServer(t)
	c := dial(t, env)

	c.send(inbound{Type: "teleport"})
	msg := c.until(func(m outbound) bool { return m.Type == MsgError })
	assert.Contains(t, msg.Error, "teleport")

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{")))
	msg = c.until(func(m outbound) bool { return m.Type == MsgError })
	assert.Contains(t, msg.Error, "malformed")
}

func TestOutboundEncoding(t *testing.T) {
	data, err := json.Marshal(outbound{Type: MsgSurface, Command: &surface.Command{Op: surface.OpClosePopups}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"surface","command":{"op":"closePopups"}}`, string(data))
}
