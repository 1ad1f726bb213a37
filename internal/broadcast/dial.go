package broadcast

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/traylinx/vdmtel/internal/ring"
)

// Conn is a client connection to a broadcaster.
type Conn struct {
	ws *websocket.Conn
}

// Dial connects to a broadcaster endpoint such as ws://127.0.0.1:8765/ws.
// A non-empty origin is sent as the Origin header.
func Dial(ctx context.Context, url, origin string) (*Conn, error) {
	var hdr http.Header
	if origin != "" {
		hdr = http.Header{"Origin": []string{origin}}
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("broadcast: dial %s: %w", url, err)
	}
	return &Conn{ws: ws}, nil
}

// ReadFrame reads one header+payload pair. The header's "tick" and "seq"
// fields populate Frame.Tick and Frame.Seq when present.
func (c *Conn) ReadFrame() (ring.Frame, error) {
	var f ring.Frame
	mt, text, err := c.ws.ReadMessage()
	if err != nil {
		return f, err
	}
	if mt != websocket.TextMessage {
		return f, fmt.Errorf("broadcast: expected header text message, got type %d", mt)
	}
	mt, payload, err := c.ws.ReadMessage()
	if err != nil {
		return f, err
	}
	if mt != websocket.BinaryMessage {
		return f, fmt.Errorf("broadcast: expected payload binary message, got type %d", mt)
	}

	if err := json.Unmarshal(text, &f.Header); err != nil {
		return f, fmt.Errorf("broadcast: decode header: %w", err)
	}
	f.Tick = gjson.GetBytes(text, "tick").Int()
	f.Seq = gjson.GetBytes(text, "seq").Uint()
	f.Payload = payload
	return f, nil
}

// Close sends a normal close frame and closes the connection.
func (c *Conn) Close() error {
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.ws.Close()
}

// Underlying exposes the websocket connection.
func (c *Conn) Underlying() *websocket.Conn { return c.ws }
