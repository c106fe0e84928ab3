// Package relayclient is a programmatic client for the relay wire protocol.
//
// A Client is safe for one reader goroutine (Next) and any number of writers.
package relayclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"relay/cmd/internal/frame"
	v1 "relay/shared/contracts/relay/v1"
)

// Event is one decoded server header. Payload is set for FILE headers only.
type Event struct {
	Raw     string
	Header  v1.Header
	Payload []byte
}

// Client speaks the relay protocol over a stream.
type Client struct {
	conn net.Conn
	r    *bufio.Reader

	wmu  sync.Mutex
	name string
}

// New wraps an established stream.
func New(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		r:    bufio.NewReaderSize(conn, frame.ChunkSize),
	}
}

// Dial connects over TCP, or TLS when tlsCfg is non-nil.
func Dial(ctx context.Context, addr string, tlsCfg *tls.Config) (*Client, error) {
	var (
		conn net.Conn
		err  error
	)
	if tlsCfg != nil {
		d := tls.Dialer{Config: tlsCfg}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("relayclient: dial %s: %w", addr, err)
	}
	return New(conn), nil
}

// DialWS connects over WebSocket. origin may be empty.
// The connection lives until Close, independent of ctx.
func DialWS(ctx context.Context, url, origin string) (*Client, error) {
	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}

	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{v1.WSSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("relayclient: dial %s: %w", url, err)
	}
	if sp := ws.Subprotocol(); sp != v1.WSSubprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("relayclient: server selected subprotocol %q", sp)
	}
	ws.SetReadLimit(-1)

	return New(websocket.NetConn(context.Background(), ws, websocket.MessageBinary)), nil
}

// Name returns the name passed to Connect.
func (c *Client) Name() string { return c.name }

// Connect sends CONNECT|name. Registration is confirmed by the server's
// join notice, or refused with an ERROR notice.
func (c *Client) Connect(name string) error {
	c.name = name
	return c.send(v1.Connect{Name: name})
}

// Chat broadcasts body to everyone else.
func (c *Client) Chat(body string) error {
	return c.send(v1.Chat{Sender: c.name, Body: body})
}

// Private sends body to target only.
func (c *Client) Private(target, body string) error {
	return c.send(v1.Private{Sender: c.name, Target: target, Body: body})
}

// List requests the online user list.
func (c *Client) List() error {
	return c.send(v1.ListRequest{Requester: c.name})
}

// SendFile sends a FILE header and exactly size bytes from src.
// target may be v1.TargetAll.
func (c *Client) SendFile(target, filename string, size int64, src io.Reader) error {
	h := v1.FileOffer{Sender: c.name, Target: target, Filename: filename, Size: size}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := frame.WriteHeader(c.conn, h.String()); err != nil {
		return err
	}
	n, err := io.CopyN(c.conn, src, size)
	if err != nil {
		return fmt.Errorf("relayclient: send file payload (%d of %d bytes): %w", n, size, err)
	}
	return nil
}

// Exit sends EXIT|name. The server closes the stream in response.
func (c *Client) Exit() error {
	return c.send(v1.Disconnect{Name: c.name})
}

// WriteRaw writes one framed header verbatim.
func (c *Client) WriteRaw(header string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return frame.WriteHeader(c.conn, header)
}

func (c *Client) send(h v1.Header) error {
	return c.WriteRaw(h.String())
}

// Next reads the next server header. FILE payloads are read in full.
// A cleanly closed stream returns io.EOF.
func (c *Client) Next() (Event, error) {
	raw, err := frame.ReadHeader(c.r)
	if err != nil {
		if errors.Is(err, frame.ErrEndOfStream) {
			return Event{}, io.EOF
		}
		return Event{}, err
	}

	h, err := v1.Parse(raw)
	if err != nil {
		return Event{Raw: raw}, err
	}

	ev := Event{Raw: raw, Header: h}
	if offer, ok := h.(v1.FileOffer); ok {
		ev.Payload, err = frame.ReadExact(c.r, offer.Size)
		if err != nil {
			return ev, err
		}
	}
	return ev, nil
}

// SetReadDeadline bounds the next Next call.
func (c *Client) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close closes the stream.
func (c *Client) Close() error {
	return c.conn.Close()
}

// FormatSize renders n bytes for humans ("1.5 MiB").
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
