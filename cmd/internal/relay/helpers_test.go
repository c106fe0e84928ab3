package relay

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relay/cmd/internal/relayclient"
)

const testWait = 3 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	*Server
	addr string
}

func startServer(t *testing.T, cfg ServerConfig, audit AuditStore) *testServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(testLogger(), cfg, nil, audit, NewMetrics(nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})

	return &testServer{Server: srv, addr: ln.Addr().String()}
}

// testClient reads events in the background so server writes never block on it.
type testClient struct {
	*relayclient.Client
	t       *testing.T
	events  chan relayclient.Event
	readErr chan error
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()

	c, err := relayclient.Dial(ctx, addr, nil)
	require.NoError(t, err)
	return wrapClient(t, c)
}

func wrapClient(t *testing.T, c *relayclient.Client) *testClient {
	tc := &testClient{
		Client:  c,
		t:       t,
		events:  make(chan relayclient.Event, 256),
		readErr: make(chan error, 1),
	}
	go func() {
		defer close(tc.events)
		for {
			ev, err := c.Next()
			if err != nil {
				tc.readErr <- err
				return
			}
			tc.events <- ev
		}
	}()
	t.Cleanup(func() { _ = c.Close() })
	return tc
}

// join connects as name and waits for the join notice.
func (c *testClient) join(name string) {
	c.t.Helper()
	require.NoError(c.t, c.Connect(name))
	c.expectRaw("MSG|Server|" + name + " joined.")
}

// expect skips events until one matches.
func (c *testClient) expect(desc string, match func(relayclient.Event) bool) relayclient.Event {
	c.t.Helper()

	deadline := time.After(testWait)
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				c.t.Fatalf("%s: stream closed before %s", c.Name(), desc)
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			c.t.Fatalf("%s: timed out waiting for %s", c.Name(), desc)
		}
	}
}

func (c *testClient) expectRaw(raw string) relayclient.Event {
	c.t.Helper()
	return c.expect("header "+raw, func(ev relayclient.Event) bool { return ev.Raw == raw })
}

func (c *testClient) expectPrefix(prefix string) relayclient.Event {
	c.t.Helper()
	return c.expect("header with prefix "+prefix, func(ev relayclient.Event) bool {
		return strings.HasPrefix(ev.Raw, prefix)
	})
}

// expectNone fails if a matching event arrives within d.
func (c *testClient) expectNone(desc string, d time.Duration, match func(relayclient.Event) bool) {
	c.t.Helper()

	deadline := time.After(d)
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if match(ev) {
				c.t.Fatalf("%s: unexpected %s: %q", c.Name(), desc, ev.Raw)
			}
		case <-deadline:
			return
		}
	}
}

// expectClosed drains events until the server closes the stream.
func (c *testClient) expectClosed() {
	c.t.Helper()

	deadline := time.After(testWait)
	for {
		select {
		case _, ok := <-c.events:
			if !ok {
				return
			}
		case <-deadline:
			c.t.Fatalf("%s: stream still open", c.Name())
		}
	}
}

func rawIs(raw string) func(relayclient.Event) bool {
	return func(ev relayclient.Event) bool { return ev.Raw == raw }
}
