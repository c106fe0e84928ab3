package relay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"relay/cmd/internal/frame"
	"relay/cmd/internal/relayclient"
	v1 "relay/shared/contracts/relay/v1"
)

// pipePeer returns a server-side peer and a reading client for the other end.
func pipePeer(t *testing.T, id string) (*Peer, *testClient) {
	t.Helper()

	srvSide, cliSide := net.Pipe()
	t.Cleanup(func() { _ = srvSide.Close() })
	return NewPeer(id, "test", srvSide, time.Second), wrapClient(t, relayclient.New(cliSide))
}

func TestSession_TeardownRunsOnce(t *testing.T) {
	t.Parallel()

	srv := NewServer(testLogger(), ServerConfig{}, nil, nil, nil)

	bobPeer, bob := pipePeer(t, "b")
	require.True(t, srv.Registry().Register("bob", bobPeer))

	alicePeer, _ := pipePeer(t, "a")
	s := newSession(testLogger(), alicePeer.conn, alicePeer, srv)

	require.NoError(t, s.onConnect(v1.Connect{Name: "alice"}))
	require.Equal(t, StateRegistered, s.state)
	bob.expectRaw("MSG|Server|alice joined.")

	s.close("first")
	s.close("second")

	require.Equal(t, StateClosed, s.state)
	bob.expectRaw("MSG|Server|alice left.")
	bob.expectRaw("MSG|Server|USERS|bob")
	bob.expectNone("second leave notice", 300*time.Millisecond, rawIs("MSG|Server|alice left."))

	_, ok := srv.Registry().Lookup("alice")
	require.False(t, ok)
	select {
	case <-alicePeer.Done():
	default:
		t.Fatalf("peer not closed by teardown")
	}
}

func TestSession_UnregisteredCloseDoesNotAnnounce(t *testing.T) {
	t.Parallel()

	srv := NewServer(testLogger(), ServerConfig{}, nil, nil, nil)

	bobPeer, bob := pipePeer(t, "b")
	require.True(t, srv.Registry().Register("bob", bobPeer))

	ghostPeer, _ := pipePeer(t, "g")
	s := newSession(testLogger(), ghostPeer.conn, ghostPeer, srv)
	s.close("never registered")

	bob.expectNone("leave notice for unregistered session", 200*time.Millisecond, func(ev relayclient.Event) bool {
		return ev.Raw != "" && ev.Raw != "MSG|Server|USERS|bob"
	})
}

func TestSession_DroppedCloseKeepsReregisteredName(t *testing.T) {
	t.Parallel()

	srv := NewServer(testLogger(), ServerConfig{}, nil, nil, nil)

	bobPeer, bob := pipePeer(t, "b")
	require.True(t, srv.Registry().Register("bob", bobPeer))

	oldPeer, _ := pipePeer(t, "old")
	s := newSession(testLogger(), oldPeer.conn, oldPeer, srv)
	require.NoError(t, s.onConnect(v1.Connect{Name: "alice"}))
	bob.expectRaw("MSG|Server|alice joined.")
	bob.expectRaw("MSG|Server|USERS|bob, alice")

	// The router dropped the old session and a new client took the name
	// before the old session got to its teardown.
	require.True(t, srv.Registry().UnregisterPeer(oldPeer))
	newPeer, _ := pipePeer(t, "new")
	require.True(t, srv.Registry().Register("alice", newPeer))

	s.close("dropped")

	bob.expect("refreshed user list", func(ev relayclient.Event) bool {
		if ev.Raw == "MSG|Server|alice left." {
			t.Fatalf("leave announced for a name that is still online")
		}
		return ev.Raw == "MSG|Server|USERS|bob, alice"
	})

	got, ok := srv.Registry().Lookup("alice")
	require.True(t, ok)
	require.Same(t, newPeer, got)
	select {
	case <-newPeer.Done():
		t.Fatalf("newer session closed by the old teardown")
	default:
	}
}

func TestSession_HandleStateMachine(t *testing.T) {
	t.Parallel()

	srv := NewServer(testLogger(), ServerConfig{}, nil, nil, nil)

	cases := []struct {
		name  string
		state State
		raw   string
		want  error
	}{
		{name: "chat before connect", state: StateUnregistered, raw: "MSG|a|b", want: ErrProtocolViolation},
		{name: "list before connect", state: StateUnregistered, raw: "CMD|a|LIST", want: ErrProtocolViolation},
		{name: "garbage before connect", state: StateUnregistered, raw: "HELLO", want: ErrProtocolViolation},
		{name: "exit before connect", state: StateUnregistered, raw: "EXIT|", want: errDisconnect},
		{name: "second connect", state: StateRegistered, raw: "CONNECT|again", want: ErrProtocolViolation},
		{name: "malformed file", state: StateRegistered, raw: "FILE|a|b|c|-5", want: ErrProtocolViolation},
		{name: "exit", state: StateRegistered, raw: "EXIT|me", want: errDisconnect},
		{name: "unknown type ignored", state: StateRegistered, raw: "TYPING|me", want: nil},
	}

	for _, tc := range cases {
		p, _ := pipePeer(t, tc.name)
		s := newSession(testLogger(), p.conn, p, srv)
		s.state = tc.state
		s.name = "me"

		err := s.handle(tc.raw)
		if tc.want == nil {
			require.NoError(t, err, tc.name)
			continue
		}
		require.ErrorIs(t, err, tc.want, tc.name)
		require.True(t, IsFatal(err), "%s: want fatal", tc.name)
	}
}

func TestRouter_BroadcastDropsFailedRecipient(t *testing.T) {
	t.Parallel()

	promReg := prometheus.NewRegistry()
	metrics := NewMetrics(promReg)
	reg := NewRegistry(testLogger())
	router := NewRouter(testLogger(), reg, WithMetrics(metrics))

	deadSrv, deadCli := net.Pipe()
	_ = deadCli.Close()
	dead := NewPeer("dead", "test", deadSrv, time.Second)
	require.True(t, reg.Register("dead", dead))

	alivePeer, alive := pipePeer(t, "alive")
	require.True(t, reg.Register("alive", alivePeer))

	senderPeer, _ := pipePeer(t, "sender")
	require.True(t, reg.Register("sender", senderPeer))
	metrics.setOnline(reg.Len())

	d := router.Broadcast(v1.Chat{Sender: "sender", Body: "hi"}, "SENDER")
	require.Equal(t, Delivery{Attempted: 2, Delivered: 1, Failed: 1}, d)

	alive.expectRaw("MSG|sender|hi")
	_, ok := reg.Lookup("dead")
	require.False(t, ok, "failed recipient must be deregistered")
	require.Equal(t, float64(2), onlineGauge(t, promReg), "online gauge must follow the drop")
	select {
	case <-dead.Done():
	default:
		t.Fatalf("failed recipient not closed")
	}
}

func TestRouter_RelayFileToAllDropsFailedRecipient(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	router := NewRouter(testLogger(), reg)

	deadSrv, deadCli := net.Pipe()
	_ = deadCli.Close()
	dead := NewPeer("dead", "test", deadSrv, time.Second)
	require.True(t, reg.Register("dead", dead))

	alivePeer, alive := pipePeer(t, "alive")
	require.True(t, reg.Register("alive", alivePeer))

	senderPeer, _ := pipePeer(t, "sender")
	require.True(t, reg.Register("sender", senderPeer))

	payload := make([]byte, 2*frame.ChunkSize+13)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	trailer := []byte("next header")
	src := bytes.NewReader(append(append([]byte{}, payload...), trailer...))

	offer := v1.FileOffer{Sender: "sender", Target: v1.TargetAll, Filename: "f.bin", Size: int64(len(payload))}
	res, err := router.RelayFile(senderPeer, offer, src)
	require.NoError(t, err)
	require.Equal(t, Delivery{Attempted: 2, Delivered: 1, Failed: 1}, res.Delivery)
	require.Equal(t, len(trailer), src.Len(), "exactly size bytes must be consumed")

	ev := alive.expectPrefix("FILE|")
	require.Equal(t, fmt.Sprintf("FILE|sender|alive|f.bin|%d", len(payload)), ev.Raw)
	require.Equal(t, payload, ev.Payload)

	_, ok := reg.Lookup("dead")
	require.False(t, ok, "failed recipient must be deregistered")
	_, ok = reg.Lookup("alive")
	require.True(t, ok)
}

func TestRouter_DeliverMissingTarget(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	router := NewRouter(testLogger(), reg)

	from, fromClient := pipePeer(t, "from")
	require.True(t, reg.Register("from", from))

	err := router.Deliver(from, "nobody", v1.Private{Sender: "from", Target: "nobody", Body: "x"})
	var nf TargetNotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "nobody", nf.Target)
	require.False(t, IsFatal(err))

	fromClient.expectRaw("MSG|Server|ERROR|User 'nobody' is not online.")
}

func TestPeer_FileWriteIsOneUnit(t *testing.T) {
	t.Parallel()

	srvSide, cliSide := net.Pipe()
	t.Cleanup(func() {
		_ = srvSide.Close()
		_ = cliSide.Close()
	})
	p := NewPeer("p", "test", srvSide, time.Second)

	payload := make([]byte, 3*frame.ChunkSize+7)
	for i := range payload {
		payload[i] = byte(i)
	}

	errs := make(chan error, 2)
	go func() { errs <- p.WriteFile("FILE|a|b|f.bin|"+fmt.Sprint(len(payload)), payload) }()
	go func() { errs <- p.WriteHeader("MSG|a|interleave?") }()

	got := make([]string, 0, 2)
	for len(got) < 2 {
		h, err := frame.ReadHeader(cliSide)
		require.NoError(t, err)
		got = append(got, h)
		if h != "MSG|a|interleave?" {
			body, err := frame.ReadExact(cliSide, int64(len(payload)))
			require.NoError(t, err)
			require.Equal(t, payload, body)
		}
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}
	require.ElementsMatch(t, []string{"FILE|a|b|f.bin|" + fmt.Sprint(len(payload)), "MSG|a|interleave?"}, got)
}

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want readErrKind
	}{
		{err: frame.ErrEndOfStream, want: readErrEndOfStream},
		{err: fmt.Errorf("%w: cut", frame.ErrFraming), want: readErrFraming},
		{err: frame.ErrHeaderTooLarge, want: readErrFraming},
		{err: fmt.Errorf("frame: read length: %w", os.ErrDeadlineExceeded), want: readErrTimeout},
		{err: fmt.Errorf("frame: read length: %w", net.ErrClosed), want: readErrConnClosed},
		{err: io.ErrClosedPipe, want: readErrConnClosed},
		{err: errors.New("boom"), want: readErrUnknown},
	}
	for _, tc := range cases {
		if got := classifyReadErr(tc.err); got != tc.want {
			t.Fatalf("classifyReadErr(%v)=%d want=%d", tc.err, got, tc.want)
		}
	}
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{err: nil, want: false},
		{err: NameConflictError{Name: "a"}, want: false},
		{err: TargetNotFoundError{Target: "b"}, want: false},
		{err: ErrRateLimited, want: false},
		{err: ErrFileTooLarge, want: false},
		{err: ProtocolError{State: StateRegistered, Reason: "x"}, want: true},
		{err: StreamError{Op: "write", Err: io.ErrClosedPipe}, want: true},
		{err: fmt.Errorf("%w: %w", ErrIncompletePayload, frame.ErrIncompleteStream), want: true},
		{err: errors.Join(TargetNotFoundError{Target: "b"}, StreamError{Op: "write", Err: io.EOF}), want: true},
		{err: ErrPeerClosed, want: true},
	}
	for _, tc := range cases {
		if got := IsFatal(tc.err); got != tc.want {
			t.Fatalf("IsFatal(%v)=%v want=%v", tc.err, got, tc.want)
		}
	}

	se := StreamError{Op: "write", Err: io.ErrClosedPipe}
	require.ErrorIs(t, se, ErrStreamFault)
	require.ErrorIs(t, se, io.ErrClosedPipe)
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	now := time.Now()

	require.True(t, rl.Allow(now))
	require.True(t, rl.Allow(now.Add(10*time.Millisecond)))
	require.False(t, rl.Allow(now.Add(20*time.Millisecond)))
	require.True(t, rl.Allow(now.Add(1100*time.Millisecond)))

	var nilRL *RateLimiter
	require.True(t, nilRL.Allow(now))
}

func onlineGauge(t *testing.T, g prometheus.Gatherer) float64 {
	t.Helper()

	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "relay_online_users" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("relay_online_users not gathered")
	return 0
}
