// Package main provides a CI-friendly smoke test for a running relay server.
//
// It validates:
//   - registration and join notices
//   - broadcast chat excluding the sender
//   - private messages and the offline-target notice
//   - LIST
//   - a byte-exact file transfer
//   - leave notice on EXIT
//
// Client B connects over WebSocket when -url is set, otherwise over TCP.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"relay/cmd/internal/relayclient"
)

func main() {
	var (
		addr        = flag.String("addr", "127.0.0.1:9000", "relay TCP address")
		useTLS      = flag.Bool("tls", false, "dial the TCP address with TLS")
		tlsInsecure = flag.Bool("tls-insecure", false, "skip TLS certificate verification (dev only)")
		wsURL       = flag.String("url", "", "optional WebSocket URL for client B (e.g. ws://127.0.0.1:9090/ws)")
		origin      = flag.String("origin", "http://localhost", "Origin header for the WebSocket handshake")
		text        = flag.String("text", "hello relay 👋", "chat text to send")
		fileSize    = flag.Int64("file-size", 256<<10, "bytes to send in the file step")
		timeout     = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose     = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if *wsURL != "" {
		if err := validateWSURL(*wsURL); err != nil {
			fatalf("invalid -url: %v", err)
		}
	}

	var tlsCfg *tls.Config
	if *useTLS {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: *tlsInsecure} //nolint:gosec // flag-controlled dev option
	}

	suffix := fmt.Sprintf("%d", time.Now().UnixNano()%100000)
	nameA, nameB := "smokeA"+suffix, "smokeB"+suffix

	a := mustDialTCP(*addr, tlsCfg, *timeout)
	defer a.Close()

	var b *relayclient.Client
	transportB := "tcp"
	if *wsURL != "" {
		b = mustDialWS(*wsURL, *origin, *timeout)
		transportB = "ws"
	} else {
		b = mustDialTCP(*addr, tlsCfg, *timeout)
	}
	defer b.Close()

	mustSend("connect A", a.Connect(nameA))
	mustExpect(a, *timeout, "MSG|Server|"+nameA+" joined.")

	mustSend("connect B", b.Connect(nameB))
	mustExpect(b, *timeout, "MSG|Server|"+nameB+" joined.")
	mustExpect(a, *timeout, "MSG|Server|"+nameB+" joined.")

	if *verbose {
		fmt.Printf("connected: A=%s (tcp) B=%s (%s)\n", nameA, nameB, transportB)
	}

	mustSend("chat", a.Chat(*text))
	mustExpect(b, *timeout, "MSG|"+nameA+"|"+*text)

	mustSend("pm", b.Private(nameA, "psst"))
	mustExpect(a, *timeout, "PM|"+nameB+"|"+nameA+"|psst")

	mustSend("pm offline", a.Private("nobody"+suffix, "hello?"))
	mustExpect(a, *timeout, "MSG|Server|ERROR|User 'nobody"+suffix+"' is not online.")

	mustSend("list", a.List())
	ev := mustExpectPrefix(a, *timeout, "MSG|Server|USERS|")
	if !strings.Contains(ev.Raw, nameA) || !strings.Contains(ev.Raw, nameB) {
		fatalf("user list missing smoke clients: %q", ev.Raw)
	}

	payload := make([]byte, *fileSize)
	if _, err := rand.Read(payload); err != nil {
		fatalf("generate payload: %v", err)
	}
	start := time.Now()
	mustSend("file", a.SendFile(nameB, "smoke.bin", int64(len(payload)), bytes.NewReader(payload)))
	ev = mustExpectPrefix(b, *timeout, "FILE|")
	if want := fmt.Sprintf("FILE|%s|%s|smoke.bin|%d", nameA, nameB, len(payload)); ev.Raw != want {
		fatalf("file header=%q want=%q", ev.Raw, want)
	}
	if !bytes.Equal(ev.Payload, payload) {
		fatalf("file payload mismatch (%d bytes received)", len(ev.Payload))
	}
	if *verbose {
		fmt.Printf("file: %s in %s\n", relayclient.FormatSize(int64(len(payload))), time.Since(start).Round(time.Millisecond))
	}

	mustSend("exit", b.Exit())
	mustExpect(a, *timeout, "MSG|Server|"+nameB+" left.")
	mustSend("exit", a.Exit())

	fmt.Printf("OK: A=%s B=%s transport_b=%s file=%s\n", nameA, nameB, transportB, relayclient.FormatSize(int64(len(payload))))
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustDialTCP(addr string, tlsCfg *tls.Config, stepTimeout time.Duration) *relayclient.Client {
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()

	c, err := relayclient.Dial(ctx, addr, tlsCfg)
	if err != nil {
		fatalf("dial tcp: %v", err)
	}
	return c
}

func mustDialWS(wsURL, origin string, stepTimeout time.Duration) *relayclient.Client {
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()

	c, err := relayclient.DialWS(ctx, wsURL, origin)
	if err != nil {
		fatalf("dial ws: %v", err)
	}
	return c
}

func mustSend(step string, err error) {
	if err != nil {
		fatalf("%s: %v", step, err)
	}
}

func mustExpect(c *relayclient.Client, stepTimeout time.Duration, raw string) relayclient.Event {
	return mustReadUntil(c, stepTimeout, raw, func(ev relayclient.Event) bool { return ev.Raw == raw })
}

func mustExpectPrefix(c *relayclient.Client, stepTimeout time.Duration, prefix string) relayclient.Event {
	return mustReadUntil(c, stepTimeout, prefix+"...", func(ev relayclient.Event) bool {
		return strings.HasPrefix(ev.Raw, prefix)
	})
}

// mustReadUntil skips unrelated notices (user lists, other joins) until match.
func mustReadUntil(c *relayclient.Client, stepTimeout time.Duration, desc string, match func(relayclient.Event) bool) relayclient.Event {
	if err := c.SetReadDeadline(time.Now().Add(stepTimeout)); err != nil {
		fatalf("%s: set deadline: %v", c.Name(), err)
	}
	defer func() { _ = c.SetReadDeadline(time.Time{}) }()

	for {
		ev, err := c.Next()
		if err != nil {
			fatalf("%s: waiting for %q: %v", c.Name(), desc, err)
		}
		if match(ev) {
			return ev
		}
	}
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
