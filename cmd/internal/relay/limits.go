package relay

import "time"

const (
	// Max bytes of a single header (hard limit).
	defaultMaxHeaderBytes = 64 << 10 // 64 KiB

	// Max bytes of a single FILE payload. Payloads are buffered whole before fan-out.
	defaultMaxFileBytes = 512 << 20 // 512 MiB

	// Per-write deadline on a peer stream; a stalled recipient counts as a failed delivery.
	defaultWriteTimeout = 15 * time.Second

	// Bound on audit writes so a slow store never stalls a session.
	auditTimeout = 2 * time.Second
)

const (
	// Per-session rate limits for MSG/PM/FILE (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
