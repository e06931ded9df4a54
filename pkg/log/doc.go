/*
Package log provides structured logging for urpmd using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("resolver")                │          │
	│  │  - WithMedia("core-updates")                │          │
	│  │  - WithTransaction(42)                      │          │
	│  │  - WithNEVRA("foo-1.0-1.x86_64")             │          │
	│  │  - WithPeer("192.168.1.12")                 │          │
	│  └────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────────┘

# Usage

Initialization:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("media refreshed")
	log.Warn("peer served malformed content")
	log.Error("transaction queue child exited non-zero")

Structured logging:

	log.Logger.Info().
		Str("media_name", "core-updates").
		Int("packages", 1204).
		Msg("synthesis import complete")

Component loggers:

	resolverLog := log.WithComponent("resolver")
	resolverLog.Debug().Str("name", "foo").Msg("resolving install request")

	dlLog := log.WithComponent("download").With().Str("peer_host", "10.0.0.5").Logger()
	dlLog.Info().Msg("peer advertises filename")

# Log Output Examples

JSON format (daemon):

	{"level":"info","component":"resolver","time":"2026-07-29T10:30:00Z","message":"plan computed"}
	{"level":"warn","component":"download","peer_host":"10.0.0.5","time":"2026-07-29T10:30:01Z","message":"peer served invalid magic"}

Console format (CLI, interactive use):

	2026-07-29T10:30:00Z INF plan computed component=resolver
	2026-07-29T10:30:01Z WRN peer served invalid magic component=download peer_host=10.0.0.5

# Log files

The daemon writes JSON lines to var/log/urpmd/audit.log (via pkg/audit, a
separate append-only sink) and plain timestamped lines to
var/log/urpmd-background.log for the transaction queue's detached child —
see pkg/txqueue. Neither file is rotated by urpmd itself; use logrotate or
the platform's native log management.

# Best Practices

Do:
  - use Info level in production, Debug only while diagnosing
  - attach media_name/transaction_id/nevra/peer_host via the With* helpers
    instead of formatting them into the message string
  - log errors with .Err(err) so the taxonomy in pkg/errs round-trips

Don't:
  - log secrets or join-token material
  - concatenate user-controlled strings into the message; use .Str() so a
    crafted package name or peer hostname can't break log parsing
*/
package log
