/*
Package log provides structured logging for raftkv using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable levels, and helper
functions for the logging patterns the coordinator, role state
machines, and transport layer all share. Every log line includes a
timestamp and supports filtering by severity for production debugging.

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
	│  │           Context Loggers                   │          │
	│  │  - WithComponent("coordinator")             │          │
	│  │  - WithNodeID("node-3")                     │          │
	│  │  - WithTerm(42)                             │          │
	│  │  - WithPeer("node-2")                       │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │  {"level":"info","component":"leader",      │          │
	│  │   "term":42,"message":"follower synced"}    │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all raftkv packages without being threaded through
    constructors

Log Levels:
  - Debug: per-message replication and RPC tracing
  - Info: role transitions, snapshot installs, configuration changes
  - Warn: rejected RPCs, discarded log tails, retried commits
  - Error: store or transport failures
  - Fatal: unrecoverable startup errors (corrupt log directory, etc.)

Context Loggers:
  - WithComponent: tag every line from a subsystem (e.g. "leader", "follower", "snapshot")
  - WithNodeID: tag every line with this peer's own identity
  - WithTerm: tag every line with the Raft term it concerns
  - WithPeer: tag every line with the remote peer an RPC concerns

# Usage

Initializing the logger:

	import "github.com/cuemby/raftkv/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging, with or without formatting arguments:

	log.Info("cluster bootstrapped")
	log.Warn("discarding non-contiguous log tail at index %d", idx)
	log.Error("snapshot install failed")

Structured logging for higher-cardinality fields:

	log.WithTerm(currentTerm).Info().
		Str("peer", string(follower.Identity)).
		Int64("matchIndex", follower.MatchIndex).
		Msg("follower synced")

Component loggers, composed with peer/term context:

	roleLog := log.WithComponent("leader").With().
		Str("node_id", string(self)).
		Logger()
	roleLog.Info().Msg("entering leader role")

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance, initialized once
  - Avoids threading a logger through every constructor in the
    coordinator/role/transport call graph

Context Logger Pattern:
  - Derive child loggers with With* helpers
  - Pass the derived logger down instead of repeating fields at every
    call site

# Security

Log Content:
  - Never log client key/value payloads; log key lengths or hashes if
    payload visibility is ever needed for debugging
  - Never log peer connection secrets
*/
package log
