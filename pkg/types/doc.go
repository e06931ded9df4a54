/*
Package types defines the core data structures shared across urpmd.

It contains the domain model described by the system's data model: media
and the servers that mirror them, the package index and its capability
graph, the files index, pins and holds, transaction history, peer
provenance, and the cache accounting rows. All other packages — store,
resolver, download, txqueue, ops — exchange these types rather than
re-declaring their own.

# Architecture

	┌──────────────────────── DOMAIN MODEL ─────────────────────────┐
	│                                                                  │
	│  Media ──┬── Server (via ServerMedia)                          │
	│          ├── Package ── Capability (provides/requires/...)     │
	│          ├── PackageFile (+ FTSState mirror)                   │
	│          ├── CacheFile                                          │
	│          └── FilesXMLState                                     │
	│                                                                  │
	│  Pin / Hold ─── consulted by the resolver's tie-breaking        │
	│                                                                  │
	│  Transaction ── TransactionPackage*                             │
	│                                                                  │
	│  PeerDownload / PeerBlacklist / Peer ── download coordinator    │
	│                                                                  │
	│  PackageAction / ResolverResult ── resolver output              │
	│  DownloadItem / DownloadResult / DownloadProgress ── coordinator│
	│  Operation ── transaction queue input                           │
	│  AuthContext / Permission ── auth gate                          │
	└──────────────────────────────────────────────────────────────────┘

Types are plain structs, serializable with encoding/json for the IPC and
peer-facing HTTP surfaces, and scanned directly from SQL rows by
pkg/store via sqlx struct tags where the field names line up with
columns.
*/
package types
