package ipc

import "github.com/urpmd/urpmd/pkg/types"

// Messages are plain Go structs, not .proto-generated types: the wire
// shape is carried over a hand-registered JSON codec (codec.go) instead
// of protobuf marshaling. One request/response pair per IPC verb.

// SearchRequest resolves Query as an exact package name or NEVRA across
// enabled media (no substring or summary matching), returning at most
// Limit matches when Limit is positive.
type SearchRequest struct {
	Query string
	Limit int
}

type SearchResponse struct {
	Packages []types.Package
}

// PackageInfoRequest resolves a single name or NEVRA spec.
type PackageInfoRequest struct {
	Spec string
}

type PackageInfoResponse struct {
	Packages []types.Package
}

// ResolveRequest previews an install/remove/upgrade plan without
// executing it (GetUpdates and PreviewInstall have their own request
// types).
type ResolveRequest struct {
	Verb      string // "install", "remove", "upgrade"
	Names     []string
	Choices   map[string]string
	LocalRPMs map[string]string
}

type ResolveResponse struct {
	Result *types.ResolverResult
}

// InstallRequest/RemoveRequest/UpgradeRequest carry an OperationID the
// caller generates so OperationProgress/OperationComplete events can be
// correlated with the call that started them.
type InstallRequest struct {
	OperationID string
	Names       []string
	Choices     map[string]string
	LocalRPMs   map[string]string
	OnlyPeers   bool
	Sync        bool
	CommandLine string
}

type RemoveRequest struct {
	OperationID     string
	Names           []string
	EraseRecommends bool
	KeepSuggests    bool
	Sync            bool
	CommandLine     string
}

type UpgradeRequest struct {
	OperationID string
	Names       []string
	LocalRPMs   map[string]string
	OnlyPeers   bool
	Sync        bool
	CommandLine string
}

// OperationResponse is the synchronous reply to install/remove/upgrade:
// the terminal OperationComplete event is also published on the
// Subscribe stream for any other interested client (a GUI watching
// progress while the CLI also holds the unary call open).
type OperationResponse struct {
	TransactionID int64
	Result        *types.ResolverResult
}

// RefreshMetadataRequest asks the daemon to re-sync one or all media.
// Synthesis/files.xml parsing lives outside this module, so the RPC
// currently only enumerates which media would refresh.
type RefreshMetadataRequest struct {
	MediaName string // empty = all enabled media
}

type RefreshMetadataResponse struct {
	Refreshed []string
}

// GetUpdatesRequest previews a full-system upgrade without executing it
// — the same plan ResolveUpgrade would produce.
type GetUpdatesRequest struct{}

type GetUpdatesResponse struct {
	Actions []types.PackageAction
}

// PreviewInstallRequest is ResolveRequest specialized to "install";
// kept as its own message so each IPC verb owns its request type.
type PreviewInstallRequest struct {
	Names     []string
	LocalRPMs map[string]string
}

type PreviewInstallResponse struct {
	Result *types.ResolverResult
}

// CancelOperationRequest names an operation to cancel. The daemon does
// not act on it: CancelOperation interrupts nothing and always answers
// Accepted=false.
type CancelOperationRequest struct {
	OperationID string
}

type CancelOperationResponse struct {
	Accepted bool
}

// SubscribeRequest opens the OperationProgress/OperationComplete event
// stream; an empty OperationID subscribes to every operation
// (equivalent to a GUI's global activity feed).
type SubscribeRequest struct {
	OperationID string
}

// StreamEvent is one entry on the Subscribe stream: a wire copy of
// pkg/events.Event, kept as an independent type so pkg/ipc never forces
// its wire shape onto the internal broker's type.
type StreamEvent struct {
	ID          string
	Type        string
	OperationID string
	Package     string
	Current     int
	Total       int
	Message     string
	Success     bool
}
