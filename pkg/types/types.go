package types

import "time"

// Media represents a single repository source, possibly mirrored by
// several servers.
type Media struct {
	ID              int64             `db:"id"`
	Name            string            `db:"name"` // unique
	ShortName       string            `db:"short_name"`
	Version         string            `db:"version"`
	Arch            string            `db:"arch"`
	RelativePath    string            `db:"relative_path"` // used to build download URLs
	IsOfficial      bool              `db:"is_official"`
	Enabled         bool              `db:"enabled"`
	UpdateMedia     bool              `db:"update_media"`
	Priority        int               `db:"priority"` // higher = preferred
	SyncFiles       bool              `db:"sync_files"`
	Shared          bool              `db:"shared"`
	Replication     ReplicationPolicy `db:"replication"`
	QuotaBytes      int64             `db:"quota_bytes"`
	RetentionDays   int               `db:"retention_days"`
	LastSync        time.Time         `db:"last_sync"`
	SynthesisDigest string            `db:"synthesis_digest"`
}

// ReplicationPolicy controls whether a media's cache is served to peers.
type ReplicationPolicy string

const (
	ReplicationNone     ReplicationPolicy = "none"
	ReplicationOnDemand ReplicationPolicy = "on_demand"
	ReplicationSeed     ReplicationPolicy = "seed"
)

// IPMode constrains which address family a server is contacted on.
type IPMode string

const (
	IPModeAuto IPMode = "auto"
	IPModeV4   IPMode = "ipv4"
	IPModeV6   IPMode = "ipv6"
	IPModeDual IPMode = "dual"
)

// Server is a mirror endpoint serving one or more media.
type Server struct {
	ID         int64  `db:"id"`
	Name       string `db:"name"`
	Protocol   string `db:"protocol"` // "http", "https", "file"
	Host       string `db:"host"`
	BasePath   string `db:"base_path"`
	IsOfficial bool   `db:"is_official"`
	Enabled    bool   `db:"enabled"`
	Priority   int    `db:"priority"` // higher = preferred
	IPMode     IPMode `db:"ip_mode"`
}

// ServerMedia links a Server to a Media it serves.
type ServerMedia struct {
	ServerID     int64  `db:"server_id"`
	MediaID      int64  `db:"media_id"`
	RelativePath string `db:"relative_path"`
}

// CapabilityKind distinguishes the flavor of a package capability.
type CapabilityKind string

const (
	CapProvides   CapabilityKind = "provides"
	CapRequires   CapabilityKind = "requires"
	CapRecommends CapabilityKind = "recommends"
	CapSuggests   CapabilityKind = "suggests"
	CapConflicts  CapabilityKind = "conflicts"
	CapObsoletes  CapabilityKind = "obsoletes"
)

// VersionOp is a versioned-capability comparison operator.
type VersionOp string

const (
	OpLT VersionOp = "<"
	OpLE VersionOp = "<="
	OpEQ VersionOp = "="
	OpGE VersionOp = ">="
	OpGT VersionOp = ">"
)

// Capability is one entry in a package's provides/requires/... table.
type Capability struct {
	PackageID int64          `db:"package_id"`
	Kind      CapabilityKind `db:"kind"`
	Name      string         `db:"capability"` // capability string, e.g. "libfoo.so.2" or "foo"
	Op        VersionOp      `db:"op"`
	EVR       string         `db:"evr"` // empty if unversioned
	HasVer    bool           `db:"has_ver"`
}

// EVR is the orderable Epoch-Version-Release portion of a NEVRA.
type EVR struct {
	Epoch   int
	Version string
	Release string
}

// Package is a single RPM in a media's index.
type Package struct {
	ID            int64  `db:"id"`
	Name          string `db:"name"` // case-folded lookup key
	Version       string `db:"version"`
	Release       string `db:"release"`
	Epoch         int    `db:"epoch"`
	Arch          string `db:"arch"`
	NEVRA         string `db:"nevra"`
	Summary       string `db:"summary"`
	Group         string `db:"pkg_group"`
	FileSize      int64  `db:"filesize"`
	InstalledSize int64  `db:"installed_size"`
	Filename      string `db:"filename"`
	MediaID       int64  `db:"media_id"`
	MediaName     string `db:"media_name"` // denormalized for convenience, populated on read

	Capabilities []Capability `db:"-"`
}

func (p *Package) EVR() EVR {
	return EVR{Epoch: p.Epoch, Version: p.Version, Release: p.Release}
}

// PackageFile is one file owned by a package, used to back "which
// package owns /path" queries.
type PackageFile struct {
	ID       int64  `db:"id"`
	MediaID  int64  `db:"media_id"`
	PkgNEVRA string `db:"pkg_nevra"`
	DirPath  string `db:"dir_path"`
	Filename string `db:"base_name"`
}

// FTSState tracks whether the files-index FTS mirror is in sync with the
// base package_files table.
type FTSState struct {
	MediaID       int64     `db:"media_id"`
	IsCurrent     bool      `db:"is_current"`
	LastRebuiltAt time.Time `db:"last_rebuilt_at"`
	LastOffset    int64     `db:"last_offset"`
}

// Pin biases provider selection for a (package pattern, media pattern).
type Pin struct {
	ID             int64  `db:"id"`
	PackagePattern string `db:"package_pattern"`
	MediaPattern   string `db:"media_pattern"`
	Priority       int    `db:"priority"`
	VersionPattern string `db:"version_pattern"` // optional, empty = any
}

// Hold freezes a package name against upgrade and obsoletes-replacement.
type Hold struct {
	Name string `db:"name"`
}

// TransactionAction is the high-level kind of a recorded transaction.
type TransactionAction string

const (
	TxActionInstall     TransactionAction = "install"
	TxActionRemove      TransactionAction = "remove"
	TxActionUpgrade     TransactionAction = "upgrade"
	TxActionUndo        TransactionAction = "undo"
	TxActionRollback    TransactionAction = "rollback"
	TxActionAutoremove  TransactionAction = "autoremove"
	TxActionCleandeps   TransactionAction = "cleandeps"
)

// TransactionStatus is the lifecycle state of a recorded transaction.
type TransactionStatus string

const (
	TxStatusRunning     TransactionStatus = "running"
	TxStatusComplete    TransactionStatus = "complete"
	TxStatusInterrupted TransactionStatus = "interrupted"
	TxStatusCleaned     TransactionStatus = "cleaned"
)

// Transaction is one row of install/undo/rollback history.
type Transaction struct {
	ID          int64             `db:"id"`
	Timestamp   time.Time         `db:"started_at"`
	CompletedAt *time.Time        `db:"completed_at"`
	User        string            `db:"user"`
	Action      TransactionAction `db:"action"`
	Status      TransactionStatus `db:"status"`
	ReturnCode  int               `db:"return_code"`
	CommandLine string            `db:"command"`
	UndoneBy    *int64            `db:"undone_by"`

	Packages []TransactionPackage `db:"-"`
}

// PackageTxAction is the per-package action inside a Transaction.
type PackageTxAction string

const (
	PkgTxInstall   PackageTxAction = "install"
	PkgTxRemove    PackageTxAction = "remove"
	PkgTxUpgrade   PackageTxAction = "upgrade"
	PkgTxDowngrade PackageTxAction = "downgrade"
)

// InstallReason explains why a package is present on the system.
type InstallReason string

const (
	ReasonExplicit   InstallReason = "explicit"
	ReasonDependency InstallReason = "dependency"
	ReasonOrphan     InstallReason = "orphan"
	ReasonObsoleted  InstallReason = "obsoleted"
	ReasonFaildep    InstallReason = "faildep"
	ReasonOldKernel  InstallReason = "old-kernel"
	ReasonCleandeps  InstallReason = "cleandeps"
)

// TransactionPackage is one package mutation inside a Transaction.
type TransactionPackage struct {
	ID            int64           `db:"id"`
	TransactionID int64           `db:"transaction_id"`
	Seq           int             `db:"seq"`
	NEVRA         string          `db:"nevra"`
	Name          string          `db:"name"`
	Action        PackageTxAction `db:"action"`
	Reason        InstallReason   `db:"reason"`
	PreviousNEVRA string          `db:"previous_nevra"` // set for upgrade/downgrade
}

// PeerDownload is a provenance record tying a cached file to the peer it
// came from.
type PeerDownload struct {
	ID        int64     `db:"id"`
	Filename  string    `db:"filename"`
	FilePath  string    `db:"file_path"`
	PeerHost  string    `db:"peer_host"`
	PeerPort  int       `db:"peer_port"`
	Timestamp time.Time `db:"downloaded_at"`
	Size      int64     `db:"bytes"`
	SHA256    string    `db:"sha256"`
	Verified  bool      `db:"verified"`
}

// PeerBlacklist records a peer excluded from discovery and download
// plans.
type PeerBlacklist struct {
	Host      string    `db:"peer_host"`
	Port      int       `db:"peer_port"` // 0 = any port
	Reason    string    `db:"reason"`
	Timestamp time.Time `db:"blacklisted_at"`
}

// CacheFile is one RPM sitting in the local on-disk cache.
type CacheFile struct {
	Filename     string    `db:"filename"`
	MediaID      int64     `db:"media_id"`
	FilePath     string    `db:"file_path"`
	FileSize     int64     `db:"bytes"`
	Source       string    `db:"source"`
	AddedTime    time.Time `db:"cached_at"`
	LastAccessed time.Time `db:"last_accessed"`
	IsReferenced bool      `db:"is_referenced"`
}

// MirrorConfig is the singleton mirror-mode settings row.
type MirrorConfig struct {
	Enabled          bool     `db:"share_enabled"`
	DisabledVersions []string `db:"-"` // comma-joined in the disabled_versions column on disk
}

// FilesXMLState tracks per-media files-index sync bookkeeping.
type FilesXMLState struct {
	MediaID        int64     `db:"media_id"`
	FilesMD5       string    `db:"content_hash"`
	LastSync       time.Time `db:"imported_at"`
	FileCount      int       `db:"file_count"`
	PkgCount       int       `db:"pkg_count"`
	CompressedSize int64     `db:"compressed_size"`
}

// ActionKind is the kind of mutation a PackageAction performs.
type ActionKind string

const (
	ActionInstall   ActionKind = "install"
	ActionUpgrade   ActionKind = "upgrade"
	ActionRemove    ActionKind = "remove"
	ActionDowngrade ActionKind = "downgrade"
)

// PackageAction is one step of a resolver plan.
type PackageAction struct {
	Name          string
	NEVRA         string
	EVR           EVR
	Arch          string
	Action        ActionKind
	Reason        InstallReason
	PreviousNEVRA string
	MediaName     string
	FileSize      int64
	Size          int64 // installed-size delta
}

// Alternative is a set of providers the façade may offer the caller when
// a capability has more than one candidate.
type Alternative struct {
	Capability string
	Providers  []*Package
}

// ResolverResult is the outcome of a resolve_* call.
type ResolverResult struct {
	Success          bool
	Actions          []PackageAction
	Problems         []string
	Alternatives     []Alternative
	InstallSize      int64
	UpgradeSizeDelta int64
	HeldWarnings     []string // held-package-skipped warnings, side channel
}

// DownloadSource says where a DownloadItem ended up being fetched from.
type DownloadSource string

const (
	SourceUpstream DownloadSource = "upstream"
	SourcePeer     DownloadSource = "peer"
	SourceCache    DownloadSource = "cache"
)

// DownloadItem is one package the coordinator must obtain.
type DownloadItem struct {
	Name     string
	Version  string
	Release  string
	Arch     string
	Filename string
	MediaID  int64
	Servers  []*Server
	Size     int64 // known size if available, 0 if unknown
}

// DownloadResult is the outcome of fetching one DownloadItem.
type DownloadResult struct {
	Item       DownloadItem
	Cached     bool
	Downloaded bool
	Source     DownloadSource
	PeerHost   string
	Path       string
	Size       int64
	SHA256     string
	Err        error
}

// DownloadProgress is a worker slot's live transfer state, snapshotted by
// the coordinator's progress ticker.
type DownloadProgress struct {
	Slot       int
	Name       string
	BytesDone  int64
	BytesTotal int64
	Source     string
	StartTime  time.Time
}

// Peer is a discovered LAN instance serving its RPM cache over HTTP.
type Peer struct {
	Host    string
	Port    int
	Media   []string
	Alive   bool
}

// OperationType distinguishes install from erase inside the transaction
// queue.
type OperationType string

const (
	OpInstall OperationType = "install"
	OpErase   OperationType = "erase"
)

// Operation is one RPM install/erase request inside a transaction Queue.
type Operation struct {
	Type              OperationType
	Targets           []string // paths for install, names for erase
	OperationID       string
	VerifySignatures  bool
	Force             bool
	Test              bool
	Reinstall         bool
	EraseNames        []string // coupled erases in the SAME rpm transaction
	Background        bool     // parent returns before this op starts
}

// Permission is one capability the Auth Gate can grant or deny.
type Permission string

const (
	PermQuery       Permission = "query"
	PermRefresh     Permission = "refresh"
	PermInstall     Permission = "install"
	PermRemove      Permission = "remove"
	PermUpgrade     Permission = "upgrade"
	PermMediaManage Permission = "media-manage"
)

// AuthContext identifies the caller of a mutating operation.
type AuthContext struct {
	UID         int
	PID         int
	Source      string // "cli", "ipc", ...
	Granted     map[Permission]bool
	Denied      map[Permission]bool
}

func (a *AuthContext) Allows(p Permission) bool {
	if p == PermQuery {
		return true
	}
	return a.Granted[p]
}
