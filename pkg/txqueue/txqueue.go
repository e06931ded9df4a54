// Package txqueue executes queued RPM install/erase operations inside a
// single detached child process holding a cross-process exclusive lock,
// streaming per-package progress back to the parent over a pipe. RPM's
// commit phase can run long after the last file closes; detaching the
// child lets the parent return control promptly, and batching multiple
// operations in one child prevents re-invoking RPM before the prior
// commit finished.
//
// Go has no fork(); the detached child is realized the way the
// container-runtime ecosystem does it (the Docker/runc "reexec"
// pattern): the parent re-executes its own binary with a hidden
// __txqueue_child argv marker and a JSON-encoded queue on the child's
// stdin, handing it the pipe's write end as an inherited fd via
// exec.Cmd.ExtraFiles. Setpgid in SysProcAttr detaches the child's
// process group. The opaque RPM engine is pkg/rpmengine.TransactionSet,
// driven through its Check/Order/Run lifecycle.
package txqueue

import (
	"time"

	"github.com/urpmd/urpmd/pkg/types"
)

// childMarkerArg is argv[1] the parent passes when re-executing itself
// to run as the transaction-queue child.
const childMarkerArg = "__txqueue_child"

// IsChildProcess reports whether the current process was re-exec'd to
// run as the detached transaction-queue child. cmd/urpmd's main must
// check this before anything else and call RunChild if true, mirroring
// the reexec.Init() guard at the top of a Docker-style binary.
func IsChildProcess() bool {
	return len(osArgs()) > 1 && osArgs()[1] == childMarkerArg
}

// ProgressCallback receives one parsed pipe message per progress event,
// matching the IPC surface's OperationProgress(op_id, phase, package,
// current, total, message) signal shape.
type ProgressCallback func(operationID, phase, pkg string, current, total int, message string)

// Result is the outcome of one Submit call.
type Result struct {
	// BackgroundReleased is true if the child released the parent early
	// via the optimistic-early-release path: it sends parent_can_exit
	// just before the first queued operation with Background set starts.
	BackgroundReleased bool
	// Interrupted is true if ctx was canceled before queue_done arrived.
	Interrupted bool
}

// Executor runs queues of RPM operations against one RPM root.
type Executor struct {
	// RPMRoot is the --root passed to every rpm invocation.
	RPMRoot string
	// SelfPath is the executable to re-exec as the child; defaults to
	// os.Executable() when empty.
	SelfPath string
	// LockPath is the cross-process exclusive lock file, default
	// "<RPMRoot>/var/lib/rpm/.urpm-install.lock".
	LockPath string
	// BackgroundErrorPath is the one-shot flag file a failing background
	// child writes to, default
	// "<RPMRoot>/var/lib/rpm/.urpm-background-error".
	BackgroundErrorPath string
	// BackgroundLogPath is the plain-text timestamped log the detached
	// child appends to, default "var/log/urpmd-background.log".
	BackgroundLogPath string

	// AcquireTimeout is not read by Submit or passed to the child; the
	// child waits up to 24 hours for a contended install lock.
	AcquireTimeout time.Duration
}

// NewExecutor returns an Executor with conventional path defaults
// derived from rpmRoot.
func NewExecutor(rpmRoot string) *Executor {
	return &Executor{
		RPMRoot:             rpmRoot,
		LockPath:            rpmRoot + "/var/lib/rpm/.urpm-install.lock",
		BackgroundErrorPath: rpmRoot + "/var/lib/rpm/.urpm-background-error",
		BackgroundLogPath:   "var/log/urpmd-background.log",
		AcquireTimeout:      30 * time.Second,
	}
}

// Queue is an ordered list of operations submitted together; see
// types.Operation for the per-operation shape.
type Queue []types.Operation

// msgType enumerates the newline-delimited JSON pipe protocol's message
// kinds.
type msgType string

const (
	msgOpStart       msgType = "op_start"
	msgProgress      msgType = "progress"
	msgOpDone        msgType = "op_done"
	msgOpError       msgType = "op_error"
	msgQueueDone     msgType = "queue_done"
	msgQueueError    msgType = "queue_error"
	msgParentCanExit msgType = "parent_can_exit"
)

// pipeMessage is one line of the child->parent newline-delimited JSON
// stream.
type pipeMessage struct {
	Type        msgType `json:"type"`
	OperationID string  `json:"operation_id,omitempty"`
	Package     string  `json:"package,omitempty"`
	Current     int     `json:"current,omitempty"`
	Total       int     `json:"total,omitempty"`
	Message     string  `json:"message,omitempty"`
}
