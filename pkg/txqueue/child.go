package txqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urpmd/urpmd/pkg/rpmengine"
	"github.com/urpmd/urpmd/pkg/types"
)

// childPipeFD is the well-known fd the parent hands the child its
// progress pipe's write end on, via exec.Cmd.ExtraFiles[0].
const childPipeFD = 3

// RunChild is the detached transaction-queue child's entire body. It
// reads its queue from stdin, acquires the install lock, executes each
// operation in order, and returns a process
// exit code. cmd/urpmd's main must call this (and os.Exit the result)
// as the very first thing it does when txqueue.IsChildProcess() is
// true — nothing else in the daemon should run in this process image.
func RunChild(ctx context.Context) int {
	pipe := os.NewFile(childPipeFD, "txqueue-pipe")
	if pipe == nil {
		return 1
	}
	defer pipe.Close()

	root := os.Getenv("URPMD_RPM_ROOT")
	lockPath := os.Getenv("URPMD_INSTALL_LOCK")
	bgErrorPath := os.Getenv("URPMD_BG_ERROR_PATH")
	bgLogPath := os.Getenv("URPMD_BG_LOG_PATH")

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		send(pipe, pipeMessage{Type: msgQueueError, Message: fmt.Sprintf("failed to read queue: %v", err)})
		return 1
	}
	var queue Queue
	if err := json.Unmarshal(data, &queue); err != nil {
		send(pipe, pipeMessage{Type: msgQueueError, Message: fmt.Sprintf("failed to decode queue: %v", err)})
		return 1
	}

	lock, err := acquireInstallLock(ctx, lockPath, 24*time.Hour)
	if err != nil {
		send(pipe, pipeMessage{Type: msgQueueError, Message: fmt.Sprintf("failed to acquire install lock: %v", err)})
		return 1
	}
	defer lock.Release()

	c := &childRunner{root: root, pipe: pipe, bgErrorPath: bgErrorPath, bgLogPath: bgLogPath}

	for _, op := range queue {
		if !c.runOperation(ctx, op) {
			send(pipe, pipeMessage{Type: msgQueueError, Message: "queue stopped after operation error"})
			return 1
		}
		if c.released {
			// Optimistic early release: keep processing the remainder
			// of the queue, but the parent has disconnected, so further
			// protocol messages are best-effort only.
			continue
		}
	}

	if !c.released {
		send(pipe, pipeMessage{Type: msgQueueDone})
	}
	return 0
}

type childRunner struct {
	root        string
	pipe        *os.File
	bgErrorPath string
	bgLogPath   string
	released    bool
}

// runOperation executes one queued operation through its state machine
// and returns false if the queue must stop (a non-background op_error).
func (c *childRunner) runOperation(ctx context.Context, op types.Operation) bool {
	// Optimistic early release: a background operation frees the parent
	// before it starts — for a background erase the user already has
	// their prompt back while the cleanup runs; any failure goes to the
	// background log and the one-shot error flag instead of the pipe.
	if op.Background && !c.released {
		send(c.pipe, pipeMessage{Type: msgParentCanExit})
		c.pipe.Sync()
		c.released = true
	}

	send(c.pipe, pipeMessage{Type: msgOpStart, OperationID: op.OperationID})

	ts := rpmengine.NewTransactionSet(c.root)
	ts.Force = op.Force
	ts.VerifySignatures = op.VerifySignatures
	ts.Reinstall = op.Reinstall
	if op.Type == types.OpInstall {
		ts.InstallPaths = op.Targets
	} else {
		ts.EraseNames = append(ts.EraseNames, op.Targets...)
	}
	ts.EraseNames = append(ts.EraseNames, op.EraseNames...)

	if op.Test {
		if err := ts.Check(ctx); err != nil {
			send(c.pipe, pipeMessage{Type: msgOpError, OperationID: op.OperationID, Message: err.Error()})
			return false
		}
		send(c.pipe, pipeMessage{Type: msgOpDone, OperationID: op.OperationID})
		return true
	}

	if !op.Force {
		if err := ts.Check(ctx); err != nil {
			send(c.pipe, pipeMessage{Type: msgOpError, OperationID: op.OperationID, Message: err.Error()})
			return false
		}
	}
	ts.Order()

	cb := func(reason rpmengine.CallbackReason, pkgName string, current, total int) {
		switch reason {
		case rpmengine.ReasonInstOpenFile, rpmengine.ReasonUninstStart:
			send(c.pipe, pipeMessage{Type: msgProgress, OperationID: op.OperationID, Package: pkgName, Current: current, Total: total})
		case rpmengine.ReasonCpioError:
			appendBackgroundLog(c.bgLogPath, fmt.Sprintf("op=%s cpio error pkg=%s", op.OperationID, pkgName))
		case rpmengine.ReasonTransStop:
			appendBackgroundLog(c.bgLogPath, fmt.Sprintf("op=%s trans_stop pkg=%s", op.OperationID, pkgName))
		}
	}

	runErr := ts.Run(ctx, cb)

	if runErr != nil {
		if c.released {
			// The parent is gone; be loud on stderr and persist the
			// one-shot flag the next invocation surfaces.
			fmt.Fprintf(os.Stderr, "urpmd: transaction %s failed after early release: %v\n", op.OperationID, runErr)
			_ = writeBackgroundError(c.bgErrorPath, fmt.Sprintf("operation %s failed: %v", op.OperationID, runErr))
			appendBackgroundLog(c.bgLogPath, fmt.Sprintf("op=%s failure after release: %v", op.OperationID, runErr))
			// Background operations fail silently; a foreground failure
			// after an earlier release still stops the queue.
			return op.Background
		}
		send(c.pipe, pipeMessage{Type: msgOpError, OperationID: op.OperationID, Message: runErr.Error()})
		return false
	}

	if !c.released {
		send(c.pipe, pipeMessage{Type: msgOpDone, OperationID: op.OperationID})
	}
	return true
}

func send(pipe *os.File, msg pipeMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = pipe.Write(data) // best-effort: parent may have disconnected post-release
}
