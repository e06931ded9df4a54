package txqueue

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/urpmd/urpmd/pkg/errs"
)

// Submit re-execs the current binary as a detached child, hands it
// queue over stdin, and streams its progress to cb until queue_done, a
// fatal queue_error, the first op_error, or parent_can_exit; progress
// the child sends after parent_can_exit is not read, even when sync is
// true.
// When sync is true, Submit also waits for the
// child (and its descendants) to exit before returning, via a
// wait-for-grandchildren helper; when false, Submit returns as soon as
// the child signals parent_can_exit for a background-eligible
// operation, or once queue_done arrives, whichever comes first.
func (e *Executor) Submit(ctx context.Context, queue Queue, sync bool, cb ProgressCallback) (*Result, error) {
	if len(queue) == 0 {
		return &Result{}, nil
	}

	self := e.SelfPath
	if self == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, errs.Transaction("submit", fmt.Errorf("failed to resolve self executable: %w", err))
		}
		self = exe
	}

	queueJSON, err := json.Marshal(queue)
	if err != nil {
		return nil, errs.Transaction("submit", fmt.Errorf("failed to encode queue: %w", err))
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, errs.Transaction("submit", fmt.Errorf("failed to create progress pipe: %w", err))
	}

	cmd := exec.Command(self, childMarkerArg)
	cmd.Stdin = bytes.NewReader(queueJSON)
	cmd.ExtraFiles = []*os.File{pw}
	cmd.Env = append(os.Environ(),
		"URPMD_RPM_ROOT="+e.RPMRoot,
		"URPMD_INSTALL_LOCK="+e.LockPath,
		"URPMD_BG_ERROR_PATH="+e.BackgroundErrorPath,
		"URPMD_BG_LOG_PATH="+e.BackgroundLogPath,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, errs.Transaction("submit", fmt.Errorf("failed to start transaction-queue child: %w", err))
	}
	// The parent's copy of the write end must close so EOF propagates
	// once the child (the only remaining holder) closes its copy.
	pw.Close()

	result := &Result{}
	readErr := e.readLoop(ctx, pr, result, cb)
	pr.Close()

	if sync || !result.BackgroundReleased {
		waitErr := waitForGrandchildren(cmd)
		if waitErr != nil && readErr == nil {
			readErr = errs.Transaction("submit", fmt.Errorf("transaction-queue child exited abnormally: %w", waitErr))
		}
	} else {
		// Optimistic early release: the child keeps running detached;
		// reap it asynchronously so it doesn't become a zombie.
		go func() { _ = cmd.Wait() }()
	}

	if ctx.Err() != nil {
		result.Interrupted = true
	}

	return result, readErr
}

// readLoop consumes the newline-delimited JSON pipe protocol, invoking
// cb for progress-shaped messages and stopping on queue_done,
// queue_error, the first op_error, or parent_can_exit (which sets
// result.BackgroundReleased).
func (e *Executor) readLoop(ctx context.Context, pr *os.File, result *Result, cb ProgressCallback) error {
	done := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var msg pipeMessage
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				continue
			}
			switch msg.Type {
			case msgOpStart:
				if cb != nil {
					cb(msg.OperationID, "start", msg.Package, 0, 0, msg.Message)
				}
			case msgProgress:
				if cb != nil {
					cb(msg.OperationID, "progress", msg.Package, msg.Current, msg.Total, msg.Message)
				}
			case msgOpDone:
				if cb != nil {
					cb(msg.OperationID, "done", msg.Package, msg.Current, msg.Total, msg.Message)
				}
			case msgParentCanExit:
				result.BackgroundReleased = true
				done <- nil
				return
			case msgOpError:
				if cb != nil {
					cb(msg.OperationID, "error", msg.Package, msg.Current, msg.Total, msg.Message)
				}
				done <- errs.Transaction(msg.OperationID, fmt.Errorf("%s", msg.Message))
				return
			case msgQueueError:
				done <- errs.Transaction("queue", fmt.Errorf("%s", msg.Message))
				return
			case msgQueueDone:
				done <- nil
				return
			}
		}
		if err := scanner.Err(); err != nil {
			done <- errs.Transaction("submit", fmt.Errorf("progress pipe read failed: %w", err))
			return
		}
		done <- nil
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// waitForGrandchildren waits for cmd's direct child and, through it,
// its descendants: post-install scriptlets spawned by
// rpm are themselves children of the detached child, not of this
// process, so waiting for the direct child is sufficient once it has
// reaped its own scriptlet subprocesses (rpm(8) already blocks on
// scriptlets before exiting).
func waitForGrandchildren(cmd *exec.Cmd) error {
	return cmd.Wait()
}
