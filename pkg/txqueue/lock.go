package txqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/urpmd/urpmd/pkg/log"
)

var txLog = log.WithComponent("txqueue")

// installLock is the cross-process exclusive advisory lock guarding RPM
// database mutation, the host's only cross-process mutex. Holders write
// their PID into the file so a later attempt can distinguish genuine
// contention from a stale holder whose process died without the kernel
// releasing the lock (e.g. an NFS-mounted root).
type installLock struct {
	path string
	f    *os.File
}

// acquireInstallLock blocks (retrying every 200ms, bounded by timeout)
// until the exclusive lock at path is held, stealing it from a holder
// whose recorded PID is no longer alive by replacing the lock file.
func acquireInstallLock(ctx context.Context, path string, timeout time.Duration) (*installLock, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open install lock %s: %w", path, err)
	}

	attempt := 0
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			if werr := writeLockPID(f); werr != nil {
				f.Close()
				return nil, werr
			}
			return &installLock{path: path, f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("failed to flock %s: %w", path, err)
		}

		if holderPID, ok := readLockPID(path); ok && !processAlive(holderPID) {
			txLog.Warn().Int("pid", holderPID).Msg("stealing install lock from dead holder")
			// The dead holder's lock is still in place on this file, so
			// replace the file: the next flock lands on the new inode.
			f.Close()
			if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
				return nil, fmt.Errorf("failed to remove stale install lock %s: %w", path, rerr)
			}
			if f, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644); err != nil {
				return nil, fmt.Errorf("failed to open install lock %s: %w", path, err)
			}
			continue
		}

		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("timed out waiting for install lock %s", path)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		attempt++
	}
}

// Release drops the lock and closes the underlying file.
func (l *installLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}

func writeLockPID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to seek lock file: %w", err)
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		return fmt.Errorf("failed to write lock pid: %w", err)
	}
	return f.Sync()
}

func readLockPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// processAlive reports whether pid refers to a live process, using the
// signal-0 idiom (no actual signal delivered, just existence/permission
// checked).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, os.ErrPermission)
}

// backgroundErrorFlag describes the one-shot background-error flag as a
// JSON record. writeBackgroundError does not use it: the flag file holds
// the failure message as one plain-text line.
type backgroundErrorFlag struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func writeBackgroundError(path, message string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write background error flag %s: %w", path, err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s\n", message)
	return err
}

// ConsumeBackgroundError reads and clears the background-error flag
// file, returning ("", false) if no error is pending. The CLI (cmd/urpm)
// calls this on startup so a failed detached transaction is surfaced on
// the next invocation; cmd/urpmd does not call it.
func ConsumeBackgroundError(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	_ = os.Remove(path)
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return "", false
	}
	return msg, true
}

func appendBackgroundLog(path, line string) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s\n", time.Now().Format(time.RFC3339), line)
}
