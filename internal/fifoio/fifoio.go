// Package fifoio manages the lifecycle of the daemon's named pipes:
// the two server FIFOs and one per-client private FIFO, created with
// mode 0666 and torn down on shutdown (spec.md §6).
package fifoio

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

const fifoMode = 0o666

// ServerPaths names the two well-known server FIFOs, rooted at dir.
type ServerPaths struct {
	Dir         string
	SyscallFIFO string
	CommChannel string
}

// NewServerPaths builds the fixed server FIFO paths under dir,
// matching original_source/yams_headers.h's SERVER_FIFO_1/2.
func NewServerPaths(dir string) ServerPaths {
	return ServerPaths{
		Dir:         dir,
		SyscallFIFO: filepath.Join(dir, "YAMSD_syscall_fifo"),
		CommChannel: filepath.Join(dir, "YAMSD_comm_channel_fifo"),
	}
}

// ClientPath builds a per-client FIFO path from the client's host OS
// PID, matching original_source/yams_headers.h's CLIENT_FIFO
// template "YAMS_%d_fifo".
func ClientPath(dir string, hostPID int) string {
	return filepath.Join(dir, fmt.Sprintf("YAMS_%d_fifo", hostPID))
}

// Create makes a named pipe at path if one does not already exist.
// mkfifo on an existing path is tolerated (EEXIST is not an error)
// since the daemon may be restarting onto a stale pipe left by a
// prior run that never reached a clean teardown (Remove).
func Create(path string) error {
	if err := unix.Mkfifo(path, fifoMode); err != nil && err != unix.EEXIST {
		return fmt.Errorf("fifoio: mkfifo %s: %w", path, err)
	}
	return nil
}

// OpenReadOnly opens path for reading, blocking until a writer opens
// the other end, exactly as the reference implementation's
// open(fd, O_RDONLY) does on the two server FIFOs.
func OpenReadOnly(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("fifoio: open %s for read: %w", path, err)
	}
	return f, nil
}

// OpenWriteOnly opens path for writing, blocking until a reader opens
// the other end. Used for a freshly CONNECTed client's private FIFO.
func OpenWriteOnly(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("fifoio: open %s for write: %w", path, err)
	}
	return f, nil
}

// Remove unlinks path, tolerating it already being gone.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fifoio: remove %s: %w", path, err)
	}
	return nil
}

// ErrorThrottle rate-limits repeated log lines for a single noisy
// failure mode — a client's private FIFO write failing over and over
// because its reader vanished without an EXIT — so one dead client
// cannot flood the daemon's log. This is pure log hygiene: it changes
// nothing about protocol behavior (the failed write still marks the
// slot free exactly once, per spec.md §7).
type ErrorThrottle struct {
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewErrorThrottle builds a throttle allowing one log line per
// interval, bursting up to burst.
func NewErrorThrottle(logger *zap.Logger, interval time.Duration, burst int) *ErrorThrottle {
	return &ErrorThrottle{
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		logger:  logger,
	}
}

// Log emits msg at Warn level if the throttle currently allows it,
// otherwise it is silently dropped.
func (t *ErrorThrottle) Log(msg string, fields ...zap.Field) {
	if t.limiter.Allow() {
		t.logger.Warn(msg, fields...)
	}
}
