// Package dispatcher implements the syscall state machine described
// in spec.md §4.4-4.5: it reads a request header, grants the caller a
// lock on the comm-channel FIFO, executes the matching handler, and
// writes the response on the caller's private FIFO. Blocking syscalls
// (JOIN, WAIT, unmatched RECV) complete later as a side effect of a
// different client's handler.
//
// A Dispatcher is not safe for concurrent calls to Dispatch/HandleConnect:
// the daemon run loop invokes it from a single goroutine, matching the
// single-threaded event-loop option of spec.md §5. All blocking is
// expressed by withholding a response write, never by this package
// spawning or synchronizing goroutines of its own.
package dispatcher

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campinsights/yamsd/internal/client"
	"github.com/campinsights/yamsd/internal/fifoio"
	"github.com/campinsights/yamsd/internal/mailbox"
	"github.com/campinsights/yamsd/internal/metrics"
	"github.com/campinsights/yamsd/internal/procinfo"
	"github.com/campinsights/yamsd/internal/protocol"
	"github.com/campinsights/yamsd/internal/wire"
)

// ClientOpener opens the write end of a client's private FIFO at path,
// blocking until the client has opened its read end. Production code
// passes fifoio.OpenWriteOnly; tests pass an in-memory fake.
type ClientOpener func(path string) (client.WriteCloser, error)

// Dispatcher holds the two process-wide tables the syscall handlers
// mutate and the ambient stack (metrics, logging) they report through.
type Dispatcher struct {
	Registry *mailbox.Registry
	Table    *client.Table

	metrics *metrics.Registry
	logger  *zap.Logger
}

// New builds a Dispatcher over the given registry and client table.
func New(registry *mailbox.Registry, table *client.Table, metricsRegistry *metrics.Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{Registry: registry, Table: table, metrics: metricsRegistry, logger: logger}
}

// txnLogger returns a logger scoped to one request/response transaction,
// carrying a fresh correlation ID as SPEC_FULL.md §6 describes.
func (d *Dispatcher) txnLogger() *zap.Logger {
	return d.logger.With(zap.String("txn_id", uuid.New().String()))
}

// updateGauges refreshes the live/blocked/mailbox gauges after a
// transaction completes.
func (d *Dispatcher) updateGauges() {
	if d.metrics == nil {
		return
	}
	d.metrics.LiveClients.Set(float64(d.Table.LiveCount()))
	d.metrics.RegisteredMailboxes.Set(float64(d.Registry.Count()))

	blocked := 0
	d.Table.Each(func(c *client.Client) {
		if c.Blocked() {
			blocked++
		}
	})
	d.metrics.BlockedClients.Set(float64(blocked))
}

// HandleConnect services a CONNECT request: it reads the caller's host
// PID from the syscall FIFO and mailbox name from the comm-channel
// FIFO (exactly original_source/yamsd.c's connect_process parameter
// order), then either admits the caller into the table slot at the
// admission cursor, if that slot is free, or rejects it once its
// parameters have been drained so the stream stays framed. No other
// slot is searched. It reports whether the connection was rejected.
func (d *Dispatcher) HandleConnect(syscallR, commR io.Reader, fifoDir string, open ClientOpener) (rejected bool, err error) {
	logger := d.txnLogger()

	hostPID, err := wire.ReadInt(syscallR)
	if err != nil {
		return false, fmt.Errorf("dispatcher: connect: read host pid: %w", err)
	}
	mailboxName, err := wire.ReadString(commR, protocol.StringSize)
	if err != nil {
		return false, fmt.Errorf("dispatcher: connect: read mailbox name: %w", err)
	}

	if d.metrics != nil {
		d.metrics.SyscallsReceived.WithLabelValues(protocol.SyscallName(protocol.Connect)).Inc()
	}

	slot := d.Table.NextPID()
	if d.Table.IsLive(slot) {
		logger.Warn("rejecting connection, table full",
			zap.Int("host_pid", int(hostPID)), zap.String("mailbox", mailboxName))
		return true, nil
	}

	path := fifoio.ClientPath(fifoDir, int(hostPID))
	outbound, err := open(path)
	if err != nil {
		return false, fmt.Errorf("dispatcher: connect: open client fifo %s: %w", path, err)
	}

	mbox := d.Registry.Register(mailboxName)
	waiting := mbox.CountMatching(protocol.PriorityAll, protocol.TypeAll, protocol.SenderAll)

	c := d.Table.TryReserve(int(hostPID), mailboxName, path)
	c.Outbound = outbound

	if !procinfo.Alive(int(hostPID)) {
		logger.Warn("connecting host pid is not a live os process",
			zap.Int("local_pid", c.LocalPID), zap.Int("host_pid", int(hostPID)))
	}

	logger.Info("client connected",
		zap.Int("local_pid", c.LocalPID), zap.Int("host_pid", int(hostPID)),
		zap.String("mailbox", mailboxName), zap.Int("mailbox_waiting", waiting))

	if err := wire.WriteInt(c.Outbound, int32(c.LocalPID)); err != nil {
		return false, fmt.Errorf("dispatcher: connect: send assigned pid: %w", err)
	}

	d.updateGauges()
	return false, nil
}

// Dispatch services every syscall other than CONNECT: it reads the
// caller's local PID, issues the lock grant, and runs the matching
// handler. It reports whether the caller's SHUTDOWN should terminate
// the daemon's serving loop entirely, and the caller's local PID so
// the daemon can release that slot if a channel I/O error made the
// transaction fail (spec.md §7: "mark client slot free").
func (d *Dispatcher) Dispatch(code int, syscallR, commR io.Reader) (shutdownNow bool, pid int, err error) {
	logger := d.txnLogger()

	pid32, err := wire.ReadInt(syscallR)
	if err != nil {
		return false, client.None, fmt.Errorf("dispatcher: read caller pid: %w", err)
	}
	pid = int(pid32)

	c := d.Table.Get(pid)
	if c == nil || !c.Live {
		logger.Warn("request from invalid process id", zap.Int("pid", pid), zap.Int("syscall", code))
		return false, client.None, nil
	}

	// Lock grant: echo the caller's own PID back on its private FIFO,
	// signaling it may now write this transaction's remaining
	// parameters on the comm-channel FIFO.
	if err := wire.WriteInt(c.Outbound, int32(pid)); err != nil {
		return false, pid, fmt.Errorf("dispatcher: issue lock grant to pid %d: %w", pid, err)
	}

	if d.metrics != nil {
		d.metrics.SyscallsReceived.WithLabelValues(protocol.SyscallName(code)).Inc()
	}
	logger = logger.With(zap.Int("pid", pid), zap.String("syscall", protocol.SyscallName(code)))

	switch code {
	case protocol.Ping:
		err = d.handlePing(c, commR, logger)
	case protocol.Exit:
		d.disconnect(c, logger)
	case protocol.Shutdown:
		shutdownNow, err = d.handleShutdown(c, logger)
	case protocol.GetPID:
		err = wire.WriteInt(c.Outbound, int32(c.LocalPID))
	case protocol.GetAge:
		age := int32(time.Since(c.StartTime).Seconds())
		err = wire.WriteInt(c.Outbound, age)
	case protocol.JoinPID:
		err = d.handleJoin(c, commR, logger)
	case protocol.Wait:
		err = d.handleWait(c, commR, logger)
	case protocol.Signal:
		err = d.handleSignal(c, commR, logger)
	case protocol.Send:
		err = d.handleSend(c, commR, logger)
	case protocol.Check:
		err = d.handleCheck(c, commR, logger)
	case protocol.Recv:
		err = d.handleRecv(c, commR, logger)
	case protocol.Configure:
		err = d.handleConfigure(c, commR, logger)
	default:
		err = wire.WriteString(c.Outbound, fmt.Sprintf("Received unknown system call %o", code))
	}

	if err != nil {
		return shutdownNow, pid, fmt.Errorf("dispatcher: syscall %s from pid %d: %w", protocol.SyscallName(code), pid, err)
	}

	d.updateGauges()
	return shutdownNow, pid, nil
}
