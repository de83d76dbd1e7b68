// Package daemon wires the dispatcher, mailbox registry, and client
// table into the top-level run loop: create the two server FIFOs,
// wait for a first CONNECT, serve transactions until the last client
// departs or a SHUTDOWN/signal ends the daemon, then tear the FIFOs
// down and, unless the daemon is stopping, start over. Mirrors
// original_source/yamsd.c's `while(running)` outer loop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/campinsights/yamsd/internal/client"
	"github.com/campinsights/yamsd/internal/config"
	"github.com/campinsights/yamsd/internal/dispatcher"
	"github.com/campinsights/yamsd/internal/fifoio"
	"github.com/campinsights/yamsd/internal/mailbox"
	"github.com/campinsights/yamsd/internal/metrics"
	"github.com/campinsights/yamsd/internal/protocol"
	"github.com/campinsights/yamsd/internal/wire"
)

// ErrTooManyBadRequests is returned from Run when more than
// cfg.MaxBadRequests non-CONNECT requests arrive before the first
// CONNECT, matching original_source/yamsd.c's exit(-1) path.
var ErrTooManyBadRequests = errors.New("daemon: too many non-connect requests before first connect")

// Daemon owns the process-wide tables and the dispatcher that mutates
// them, plus the FIFO lifecycle around one or more LISTENING/SERVING
// cycles.
type Daemon struct {
	cfg        config.DaemonConfig
	fifoDir    string
	Registry   *mailbox.Registry
	Table      *client.Table
	dispatcher *dispatcher.Dispatcher
	metrics    *metrics.Registry
	logger     *zap.Logger
	throttle   *fifoio.ErrorThrottle
}

// New builds a Daemon from configuration, allocating the registry and
// client table at cfg.Daemon.ListSize.
func New(cfg config.Config, metricsRegistry *metrics.Registry, logger *zap.Logger) *Daemon {
	registry := mailbox.NewRegistry(cfg.Daemon.ListSize)
	table := client.NewTable(cfg.Daemon.ListSize)
	return &Daemon{
		cfg:        cfg.Daemon,
		fifoDir:    cfg.FIFO.Dir,
		Registry:   registry,
		Table:      table,
		dispatcher: dispatcher.New(registry, table, metricsRegistry, logger),
		metrics:    metricsRegistry,
		logger:     logger,
		throttle:   fifoio.NewErrorThrottle(logger, cfg.Daemon.ErrorLogInterval, cfg.Daemon.ErrorLogBurst),
	}
}

func (dm *Daemon) openClient(path string) (client.WriteCloser, error) {
	return fifoio.OpenWriteOnly(path)
}

// Run drives the daemon until ctx is canceled or a client-issued
// SHUTDOWN (as the last live client) ends it. It returns nil on either
// of those graceful paths, and ErrTooManyBadRequests if the startup
// bad-request ceiling is exceeded before any client ever connects.
func (dm *Daemon) Run(ctx context.Context) error {
	paths := fifoio.NewServerPaths(dm.fifoDir)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := fifoio.Create(paths.SyscallFIFO); err != nil {
			return err
		}
		if err := fifoio.Create(paths.CommChannel); err != nil {
			return err
		}
		dm.logger.Info("fifos created", zap.String("syscall_fifo", paths.SyscallFIFO), zap.String("comm_channel", paths.CommChannel))

		syscallFile, err := dm.openCancelable(ctx, paths.SyscallFIFO)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		commFile, err := dm.openCancelable(ctx, paths.CommChannel)
		if err != nil {
			_ = syscallFile.Close()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = dm.waitForFirstConnect(ctx, syscallFile, commFile)
		if err != nil {
			_ = syscallFile.Close()
			_ = commFile.Close()
			_ = fifoio.Remove(paths.SyscallFIFO)
			_ = fifoio.Remove(paths.CommChannel)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		stopping := dm.serve(ctx, syscallFile, commFile)
		if stopping {
			dm.countMessagesDroppedAtShutdown()
		}

		_ = syscallFile.Close()
		_ = commFile.Close()
		_ = fifoio.Remove(paths.SyscallFIFO)
		_ = fifoio.Remove(paths.CommChannel)
		dm.logger.Info("fifos torn down")

		if stopping || ctx.Err() != nil {
			return nil
		}
		// All clients exited without a SHUTDOWN: loop back to LISTENING.
	}
}

// openCancelable opens path for reading, unblocking the otherwise
// indefinite open() if ctx is canceled first by briefly opening a
// throwaway writer on the same path — the FIFO analog of the teacher's
// transport.Server.Stop() closing its net.Listener to unstick a
// blocked Accept.
func (dm *Daemon) openCancelable(ctx context.Context, path string) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := fifoio.OpenReadOnly(path)
		done <- result{f, err}
	}()

	select {
	case r := <-done:
		return r.f, r.err
	case <-ctx.Done():
		go func() {
			if w, err := os.OpenFile(path, os.O_WRONLY|os.O_NONBLOCK, 0); err == nil {
				_ = w.Close()
			}
		}()
		r := <-done
		if r.f != nil {
			_ = r.f.Close()
		}
		return nil, ctx.Err()
	}
}

// waitForFirstConnect implements the LISTENING state: it reads syscall
// headers until a CONNECT succeeds, tolerating up to cfg.MaxBadRequests
// non-CONNECT or rejected-CONNECT requests before giving up.
func (dm *Daemon) waitForFirstConnect(ctx context.Context, syscallFile, commFile *os.File) error {
	badRequests := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		code, err := wire.ReadInt(syscallFile)
		if err != nil {
			return fmt.Errorf("daemon: read syscall header while listening: %w", err)
		}

		if int(code) == protocol.Connect {
			rejected, err := dm.dispatcher.HandleConnect(syscallFile, commFile, dm.fifoDir, dm.openClient)
			if err != nil {
				return fmt.Errorf("daemon: handle first connect: %w", err)
			}
			if !rejected {
				return nil
			}
		} else {
			dm.logger.Warn("bad request before first connect", zap.Int32("syscall", code))
		}

		if dm.metrics != nil {
			dm.metrics.BadRequests.Inc()
		}
		badRequests++
		if badRequests > dm.cfg.MaxBadRequests {
			return ErrTooManyBadRequests
		}
	}
}

// serve implements the SERVING state: dispatch transactions until the
// client table empties naturally or a SHUTDOWN ends the daemon. It
// returns true when the daemon should stop entirely rather than loop
// back to LISTENING.
func (dm *Daemon) serve(ctx context.Context, syscallFile, commFile *os.File) bool {
	for dm.Table.LiveCount() > 0 {
		if ctx.Err() != nil {
			dm.closeAllClients("daemon shutting down")
			return true
		}

		code, err := wire.ReadInt(syscallFile)
		if err != nil {
			dm.logger.Error("read syscall header while serving", zap.Error(err))
			dm.closeAllClients("syscall fifo read failed")
			return true
		}

		if int(code) == protocol.Connect {
			if _, err := dm.dispatcher.HandleConnect(syscallFile, commFile, dm.fifoDir, dm.openClient); err != nil {
				dm.throttle.Log("connect failed while serving", zap.Error(err))
			}
			continue
		}

		shutdownNow, pid, err := dm.dispatcher.Dispatch(int(code), syscallFile, commFile)
		if err != nil {
			dm.throttle.Log("syscall dispatch failed", zap.Error(err), zap.Int("pid", pid))
			if c := dm.Table.Get(pid); c != nil && c.Live {
				_ = c.Outbound.Close()
				dm.Table.Release(pid)
			}
			continue
		}
		if shutdownNow {
			return true
		}
	}
	return false
}

// closeAllClients forcibly closes every live client's private FIFO and
// releases its slot, used when the daemon is ending mid-SERVING rather
// than via an orderly last-client SHUTDOWN.
func (dm *Daemon) closeAllClients(reason string) {
	var pids []int
	dm.Table.Each(func(c *client.Client) { pids = append(pids, c.LocalPID) })
	for _, pid := range pids {
		c := dm.Table.Get(pid)
		if c == nil || !c.Live {
			continue
		}
		dm.logger.Info("force-closing client", zap.Int("pid", pid), zap.String("reason", reason))
		_ = c.Outbound.Close()
		dm.Table.Release(pid)
	}
}

// ClientCount reports the number of live clients, used by the health
// endpoint.
func (dm *Daemon) ClientCount() int { return dm.Table.LiveCount() }

// countMessagesDroppedAtShutdown tallies every message still queued
// across the registry and reports it as dropped, since no mailbox
// state survives a daemon restart (spec.md §3).
func (dm *Daemon) countMessagesDroppedAtShutdown() {
	if dm.metrics == nil {
		return
	}
	dropped := 0
	dm.Registry.Each(func(mb *mailbox.Mailbox) {
		dropped += mb.CountMatching(protocol.PriorityAll, protocol.TypeAll, protocol.SenderAll)
	})
	if dropped > 0 {
		dm.logger.Info("messages dropped at shutdown", zap.Int("count", dropped))
	}
	dm.metrics.MessagesDroppedAtExit.Add(float64(dropped))
}
