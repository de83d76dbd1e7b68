package dispatcher

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/campinsights/yamsd/internal/client"
	"github.com/campinsights/yamsd/internal/mailbox"
	"github.com/campinsights/yamsd/internal/protocol"
	"github.com/campinsights/yamsd/internal/wire"
)

// disconnect tears down c's slot: any client JOINed on c is woken with
// a success code, a goodbye string is sent, the outbound FIFO is
// closed, and the slot is released. Mirrors
// original_source/yamsd.c's disconnect_process, except it actually
// clears the joiner's join target (yamsd.c has a `==` where it meant
// `=`, leaving join_PID set after waking; spec.md §4.4 states the
// target is cleared, so that is what this does).
func (d *Dispatcher) disconnect(c *client.Client, logger *zap.Logger) {
	exitingPID := c.LocalPID
	d.Table.Each(func(joiner *client.Client) {
		if joiner.JoinTarget == exitingPID {
			if err := wire.WriteInt(joiner.Outbound, 0); err != nil {
				logger.Warn("failed to wake joiner", zap.Int("joiner_pid", joiner.LocalPID), zap.Error(err))
			}
			joiner.ClearBlockingState()
		}
	})

	if err := wire.WriteString(c.Outbound, "DISCONNECTING. Goodbye."); err != nil {
		logger.Warn("failed to send disconnect goodbye", zap.Error(err))
	}
	_ = c.Outbound.Close()
	logger.Info("client disconnected", zap.Int("pid", exitingPID))
	d.Table.Release(exitingPID)
}

// handleShutdown implements spec.md §4.4's SHUTDOWN contract: if the
// caller is the last live client, the daemon says goodbye and reports
// that the serving loop should end; otherwise SHUTDOWN behaves exactly
// like EXIT.
func (d *Dispatcher) handleShutdown(c *client.Client, logger *zap.Logger) (bool, error) {
	if d.Table.LiveCount() == 1 {
		logger.Info("last client shutting down the daemon", zap.Int("pid", c.LocalPID))
		if err := wire.WriteString(c.Outbound, "SHUTTING DOWN. Goodbye."); err != nil {
			return true, err
		}
		_ = c.Outbound.Close()
		d.Table.Release(c.LocalPID)
		return true, nil
	}
	d.disconnect(c, logger)
	return false, nil
}

func (d *Dispatcher) handlePing(c *client.Client, commR io.Reader, logger *zap.Logger) error {
	code, err := wire.ReadInt(commR)
	if err != nil {
		return fmt.Errorf("read ping code: %w", err)
	}
	logger.Debug("ping", zap.Int32("code", code))
	return wire.WriteString(c.Outbound, fmt.Sprintf("Received PING with code %d", code))
}

func (d *Dispatcher) handleJoin(c *client.Client, commR io.Reader, logger *zap.Logger) error {
	target, err := wire.ReadInt(commR)
	if err != nil {
		return fmt.Errorf("read join target: %w", err)
	}
	if !d.Table.IsLive(int(target)) {
		logger.Info("join on invalid pid", zap.Int32("target", target))
		return wire.WriteInt(c.Outbound, -1)
	}
	c.JoinTarget = int(target)
	return nil
}

func (d *Dispatcher) handleWait(c *client.Client, commR io.Reader, logger *zap.Logger) error {
	target, err := wire.ReadInt(commR)
	if err != nil {
		return fmt.Errorf("read wait target: %w", err)
	}
	if !d.Table.IsLive(int(target)) {
		logger.Info("wait on invalid pid", zap.Int32("target", target))
		return wire.WriteInt(c.Outbound, -1)
	}
	c.WaitTarget = int(target)
	return nil
}

func (d *Dispatcher) handleSignal(c *client.Client, commR io.Reader, logger *zap.Logger) error {
	target, err := wire.ReadInt(commR)
	if err != nil {
		return fmt.Errorf("read signal target: %w", err)
	}
	tc := d.Table.Get(int(target))
	if tc == nil || !tc.Live || tc.WaitTarget != c.LocalPID {
		logger.Info("signal to non-waiting pid", zap.Int32("target", target))
		return wire.WriteInt(c.Outbound, -1)
	}
	tc.ClearBlockingState()
	if err := wire.WriteInt(tc.Outbound, 0); err != nil {
		return fmt.Errorf("signal waiter: %w", err)
	}
	return wire.WriteInt(c.Outbound, 0)
}

func (d *Dispatcher) handleConfigure(c *client.Client, commR io.Reader, logger *zap.Logger) error {
	n, err := wire.ReadInt(commR)
	if err != nil {
		return fmt.Errorf("read configure count: %w", err)
	}
	logger.Debug("configure", zap.Int32("count", n))
	if err := wire.WriteString(c.Outbound, fmt.Sprintf(
		"Received CONFIGURE request for mailbox %s with %d configuration strings", c.MailboxName, n)); err != nil {
		return err
	}
	for i := int32(0); i < n; i++ {
		kv, err := wire.ReadString(commR, protocol.StringSize)
		if err != nil {
			return fmt.Errorf("read configure item %d: %w", i, err)
		}
		if err := wire.WriteString(c.Outbound, "Configuring "+kv); err != nil {
			return fmt.Errorf("ack configure item %d: %w", i, err)
		}
	}
	return nil
}

func (d *Dispatcher) handleCheck(c *client.Client, commR io.Reader, logger *zap.Logger) error {
	priority, err := wire.ReadInt(commR)
	if err != nil {
		return fmt.Errorf("read check priority: %w", err)
	}
	typ, err := wire.ReadInt(commR)
	if err != nil {
		return fmt.Errorf("read check type: %w", err)
	}
	sender, err := wire.ReadString(commR, protocol.StringSize)
	if err != nil {
		return fmt.Errorf("read check sender: %w", err)
	}

	mbox := d.Registry.Register(c.MailboxName)
	count := mbox.CountMatching(int(priority), int(typ), sender)
	logger.Debug("check", zap.Int32("priority", priority), zap.Int32("type", typ),
		zap.String("sender", sender), zap.Int("count", count))

	return wire.WriteString(c.Outbound, fmt.Sprintf(
		"You have %d messages of priority %s and type %s from sender %s",
		count, protocol.PriorityName(int(priority)), protocol.TypeName(int(typ)), sender))
}

func (d *Dispatcher) handleRecv(c *client.Client, commR io.Reader, logger *zap.Logger) error {
	priority, err := wire.ReadInt(commR)
	if err != nil {
		return fmt.Errorf("read recv priority: %w", err)
	}
	typ, err := wire.ReadInt(commR)
	if err != nil {
		return fmt.Errorf("read recv type: %w", err)
	}
	sender, err := wire.ReadString(commR, protocol.StringSize)
	if err != nil {
		return fmt.Errorf("read recv sender: %w", err)
	}

	mbox := d.Registry.Register(c.MailboxName)
	msg := mbox.FetchFirstMatching(int(priority), int(typ), sender)
	if msg == nil {
		logger.Debug("recv blocked, no match", zap.Int32("priority", priority), zap.Int32("type", typ), zap.String("sender", sender))
		c.PendingRecv = client.PendingRecv{Active: true, Priority: int(priority), Type: int(typ), Sender: sender}
		return nil
	}
	if d.metrics != nil {
		d.metrics.MessagesFromQueue.Inc()
	}
	return writeMessageBlock(c.Outbound, msg)
}

// handleSend implements spec.md §4.4's SEND fast-path fusion: if a
// live client (including the sender itself, per Open Question (c))
// is blocked on a RECV matching this destination mailbox and filter,
// the message is built and delivered directly without ever touching
// the mailbox's queue; otherwise it is queued as usual. Mirrors
// original_source/yamsd.c's receive_message.
func (d *Dispatcher) handleSend(c *client.Client, commR io.Reader, logger *zap.Logger) error {
	mailboxName, err := wire.ReadString(commR, protocol.StringSize)
	if err != nil {
		return fmt.Errorf("read send mailbox: %w", err)
	}
	priority, err := wire.ReadInt(commR)
	if err != nil {
		return fmt.Errorf("read send priority: %w", err)
	}
	typ, err := wire.ReadInt(commR)
	if err != nil {
		return fmt.Errorf("read send type: %w", err)
	}
	logger.Debug("send", zap.String("mailbox", mailboxName), zap.Int32("priority", priority), zap.Int32("type", typ))

	ack := fmt.Sprintf("Ready to receive priority %s, type %s message for mailbox %s",
		protocol.PriorityName(int(priority)), protocol.TypeName(int(typ)), mailboxName)

	waiter := d.findWaitingRecv(mailboxName, int(priority), int(typ), c.MailboxName)
	if waiter != nil {
		if err := wire.WriteString(c.Outbound, ack); err != nil {
			return fmt.Errorf("send ack: %w", err)
		}
		msg, n, err := d.readLines(commR, int(priority), int(typ), c.MailboxName)
		if err != nil {
			return err
		}
		if err := wire.WriteString(c.Outbound, fmt.Sprintf("Received %d message lines", n)); err != nil {
			return fmt.Errorf("send line-count ack: %w", err)
		}
		if err := writeMessageBlock(waiter.Outbound, msg); err != nil {
			return fmt.Errorf("deliver fast-path message: %w", err)
		}
		waiter.ClearBlockingState()
		if d.metrics != nil {
			d.metrics.MessagesFastPath.Inc()
		}
		return nil
	}

	mbox := d.Registry.Register(mailboxName)
	if err := wire.WriteString(c.Outbound, ack); err != nil {
		return fmt.Errorf("send ack: %w", err)
	}
	msg, n, err := d.readLines(commR, int(priority), int(typ), c.MailboxName)
	if err != nil {
		return err
	}
	mbox.Append(msg)
	if d.metrics != nil {
		d.metrics.MessagesQueued.Inc()
	}
	return wire.WriteString(c.Outbound, fmt.Sprintf("Received %d message lines", n))
}

// findWaitingRecv scans every live client for one parked on a RECV
// matching (mailboxName, priority, type, sender), including the
// sender's own record (Open Question (c)).
func (d *Dispatcher) findWaitingRecv(mailboxName string, priority, typ int, sender string) *client.Client {
	var found *client.Client
	d.Table.Each(func(cand *client.Client) {
		if found != nil || cand.MailboxName != mailboxName || !cand.PendingRecv.Active {
			return
		}
		p := cand.PendingRecv
		okP := p.Priority == protocol.PriorityAll || p.Priority == priority
		okT := p.Type == protocol.TypeAll || p.Type == typ
		okS := p.Sender == protocol.SenderAll || p.Sender == sender
		if okP && okT && okS {
			found = cand
		}
	})
	return found
}

// readLines streams SEND's line payload from commR until an empty
// line terminates it, building a new Message. Mirrors
// original_source/yamsd.c's read_message.
func (d *Dispatcher) readLines(commR io.Reader, priority, typ int, sender string) (*mailbox.Message, int, error) {
	msg := mailbox.NewMessage(priority, typ, sender)
	for {
		line, err := wire.ReadString(commR, protocol.StringSize)
		if err != nil {
			return nil, 0, fmt.Errorf("read message line: %w", err)
		}
		if len(line) == 0 {
			break
		}
		msg.AppendLine(line)
	}
	return msg, msg.NumLines, nil
}

// writeMessageBlock writes the standard message-delivery block (used
// by RECV and SEND's fast path) to w: priority, type, sender, line
// count, then each line in order.
func writeMessageBlock(w client.WriteCloser, msg *mailbox.Message) error {
	if err := wire.WriteInt(w, int32(msg.Priority)); err != nil {
		return fmt.Errorf("write message priority: %w", err)
	}
	if err := wire.WriteInt(w, int32(msg.Type)); err != nil {
		return fmt.Errorf("write message type: %w", err)
	}
	if err := wire.WriteString(w, msg.Sender); err != nil {
		return fmt.Errorf("write message sender: %w", err)
	}
	if err := wire.WriteInt(w, int32(msg.NumLines)); err != nil {
		return fmt.Errorf("write message line count: %w", err)
	}
	for line := msg.FirstLine; line != nil; line = line.Next {
		if err := wire.WriteString(w, line.Text); err != nil {
			return fmt.Errorf("write message line: %w", err)
		}
	}
	return nil
}
