package dispatcher

import (
	"bytes"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/campinsights/yamsd/internal/client"
	"github.com/campinsights/yamsd/internal/mailbox"
	"github.com/campinsights/yamsd/internal/metrics"
	"github.com/campinsights/yamsd/internal/protocol"
	"github.com/campinsights/yamsd/internal/wire"
)

// fakeConn is an in-memory stand-in for a client's private FIFO: test
// code reads from it with wire.ReadInt/ReadString to assert on what
// the dispatcher wrote.
type fakeConn struct {
	bytes.Buffer
	closed bool
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

// sharedTestMetrics avoids re-registering the same Prometheus
// collectors under the default registerer once per test function.
var (
	testMetricsOnce sync.Once
	testMetrics     *metrics.Registry
)

func newTestMetrics() *metrics.Registry {
	testMetricsOnce.Do(func() { testMetrics = metrics.NewRegistry() })
	return testMetrics
}

// testHarness wires a fresh registry/table/dispatcher and tracks the
// private-FIFO fakes so tests can read responses after a call.
type testHarness struct {
	t    *testing.T
	d    *Dispatcher
	fifo map[int]*fakeConn
}

func newHarness(t *testing.T, size int) *testHarness {
	reg := mailbox.NewRegistry(size)
	tbl := client.NewTable(size)
	d := New(reg, tbl, newTestMetrics(), zap.NewNop())
	return &testHarness{t: t, d: d, fifo: map[int]*fakeConn{}}
}

// connect drives a full CONNECT transaction and returns the assigned
// local PID.
func (h *testHarness) connect(hostPID int, mailboxName string) int {
	h.t.Helper()
	syscallIn := &bytes.Buffer{}
	commIn := &bytes.Buffer{}
	if err := wire.WriteInt(syscallIn, int32(hostPID)); err != nil {
		h.t.Fatalf("write host pid: %v", err)
	}
	if err := wire.WriteString(commIn, mailboxName); err != nil {
		h.t.Fatalf("write mailbox name: %v", err)
	}

	var opened *fakeConn
	rejected, err := h.d.HandleConnect(syscallIn, commIn, "/tmp", func(path string) (client.WriteCloser, error) {
		opened = &fakeConn{}
		return opened, nil
	})
	if err != nil {
		h.t.Fatalf("connect: %v", err)
	}
	if rejected {
		h.t.Fatalf("connect unexpectedly rejected")
	}

	pid, err := wire.ReadInt(opened)
	if err != nil {
		h.t.Fatalf("read assigned pid: %v", err)
	}
	h.fifo[int(pid)] = opened
	return int(pid)
}

// call drives a non-CONNECT transaction for pid, first discarding the
// lock-grant echo, then handing commParams to the handler.
func (h *testHarness) call(code, pid int, commParams []byte) {
	h.t.Helper()
	syscallIn := &bytes.Buffer{}
	if err := wire.WriteInt(syscallIn, int32(pid)); err != nil {
		h.t.Fatalf("write caller pid: %v", err)
	}
	commIn := bytes.NewBuffer(commParams)

	if _, _, err := h.d.Dispatch(code, syscallIn, commIn); err != nil {
		h.t.Fatalf("dispatch %o: %v", code, err)
	}

	// drain the lock-grant echo from the caller's own FIFO
	if _, err := wire.ReadInt(h.fifo[pid]); err != nil {
		h.t.Fatalf("read lock grant: %v", err)
	}
}

func intParams(vs ...int32) []byte {
	buf := &bytes.Buffer{}
	for _, v := range vs {
		_ = wire.WriteInt(buf, v)
	}
	return buf.Bytes()
}

func TestSingleClientEcho(t *testing.T) {
	h := newHarness(t, 4)
	pid := h.connect(4242, "alice")
	if pid != 0 {
		t.Fatalf("expected pid 0, got %d", pid)
	}

	params := &bytes.Buffer{}
	_ = wire.WriteInt(params, 7)
	h.call(protocol.Ping, pid, params.Bytes())

	resp, err := wire.ReadString(h.fifo[pid], protocol.StringSize)
	if err != nil {
		t.Fatalf("read ping response: %v", err)
	}
	if resp != "Received PING with code 7" {
		t.Fatalf("unexpected ping response: %q", resp)
	}

	h.call(protocol.Exit, pid, nil)
	goodbye, err := wire.ReadString(h.fifo[pid], protocol.StringSize)
	if err != nil {
		t.Fatalf("read exit response: %v", err)
	}
	if goodbye != "DISCONNECTING. Goodbye." {
		t.Fatalf("unexpected goodbye: %q", goodbye)
	}
	if !h.fifo[pid].closed {
		t.Fatalf("expected private fifo closed on exit")
	}
}

func TestStoreAndForward(t *testing.T) {
	h := newHarness(t, 4)
	a := h.connect(1, "a")
	b := h.connect(2, "b")

	sendParams := &bytes.Buffer{}
	_ = wire.WriteString(sendParams, "b")
	_ = wire.WriteInt(sendParams, protocol.PriorityNormal)
	_ = wire.WriteInt(sendParams, protocol.TypeInfo)
	_ = wire.WriteString(sendParams, "hi")
	_ = wire.WriteString(sendParams, "there")
	_ = wire.WriteString(sendParams, "")
	h.call(protocol.Send, a, sendParams.Bytes())

	ack, err := wire.ReadString(h.fifo[a], protocol.StringSize)
	if err != nil || ack == "" {
		t.Fatalf("read send ack: %v", err)
	}
	confirm, err := wire.ReadString(h.fifo[a], protocol.StringSize)
	if err != nil {
		t.Fatalf("read send confirm: %v", err)
	}
	if confirm != "Received 2 message lines" {
		t.Fatalf("unexpected confirm: %q", confirm)
	}

	checkParams := intParams(protocol.PriorityAll, protocol.TypeAll)
	buf := bytes.NewBuffer(checkParams)
	_ = wire.WriteString(buf, protocol.SenderAll)
	h.call(protocol.Check, b, buf.Bytes())
	checkResp, err := wire.ReadString(h.fifo[b], protocol.StringSize)
	if err != nil {
		t.Fatalf("read check response: %v", err)
	}
	if checkResp != "You have 1 messages of priority ALL and type ALL from sender *" {
		t.Fatalf("unexpected check response: %q", checkResp)
	}

	recvParams := intParams(protocol.PriorityAll, protocol.TypeAll)
	rbuf := bytes.NewBuffer(recvParams)
	_ = wire.WriteString(rbuf, protocol.SenderAll)
	h.call(protocol.Recv, b, rbuf.Bytes())

	priority, _ := wire.ReadInt(h.fifo[b])
	typ, _ := wire.ReadInt(h.fifo[b])
	sender, _ := wire.ReadString(h.fifo[b], protocol.StringSize)
	lineCount, _ := wire.ReadInt(h.fifo[b])
	line1, _ := wire.ReadString(h.fifo[b], protocol.StringSize)
	line2, _ := wire.ReadString(h.fifo[b], protocol.StringSize)

	if priority != protocol.PriorityNormal || typ != protocol.TypeInfo || sender != "a" ||
		lineCount != 2 || line1 != "hi" || line2 != "there" {
		t.Fatalf("unexpected message block: %d %d %q %d %q %q", priority, typ, sender, lineCount, line1, line2)
	}
}

func TestFastPathBypass(t *testing.T) {
	h := newHarness(t, 4)
	b := h.connect(2, "b")

	recvParams := intParams(protocol.PriorityAll, protocol.TypeAll)
	rbuf := bytes.NewBuffer(recvParams)
	_ = wire.WriteString(rbuf, protocol.SenderAll)
	h.call(protocol.Recv, b, rbuf.Bytes())
	// RECV found no match and blocked: no response yet.
	if h.fifo[b].Len() != 0 {
		t.Fatalf("expected no response while blocked on recv")
	}

	a := h.connect(1, "a")
	sendParams := &bytes.Buffer{}
	_ = wire.WriteString(sendParams, "b")
	_ = wire.WriteInt(sendParams, protocol.PriorityBatch)
	_ = wire.WriteInt(sendParams, protocol.TypeStatus)
	_ = wire.WriteString(sendParams, "x")
	_ = wire.WriteString(sendParams, "")
	h.call(protocol.Send, a, sendParams.Bytes())

	priority, _ := wire.ReadInt(h.fifo[b])
	typ, _ := wire.ReadInt(h.fifo[b])
	sender, _ := wire.ReadString(h.fifo[b], protocol.StringSize)
	lineCount, _ := wire.ReadInt(h.fifo[b])
	line1, _ := wire.ReadString(h.fifo[b], protocol.StringSize)

	if priority != protocol.PriorityBatch || typ != protocol.TypeStatus || sender != "a" ||
		lineCount != 1 || line1 != "x" {
		t.Fatalf("unexpected fast-path block: %d %d %q %d %q", priority, typ, sender, lineCount, line1)
	}

	mbox := h.d.Registry.Register("b")
	if mbox.CountMatching(protocol.PriorityAll, protocol.TypeAll, protocol.SenderAll) != 0 {
		t.Fatalf("expected mailbox b queue to remain empty after fast-path delivery")
	}
}

func TestJoinThenExitWakesJoiner(t *testing.T) {
	h := newHarness(t, 4)
	c := h.connect(3, "c")
	d := h.connect(4, "d")

	joinParams := intParams(int32(d))
	h.call(protocol.JoinPID, c, joinParams)
	if h.fifo[c].Len() != 0 {
		t.Fatalf("expected no response while blocked on join")
	}

	h.call(protocol.Exit, d, nil)

	woke, err := wire.ReadInt(h.fifo[c])
	if err != nil {
		t.Fatalf("read join wake: %v", err)
	}
	if woke != 0 {
		t.Fatalf("expected join wake value 0, got %d", woke)
	}
}

func TestWaitSignal(t *testing.T) {
	h := newHarness(t, 4)
	e := h.connect(5, "e")
	f := h.connect(6, "f")

	h.call(protocol.Wait, e, intParams(int32(f)))
	if h.fifo[e].Len() != 0 {
		t.Fatalf("expected no response while blocked on wait")
	}

	h.call(protocol.Signal, f, intParams(int32(e)))

	eResult, err := wire.ReadInt(h.fifo[e])
	if err != nil || eResult != 0 {
		t.Fatalf("expected waiter result 0, got %d err=%v", eResult, err)
	}
	fResult, err := wire.ReadInt(h.fifo[f])
	if err != nil || fResult != 0 {
		t.Fatalf("expected signaller result 0, got %d err=%v", fResult, err)
	}
}

func TestSignalWithoutWaitReturnsError(t *testing.T) {
	h := newHarness(t, 4)
	e := h.connect(5, "e")
	f := h.connect(6, "f")

	h.call(protocol.Signal, f, intParams(int32(e)))
	fResult, err := wire.ReadInt(h.fifo[f])
	if err != nil || fResult != -1 {
		t.Fatalf("expected signaller result -1, got %d err=%v", fResult, err)
	}
}

func TestAdmissionRejectionWhenTableFull(t *testing.T) {
	h := newHarness(t, 2)
	h.connect(1, "a")
	h.connect(2, "b")

	syscallIn := &bytes.Buffer{}
	commIn := &bytes.Buffer{}
	_ = wire.WriteInt(syscallIn, 3)
	_ = wire.WriteString(commIn, "c")

	opened := false
	rejected, err := h.d.HandleConnect(syscallIn, commIn, "/tmp", func(path string) (client.WriteCloser, error) {
		opened = true
		return &fakeConn{}, nil
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !rejected {
		t.Fatalf("expected rejection on full table")
	}
	if opened {
		t.Fatalf("expected no client fifo to be opened on rejection")
	}
}
