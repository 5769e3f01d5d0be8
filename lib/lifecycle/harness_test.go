// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shepherd-fleet/shepherd/lib/clock"
	"github.com/shepherd-fleet/shepherd/lib/devicestore"
	"github.com/shepherd-fleet/shepherd/lib/identify"
	"github.com/shepherd-fleet/shepherd/lib/schema"
	"github.com/shepherd-fleet/shepherd/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	testWindow       = 90 * time.Second
	testPollInterval = time.Hour
	waitTimeout      = 5 * time.Second
)

// bootLog is a NerdMiner console capture from power-on to the first
// authorized job.
var bootLog = []string{
	"rst:0x1 (POWERON_RESET),boot:0x13 (SPI_FAST_FLASH_BOOT)",
	"Initiating tasks...",
	`{"poolString": "public-pool.io", "btcString": "bc1qexamplewallet.rig7", "nmVersion": "v1.6.3"}`,
	"*wm:STA IP Address: 192.168.1.77",
	"[WORKER] Started. Running (Stratum)",
	"[MINER] 0 Started minerWorkerHw Task!",
	"CONNECTED - Current ip: 192.168.1.77",
	"Resolved DNS and save ip (first time)",
	"[WORKER] ==> Mining subscribe",
	"[WORKER] ==> Autorize work",
	"[MINER] job received",
}

// bootLogUntil returns bootLog up to and including the first line
// that signals state.
func bootLogUntil(state schema.State) []string {
	markers := map[schema.State]string{
		schema.StateBooting:             "Initiating tasks...",
		schema.StateWorkerStarted:       "[WORKER] Started. Running (Stratum)",
		schema.StateHardwareTaskStarted: "[MINER] 0 Started minerWorkerHw Task!",
		schema.StateConnectedIP:         "CONNECTED - Current ip: 192.168.1.77",
	}
	for index, line := range bootLog {
		if line == markers[state] {
			return bootLog[:index+1]
		}
	}
	panic(fmt.Sprintf("no boot log line for %s", state))
}

func minerAttachment(devPath, serial string) schema.Attachment {
	return schema.Attachment{
		DevPath:      devPath,
		SysPath:      "/sys/devices/pci0000:00/0000:00:14.0/usb1/1-1/1-1.2/1-1.2:1.0/tty/" + filepath.Base(devPath),
		PortPath:     "1-1.2",
		VendorID:     "303a",
		ProductID:    "1001",
		SerialNumber: serial,
	}
}

// fakePort is one opened console: the test writes boot lines, the
// session reads them.
type fakePort struct {
	devPath string
	reader  *io.PipeReader
	writer  *io.PipeWriter
	closed  chan struct{}
	once    sync.Once
}

func (p *fakePort) Read(buffer []byte) (int, error) { return p.reader.Read(buffer) }

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return p.reader.Close()
}

// feed writes lines until the session closes the port.
func (p *fakePort) feed(lines ...string) {
	for _, line := range lines {
		if _, err := io.WriteString(p.writer, line+"\n"); err != nil {
			return
		}
	}
}

type fakeOpener struct {
	opened chan *fakePort
	opens  atomic.Int32

	mu      sync.Mutex
	failure error
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{opened: make(chan *fakePort, 16)}
}

func (o *fakeOpener) failWith(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failure = err
}

func (o *fakeOpener) Open(ctx context.Context, devPath string) (io.ReadCloser, error) {
	o.opens.Add(1)
	o.mu.Lock()
	failure := o.failure
	o.mu.Unlock()
	if failure != nil {
		return nil, failure
	}
	reader, writer := io.Pipe()
	port := &fakePort{devPath: devPath, reader: reader, writer: writer, closed: make(chan struct{})}
	o.opened <- port
	return port, nil
}

// faultyStore fails every write with ErrStoreUnavailable once broken.
type faultyStore struct {
	*devicestore.Store
	broken atomic.Bool
}

func (s *faultyStore) unavailable(op string) error {
	return fmt.Errorf("devicestore: %s: %w: disk I/O error", op, devicestore.ErrStoreUnavailable)
}

func (s *faultyStore) RecordProgress(ctx context.Context, token string, state schema.State) error {
	if s.broken.Load() {
		return s.unavailable("record progress")
	}
	return s.Store.RecordProgress(ctx, token, state)
}

func (s *faultyStore) MarkDetached(ctx context.Context, devPath string) ([]string, error) {
	if s.broken.Load() {
		return nil, s.unavailable("mark detached")
	}
	return s.Store.MarkDetached(ctx, devPath)
}

type progressEvent struct {
	devPath string
	state   schema.State
}

type harness struct {
	t      *testing.T
	clock  *clock.FakeClock
	dbPath string
	store  *faultyStore
	opener *fakeOpener

	events   chan schema.HotplugEvent
	progress chan progressEvent
	ended    chan Outcome

	cancel context.CancelFunc
	done   chan struct{}
	runErr error
	seq    uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fakeClock := clock.Fake(epoch)
	dbPath := filepath.Join(t.TempDir(), "shepherd.db")
	store, err := devicestore.Open(devicestore.Config{
		Path:       dbPath,
		StaleAfter: 2 * time.Minute,
		Owner:      "coordinator/1",
		Clock:      fakeClock,
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &harness{
		t:        t,
		clock:    fakeClock,
		dbPath:   dbPath,
		store:    &faultyStore{Store: store},
		opener:   newFakeOpener(),
		events:   make(chan schema.HotplugEvent),
		progress: make(chan progressEvent, 64),
		ended:    make(chan Outcome, 16),
		done:     make(chan struct{}),
	}

	coordinator, err := New(Config{
		Store:        h.store,
		Opener:       h.opener,
		Identifier:   identify.New(identify.DefaultVendors),
		Clock:        fakeClock,
		Window:       testWindow,
		PollInterval: testPollInterval,
		OnProgress: func(devPath string, state schema.State) {
			h.progress <- progressEvent{devPath: devPath, state: state}
		},
		OnSessionEnd: func(outcome Outcome) {
			h.ended <- outcome
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.runErr = coordinator.Run(ctx, h.events)
		close(h.done)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, h.done, waitTimeout, "coordinator shutdown")
	})
	return h
}

func (h *harness) send(kind schema.HotplugKind, attachment schema.Attachment) {
	h.t.Helper()
	h.seq++
	h.sendSeq(h.seq, kind, attachment)
}

func (h *harness) sendSeq(seq uint64, kind schema.HotplugKind, attachment schema.Attachment) {
	h.t.Helper()
	testutil.RequireSend(h.t, h.events, schema.HotplugEvent{
		Seq:        seq,
		Kind:       kind,
		Attachment: attachment,
		ReceivedAt: h.clock.Now(),
		Source:     "test",
	}, waitTimeout, "sending hotplug event")
}

func (h *harness) attach(attachment schema.Attachment) {
	h.t.Helper()
	h.send(schema.HotplugAttached, attachment)
}

func (h *harness) detach(devPath string) {
	h.t.Helper()
	h.send(schema.HotplugDetached, schema.Attachment{DevPath: devPath})
}

// sync returns once the event loop has finished every event sent
// before it. The loop ignores events without a device path.
func (h *harness) sync() {
	h.t.Helper()
	testutil.RequireSend(h.t, h.events, schema.HotplugEvent{}, waitTimeout, "event loop sync")
}

func (h *harness) nextPort() *fakePort {
	h.t.Helper()
	return testutil.RequireReceive(h.t, h.opener.opened, waitTimeout, "waiting for port open")
}

func (h *harness) waitProgress(devPath string, state schema.State) {
	h.t.Helper()
	for {
		event := testutil.RequireReceive(h.t, h.progress, waitTimeout, "waiting for %s on %s", state, devPath)
		if event.devPath == devPath && event.state == state {
			return
		}
	}
}

func (h *harness) waitEnd() Outcome {
	h.t.Helper()
	return testutil.RequireReceive(h.t, h.ended, waitTimeout, "waiting for session end")
}

func (h *harness) record(serial string) schema.Record {
	h.t.Helper()
	record, err := h.store.Lookup(context.Background(), serial)
	if err != nil {
		h.t.Fatalf("Lookup(%s): %v", serial, err)
	}
	return record
}

func (h *harness) sessions() []schema.Session {
	h.t.Helper()
	sessions, err := h.store.ListSessions(context.Background())
	if err != nil {
		h.t.Fatalf("ListSessions: %v", err)
	}
	return sessions
}
