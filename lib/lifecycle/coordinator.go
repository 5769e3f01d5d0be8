// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/shepherd-fleet/shepherd/lib/clock"
	"github.com/shepherd-fleet/shepherd/lib/devicestore"
	"github.com/shepherd-fleet/shepherd/lib/identify"
	"github.com/shepherd-fleet/shepherd/lib/logging"
	"github.com/shepherd-fleet/shepherd/lib/schema"
	"github.com/shepherd-fleet/shepherd/lib/serialport"
)

// DefaultPollInterval is used when Config.PollInterval is zero.
const DefaultPollInterval = 30 * time.Second

// Store is the subset of [devicestore.Store] the coordinator writes
// through.
type Store interface {
	BeginSession(ctx context.Context, request devicestore.BeginRequest) (devicestore.Lease, error)
	RecordProgress(ctx context.Context, token string, state schema.State) error
	RecordConfig(ctx context.Context, token string, config schema.CapturedConfig) error
	Activate(ctx context.Context, token string) (schema.Record, error)
	ReleaseSession(ctx context.Context, token string) error
	MarkDetached(ctx context.Context, devPath string) ([]string, error)
	Lookup(ctx context.Context, serial string) (schema.Record, error)
}

// Config holds a Coordinator's collaborators and timing.
type Config struct {
	Store      Store
	Opener     serialport.Opener
	Identifier *identify.Identifier
	Clock      clock.Clock
	Logger     *slog.Logger

	// SettleDelay is waited between attach and opening the port.
	// Zero opens immediately.
	SettleDelay time.Duration

	// Window bounds each handshake. Zero uses the handshake default.
	Window time.Duration

	// PollInterval is how often attached devices without a session
	// are re-attempted.
	PollInterval time.Duration

	// OnProgress, if set, is called from the session goroutine after
	// each handshake step is persisted.
	OnProgress func(devPath string, state schema.State)

	// OnSessionEnd, if set, is called from the event loop after a
	// session has released its marker.
	OnSessionEnd func(Outcome)
}

// Outcome describes how a session ended.
type Outcome struct {
	DevPath string
	Serial  string

	// State is the last handshake step observed on the console.
	State schema.State

	// Config is everything captured during the session.
	Config schema.CapturedConfig

	// Activated is true when the session handed a named device to
	// the monitoring collector.
	Activated bool

	// Err is nil for an authorized handshake.
	Err error
}

// Coordinator is the device lifecycle state machine. Create with New
// and call Run exactly once.
type Coordinator struct {
	store        Store
	opener       serialport.Opener
	identifier   *identify.Identifier
	clock        clock.Clock
	logger       *slog.Logger
	settleDelay  time.Duration
	window       time.Duration
	pollInterval time.Duration
	onProgress   func(string, schema.State)
	onSessionEnd func(Outcome)

	// Owned by the Run goroutine.
	sessions map[string]*session
	attached map[string]attachedDevice
	lastSeq  map[string]uint64

	ended    chan sessionEnd
	fatal    chan error
	loopDone chan struct{}
	wg       sync.WaitGroup
}

type attachedDevice struct {
	attachment schema.Attachment
	identity   identify.Identity
}

// session is the event loop's handle on one running session.
type session struct {
	devPath string
	serial  string
	token   string
	named   bool
	cancel  context.CancelFunc
}

type sessionEnd struct {
	session *session
	outcome Outcome
}

// New validates cfg and returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	var errs []error
	if cfg.Store == nil {
		errs = append(errs, errors.New("Store is required"))
	}
	if cfg.Opener == nil {
		errs = append(errs, errors.New("Opener is required"))
	}
	if cfg.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("SettleDelay must not be negative, got %s", cfg.SettleDelay))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("lifecycle: invalid config: %w", err)
	}

	if cfg.Identifier == nil {
		cfg.Identifier = identify.New(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	return &Coordinator{
		store:        cfg.Store,
		opener:       cfg.Opener,
		identifier:   cfg.Identifier,
		clock:        cfg.Clock,
		logger:       logging.OrDiscard(cfg.Logger).With("component", "lifecycle"),
		settleDelay:  cfg.SettleDelay,
		window:       cfg.Window,
		pollInterval: cfg.PollInterval,
		onProgress:   cfg.OnProgress,
		onSessionEnd: cfg.OnSessionEnd,
		sessions:     make(map[string]*session),
		attached:     make(map[string]attachedDevice),
		lastSeq:      make(map[string]uint64),
		ended:        make(chan sessionEnd),
		fatal:        make(chan error, 1),
		loopDone:     make(chan struct{}),
	}, nil
}

// Run consumes events until ctx is cancelled, events is closed, or
// the store becomes unavailable. It cancels every session and waits
// for them to release their markers before returning. The only
// non-nil return is a store failure.
func (c *Coordinator) Run(ctx context.Context, events <-chan schema.HotplugEvent) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer c.wg.Wait()
	defer close(c.loopDone)
	defer cancel()

	poll := c.clock.NewTicker(c.pollInterval)
	defer poll.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			c.logger.Info("coordinator stopping", "sessions", len(c.sessions))
			return nil

		case event, ok := <-events:
			if !ok {
				c.logger.Info("hotplug event stream closed")
				return nil
			}
			err = c.handle(runCtx, event)

		case end := <-c.ended:
			c.finish(end)

		case <-poll.C:
			err = c.poll(runCtx)

		case err = <-c.fatal:
		}
		if err != nil {
			c.logger.Error("store unavailable, cancelling all sessions",
				"sessions", len(c.sessions),
				"error", err,
			)
			return err
		}
	}
}

// handle applies one hotplug event. The returned error is fatal.
func (c *Coordinator) handle(ctx context.Context, event schema.HotplugEvent) error {
	devPath := event.Attachment.DevPath
	if devPath == "" {
		return nil
	}
	if last, seen := c.lastSeq[devPath]; seen && event.Seq != 0 && event.Seq <= last {
		c.logger.Debug("dropping out-of-order event",
			"dev_path", devPath,
			"seq", event.Seq,
			"last_seq", last,
		)
		return nil
	}
	if event.Seq != 0 {
		c.lastSeq[devPath] = event.Seq
	}

	switch event.Kind {
	case schema.HotplugAttached:
		return c.attach(ctx, event.Attachment)
	case schema.HotplugDetached:
		return c.detach(ctx, devPath)
	}
	c.logger.Warn("ignoring hotplug event of unknown kind", "kind", event.Kind, "dev_path", devPath)
	return nil
}

func (c *Coordinator) attach(ctx context.Context, attachment schema.Attachment) error {
	devPath := attachment.DevPath
	identity, err := c.identifier.Resolve(attachment)
	if err != nil {
		if errors.Is(err, identify.ErrNotMiner) {
			c.logger.Debug("ignoring non-miner device", "dev_path", devPath, "vendor_id", attachment.VendorID)
		} else {
			c.logger.Warn("cannot identify device", "dev_path", devPath, "error", err)
		}
		return nil
	}
	if identity.Degraded {
		c.logger.Warn("identity ambiguous, using synthetic key",
			"dev_path", devPath,
			"serial", identity.Key,
		)
	}
	c.attached[devPath] = attachedDevice{attachment: attachment, identity: identity}

	if existing := c.sessions[devPath]; existing != nil {
		c.logger.Warn("session already running for device, dropping duplicate attach",
			"dev_path", devPath,
			"serial", existing.serial,
		)
		return nil
	}

	settled, err := c.settled(ctx, identity.Key, attachment)
	if err != nil {
		return err
	}
	if settled {
		c.logger.Debug("device already settled on this port, ignoring attach",
			"dev_path", devPath,
			"serial", identity.Key,
		)
		return nil
	}
	return c.start(ctx, devPath)
}

// settled reports whether the record for serial already finished its
// handshake on this exact device node and USB port. Such an attach is
// a replay (coldplug resync, duplicate notification) and reopening the
// port would reset a device the collector may be reading.
func (c *Coordinator) settled(ctx context.Context, serial string, attachment schema.Attachment) (bool, error) {
	record, err := c.store.Lookup(ctx, serial)
	switch {
	case err == nil:
	case errors.Is(err, devicestore.ErrNotFound):
		return false, nil
	case errors.Is(err, devicestore.ErrStoreUnavailable):
		return false, err
	default:
		c.logger.Warn("attach lookup failed", "dev_path", attachment.DevPath, "error", err)
		return false, nil
	}
	if record.Status != schema.StatusActive && !record.AwaitingNaming() {
		return false, nil
	}
	return record.DevPath == attachment.DevPath && record.PortPath == attachment.PortPath, nil
}

// start begins a store session for an attached device and launches
// its goroutine. Only store unavailability is returned.
func (c *Coordinator) start(ctx context.Context, devPath string) error {
	device := c.attached[devPath]
	lease, err := c.store.BeginSession(ctx, devicestore.BeginRequest{
		Serial:     device.identity.Key,
		Degraded:   device.identity.Degraded,
		Attachment: device.attachment,
	})
	switch {
	case err == nil:
	case errors.Is(err, devicestore.ErrSessionHeld):
		c.logger.Warn("device owned by another session, dropping attach",
			"dev_path", devPath,
			"serial", device.identity.Key,
			"error", err,
		)
		return nil
	case errors.Is(err, devicestore.ErrStoreUnavailable):
		return err
	default:
		c.logger.Error("beginning session failed",
			"dev_path", devPath,
			"serial", device.identity.Key,
			"error", err,
		)
		return nil
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	current := &session{
		devPath: devPath,
		serial:  lease.Record.Serial,
		token:   lease.Session.Token,
		named:   lease.Record.Named(),
		cancel:  cancel,
	}
	c.sessions[devPath] = current

	c.logger.Info("session started",
		"dev_path", devPath,
		"serial", current.serial,
		"named", current.named,
		"new_device", lease.Created,
	)

	c.wg.Add(1)
	go c.runSession(sessionCtx, current)
	return nil
}

func (c *Coordinator) detach(ctx context.Context, devPath string) error {
	delete(c.attached, devPath)
	if current := c.sessions[devPath]; current != nil {
		current.cancel()
		delete(c.sessions, devPath)
	}

	serials, err := c.store.MarkDetached(ctx, devPath)
	if err != nil {
		if errors.Is(err, devicestore.ErrStoreUnavailable) {
			return err
		}
		c.logger.Error("recording detach failed", "dev_path", devPath, "error", err)
		return nil
	}
	c.logger.Info("device detached", "dev_path", devPath, "serials", serials)
	return nil
}

// finish removes a completed session from the table unless a later
// attach already replaced it.
func (c *Coordinator) finish(end sessionEnd) {
	if c.sessions[end.outcome.DevPath] == end.session {
		delete(c.sessions, end.outcome.DevPath)
	}
	if c.onSessionEnd != nil {
		c.onSessionEnd(end.outcome)
	}
}

// poll re-attempts attached devices that have no session and whose
// record still needs a handshake.
func (c *Coordinator) poll(ctx context.Context) error {
	devPaths := make([]string, 0, len(c.attached))
	for devPath := range c.attached {
		if c.sessions[devPath] == nil {
			devPaths = append(devPaths, devPath)
		}
	}
	slices.Sort(devPaths)

	for _, devPath := range devPaths {
		device := c.attached[devPath]
		record, err := c.store.Lookup(ctx, device.identity.Key)
		switch {
		case err == nil:
			if record.Status == schema.StatusActive || record.AwaitingNaming() {
				continue
			}
		case errors.Is(err, devicestore.ErrNotFound):
		case errors.Is(err, devicestore.ErrStoreUnavailable):
			return err
		default:
			c.logger.Warn("poll lookup failed", "dev_path", devPath, "error", err)
			continue
		}

		c.logger.Info("retrying handshake",
			"dev_path", devPath,
			"serial", device.identity.Key,
			"status", record.Status,
			"state", record.State,
		)
		if err := c.start(ctx, devPath); err != nil {
			return err
		}
	}
	return nil
}
