package natdrv

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/natdrv/internal/pcap"
	"github.com/tinyrange/natdrv/internal/slirp"
	"github.com/tinyrange/natdrv/internal/trace"
)

// GuestDevice is the virtual NIC above the driver. WaitReceiveAvail blocks
// until the device can accept an inbound frame (negative timeout waits
// forever); Receive then hands the frame up. The driver serializes the
// pair under its device lock.
type GuestDevice interface {
	WaitReceiveAvail(timeout time.Duration) error
	Receive(frame []byte) error
}

// EngineFactory builds the NAT engine at driver construction.
type EngineFactory func(cfg *slirp.Config, cb slirp.Callbacks) (slirp.Engine, error)

// LinkState mirrors the virtual link of the guest NIC.
type LinkState int32

const (
	LinkUp LinkState = iota + 1
	LinkDown
	// LinkDownResume is a momentary down-and-up used to force guest
	// stacks to re-acquire their lease.
	LinkDownResume
)

func (s LinkState) String() string {
	switch s {
	case LinkUp:
		return "up"
	case LinkDown:
		return "down"
	case LinkDownResume:
		return "down-resume"
	default:
		return fmt.Sprintf("LinkState(%d)", int32(s))
	}
}

type drvState int32

const (
	stateInitializing drvState = iota
	stateRunning
	stateTerminating
)

// defaultPollTimeoutMs is the poll timeout when no timer wants an earlier
// wakeup.
const defaultPollTimeoutMs = 3_600_000

// Counters are the driver's frame accounting, readable at any time.
type Counters struct {
	SentPkts    atomic.Uint64
	SentBytes   atomic.Uint64
	RecvPkts    atomic.Uint64
	RecvBytes   atomic.Uint64
	DroppedPkts atomic.Uint64
}

// Driver coordinates a single-threaded NAT engine with a guest device.
// One goroutine owns the engine and multiplexes its host sockets; a second
// delivers engine-originated frames to the device; external callers reach
// the engine through the request queue.
type Driver struct {
	log   *slog.Logger
	guest GuestDevice

	engine slirp.Engine

	state atomic.Int32

	wakeup  *wakeupChannel
	engineQ reqQueue
	recvQ   reqQueue

	recvEvent   chan struct{}
	recvPending atomic.Int32

	timers timerList
	poller poller

	xmitMu sync.Mutex
	devMu  sync.Mutex

	linkState     atomic.Int32
	linkStateWant atomic.Int32

	// defaultGuestIP is the target of runtime redirect rules that omit a
	// guest address.
	defaultGuestIP netip.Addr

	promiscuous atomic.Bool

	counters Counters

	capture   *pcap.Writer
	captureMu sync.Mutex

	trace *trace.Log

	start     chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	done      sync.WaitGroup
}

// Option adjusts driver construction.
type Option func(*Driver)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.log = logger }
}

// WithCapture tees every frame crossing the guest boundary into w.
func WithCapture(w *pcap.Writer) Option {
	return func(d *Driver) { d.capture = w }
}

// WithTrace records frames and driver events into l.
func WithTrace(l *trace.Log) Option {
	return func(d *Driver) { d.trace = l }
}

// New builds a driver around cfg. The engine is constructed and the
// construction-time port forwards are applied, but the worker goroutines
// stay gated until Start.
func New(cfg *Config, guest GuestDevice, factory EngineFactory, opts ...Option) (*Driver, error) {
	d := &Driver{
		log:       slog.Default(),
		guest:     guest,
		recvEvent: make(chan struct{}, 1),
		start:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	ec, err := cfg.engineConfig()
	if err != nil {
		return nil, err
	}
	d.defaultGuestIP = ec.DHCPStart

	d.wakeup, err = newWakeupChannel(d.log)
	if err != nil {
		return nil, fmt.Errorf("wakeup channel: %w", err)
	}

	d.poller.init(d.log)

	d.engine, err = factory(ec, d.engineCallbacks())
	if err != nil {
		d.wakeup.close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	for i := range cfg.PortForwarding {
		rule := &cfg.PortForwarding[i]
		udp, hostIP, hostPort, guestIP, guestPort, err := rule.resolve()
		if err == nil {
			err = d.engine.AddHostFwd(udp, hostIP, hostPort, guestIP, guestPort)
			if err != nil {
				err = fmt.Errorf("%w: %v", ErrRedirSetup, err)
			}
		}
		if err != nil {
			d.engine.Close()
			d.wakeup.close()
			return nil, fmt.Errorf("port forward %q: %w", rule.Name, err)
		}
	}

	d.linkState.Store(int32(LinkUp))
	d.linkStateWant.Store(int32(LinkUp))

	d.done.Add(2)
	go d.pollLoop()
	go d.recvLoop()

	return d, nil
}

// Start releases the worker goroutines. Calls on a driver that was never
// started are answered as if the network were down.
func (d *Driver) Start() {
	d.startOnce.Do(func() {
		d.state.CompareAndSwap(int32(stateInitializing), int32(stateRunning))
		close(d.start)
	})
}

// Close stops both goroutines, drains the queues and releases the engine.
// Safe to call more than once and without a prior Start.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.state.Store(int32(stateTerminating))
		d.startOnce.Do(func() { close(d.start) })
		d.wakeup.signal()
		d.signalRecvEvent()
		d.done.Wait()
		_ = d.engine.Close()
		d.wakeup.close()
	})
	return nil
}

func (d *Driver) drvState() drvState {
	return drvState(d.state.Load())
}

func (d *Driver) running() bool {
	return d.drvState() == stateRunning
}

func (d *Driver) link() LinkState {
	return LinkState(d.linkState.Load())
}

func (d *Driver) linkWant() LinkState {
	return LinkState(d.linkStateWant.Load())
}

// signalRecvEvent wakes the receive goroutine; extra signals coalesce.
func (d *Driver) signalRecvEvent() {
	select {
	case d.recvEvent <- struct{}{}:
	default:
	}
}

// enqueueEngine queues fn for the poll goroutine, refusing once the
// consumer is no longer running.
func (d *Driver) enqueueEngine(fn func() error) error {
	if !d.running() {
		return ErrNoBufferSpace
	}
	d.engineQ.post(fn)
	return nil
}

// callEngine runs fn on the poll goroutine and waits for its result,
// nudging the wakeup channel when the queue does not complete immediately.
func (d *Driver) callEngine(fn func() error) error {
	req := d.engineQ.submit(fn)
	err := req.wait(0)
	if err == ErrTimeout {
		d.wakeup.signal()
		err = req.wait(-1)
	}
	return err
}

// SetPromiscuous records the device's promiscuous flag. The engine
// delivers unicast regardless, so this only feeds tracing.
func (d *Driver) SetPromiscuous(on bool) {
	d.promiscuous.Store(on)
	d.log.Debug("promiscuous mode changed", "enabled", on)
}

// Counters exposes the frame accounting.
func (d *Driver) Counters() *Counters {
	return &d.counters
}

func (d *Driver) capturePacket(frame []byte) {
	if d.capture == nil {
		return
	}
	d.captureMu.Lock()
	defer d.captureMu.Unlock()
	if err := d.capture.WritePacket(frame); err != nil {
		d.log.Debug("capture write failed", "err", err)
	}
}
