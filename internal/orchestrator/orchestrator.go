// Package orchestrator implements the per-device top-level state machine
// of spec.md §4.2: Idle/Paired/Connected/ResolvingServices, a recovery
// super-state for disconnect/reconnect cycling, and a setup super-state
// that drives the services aggregator to Ready.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sky-uk/blercud/internal/capability"
	"github.com/sky-uk/blercud/internal/statemachine"
)

// State ids for this machine's states.
const (
	Idle = iota
	Paired
	Connected
	ResolvingServices
	RecoverySuperState
	RecoveryDisconnecting
	RecoveryReconnecting
	SetupSuperState
	StartingServices
	Ready
)

// Event types posted into the machine.
const (
	EventDeviceConnected        = "DeviceConnected"
	EventDeviceDisconnected     = "DeviceDisconnected"
	EventDevicePaired           = "DevicePaired"
	EventDeviceUnpaired         = "DeviceUnpaired"
	EventServicesResolved       = "ServicesResolved"
	EventServicesNotResolved    = "ServicesNotResolved"
	EventServicesStarted        = "ServicesStarted"
	EventServicesResolveTimeout = "ServicesResolveTimeout"
)

// defaultResolveTimeout is how long ResolvingServices waits before giving
// up and entering recovery (spec.md §4.2).
const defaultResolveTimeout = 30 * time.Second

// defaultRecoveryCeiling bounds the per-device recovery counter (spec.md
// §5): once reached, recovery stops retrying but the machine stays alive.
const defaultRecoveryCeiling = 100

// ServicesAggregator is the capability the setup super-state drives; its
// concrete implementation lives in internal/services/aggregator and is
// injected here to avoid a cyclic import (the aggregator has no need to
// know about the orchestrator).
type ServicesAggregator interface {
	Start(ctx context.Context)
	Stop()
}

// Orchestrator is one device's top-level machine.
type Orchestrator struct {
	address string
	adapter capability.BluetoothAdapter
	log     *logrus.Entry

	machine *statemachine.Machine

	newAggregator func(onReady func()) ServicesAggregator
	aggregator    ServicesAggregator

	mu               sync.Mutex
	servicesResolved bool
	connected        bool
	paired           bool
	pairing          bool
	recoveryCount    int
	recoveryCeiling  int
	resolveTimeout   time.Duration
	readyAt          time.Time
	onReadyChanged   func(ready bool)
	bus              capability.RecoveryBus
}

// SetRecoveryBus wires the process-wide recovery bus of spec.md §9; once
// set, reaching the recovery ceiling publishes a ReconnectDevice event
// instead of merely logging, giving the adapter layer a last-resort signal
// independent of this machine's own disconnect/connect requests.
func (o *Orchestrator) SetRecoveryBus(bus capability.RecoveryBus) { o.bus = bus }

// New constructs a device orchestrator for address. newAggregator builds a
// fresh ServicesAggregator each time StartingServices is entered (a device
// may cycle through recovery many times over its lifetime).
func New(address string, adapter capability.BluetoothAdapter, newAggregator func(onReady func()) ServicesAggregator, log *logrus.Entry) *Orchestrator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	o := &Orchestrator{
		address:         address,
		adapter:         adapter,
		log:             log.WithField("component", "orchestrator").WithField("device", address),
		newAggregator:   newAggregator,
		recoveryCeiling: defaultRecoveryCeiling,
		resolveTimeout:  defaultResolveTimeout,
	}
	o.machine = statemachine.New("orchestrator-"+address, o.log)
	o.build()
	return o
}

// SetRecoveryCeiling overrides the default recovery-attempt ceiling (for
// tests or configuration).
func (o *Orchestrator) SetRecoveryCeiling(n int) { o.recoveryCeiling = n }

// SetResolveTimeout overrides the default services-resolve timeout (for
// tests or configuration).
func (o *Orchestrator) SetResolveTimeout(d time.Duration) { o.resolveTimeout = d }

// OnReadyChanged registers the ready-changed notification callback (spec.md
// §4.2's "emit ready-changed notification").
func (o *Orchestrator) OnReadyChanged(fn func(ready bool)) { o.onReadyChanged = fn }

func (o *Orchestrator) build() {
	m := o.machine

	must := func(err error) {
		if err != nil {
			o.log.WithError(err).Panic("orchestrator: invalid state machine definition")
		}
	}

	must(m.AddState(Idle, "Idle", statemachine.NoState, statemachine.NoState, false))
	must(m.AddState(Paired, "Paired", statemachine.NoState, statemachine.NoState, false))
	must(m.AddState(Connected, "Connected", statemachine.NoState, statemachine.NoState, false))
	must(m.AddState(ResolvingServices, "ResolvingServices", statemachine.NoState, statemachine.NoState, false))
	must(m.AddState(RecoverySuperState, "RecoverySuperState", statemachine.NoState, RecoveryDisconnecting, false))
	must(m.AddState(RecoveryDisconnecting, "RecoveryDisconnecting", RecoverySuperState, statemachine.NoState, false))
	must(m.AddState(RecoveryReconnecting, "RecoveryReconnecting", RecoverySuperState, statemachine.NoState, false))
	must(m.AddState(SetupSuperState, "SetupSuperState", statemachine.NoState, StartingServices, false))
	must(m.AddState(StartingServices, "StartingServices", SetupSuperState, statemachine.NoState, false))
	must(m.AddState(Ready, "Ready", SetupSuperState, statemachine.NoState, false))

	must(m.SetInitialState(Idle))

	must(m.AddTransition(Idle, EventDeviceConnected, Connected))
	must(m.AddTransition(Idle, EventDevicePaired, Paired))
	must(m.AddTransition(Paired, EventDeviceConnected, ResolvingServices))
	must(m.AddTransition(Connected, EventDevicePaired, ResolvingServices))
	must(m.AddTransition(ResolvingServices, EventServicesResolved, StartingServices))
	must(m.AddTransition(ResolvingServices, EventServicesResolveTimeout, RecoveryDisconnecting))
	must(m.AddTransition(RecoveryDisconnecting, EventDeviceDisconnected, RecoveryReconnecting))
	must(m.AddTransition(RecoverySuperState, EventDeviceConnected, ResolvingServices))
	must(m.AddTransition(SetupSuperState, EventServicesNotResolved, ResolvingServices))
	must(m.AddTransition(SetupSuperState, EventDeviceDisconnected, Paired))
	must(m.AddTransition(SetupSuperState, EventDeviceUnpaired, Connected))
	must(m.AddTransition(StartingServices, EventServicesStarted, Ready))

	m.SetEntry(ResolvingServices, o.onEnterResolvingServices)
	m.SetEntry(RecoveryDisconnecting, o.onEnterRecoveryDisconnecting)
	m.SetEntry(RecoveryReconnecting, o.onEnterRecoveryReconnecting)
	m.SetEntry(StartingServices, o.onEnterStartingServices)
	m.SetEntry(Ready, o.onEnterReady)
	m.SetExit(SetupSuperState, o.onExitSetupSuperState)
	m.SetExit(Ready, o.onExitReady)
}

func (o *Orchestrator) onEnterResolvingServices(m *statemachine.Machine) {
	o.mu.Lock()
	resolved := o.servicesResolved
	ceilingReached := o.recoveryCount >= o.recoveryCeiling
	o.mu.Unlock()

	if resolved {
		m.PostEvent(EventServicesResolved, nil)
		return
	}
	if ceilingReached {
		o.log.Warn("recovery ceiling reached, no longer arming resolve timeout")
		if o.bus != nil {
			o.bus.Publish(capability.RecoveryEvent{Kind: capability.ReconnectDevice, Address: o.address})
		}
		return
	}
	m.PostDelayedEvent(EventServicesResolveTimeout, nil, o.resolveTimeout)
}

func (o *Orchestrator) onEnterRecoveryDisconnecting(m *statemachine.Machine) {
	o.mu.Lock()
	o.recoveryCount++
	o.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.adapter.Disconnect(ctx, o.address); err != nil {
			o.log.WithError(err).Debug("recovery disconnect request failed")
		}
		o.mu.Lock()
		stillConnected := o.connected
		o.mu.Unlock()
		if !stillConnected {
			m.PostEvent(EventDeviceDisconnected, nil)
		}
	}()
}

func (o *Orchestrator) onEnterRecoveryReconnecting(m *statemachine.Machine) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.adapter.Connect(ctx, o.address); err != nil {
			o.log.WithError(err).Debug("recovery connect request failed")
			return
		}
		o.mu.Lock()
		connected := o.connected
		o.mu.Unlock()
		if connected {
			m.PostEvent(EventDeviceConnected, nil)
		}
	}()
}

func (o *Orchestrator) onEnterStartingServices(m *statemachine.Machine) {
	o.aggregator = o.newAggregator(func() {
		m.PostEvent(EventServicesStarted, nil)
	})
	o.aggregator.Start(context.Background())
}

func (o *Orchestrator) onExitSetupSuperState(m *statemachine.Machine) {
	if o.aggregator != nil {
		o.aggregator.Stop()
		o.aggregator = nil
	}
}

func (o *Orchestrator) onEnterReady(m *statemachine.Machine) {
	o.mu.Lock()
	o.readyAt = time.Now()
	o.mu.Unlock()
	if o.onReadyChanged != nil {
		o.onReadyChanged(true)
	}
}

func (o *Orchestrator) onExitReady(m *statemachine.Machine) {
	if o.onReadyChanged != nil {
		o.onReadyChanged(false)
	}
}

// Start begins the machine's event loop.
func (o *Orchestrator) Start() error { return o.machine.Start() }

// Stop halts the machine's event loop.
func (o *Orchestrator) Stop() { o.machine.Stop() }

// HandleAdapterEvent translates a capability.AdapterEvent observed for this
// device into the machine's input vocabulary, tracking the raw flags the
// entry callbacks above consult.
func (o *Orchestrator) HandleAdapterEvent(ev capability.AdapterEvent) {
	if ev.Kind != capability.DevicePropertyChanged && ev.Kind != capability.DeviceAdded {
		return
	}
	if ev.Device.Address != "" && ev.Device.Address != o.address {
		return
	}

	o.mu.Lock()
	wasConnected, wasPaired, wasResolved := o.connected, o.paired, o.servicesResolved
	o.connected = ev.Device.Connected
	o.paired = ev.Device.Paired
	o.servicesResolved = ev.Device.ServicesResolved
	o.mu.Unlock()

	if ev.Device.Connected && !wasConnected {
		o.machine.PostEvent(EventDeviceConnected, nil)
	}
	if !ev.Device.Connected && wasConnected {
		o.machine.PostEvent(EventDeviceDisconnected, nil)
	}
	if ev.Device.Paired && !wasPaired {
		o.machine.PostEvent(EventDevicePaired, nil)
	}
	if !ev.Device.Paired && wasPaired {
		o.machine.PostEvent(EventDeviceUnpaired, nil)
	}
	if ev.Device.ServicesResolved && !wasResolved {
		o.machine.PostEvent(EventServicesResolved, nil)
	}
	if !ev.Device.ServicesResolved && wasResolved {
		o.machine.PostEvent(EventServicesNotResolved, nil)
	}
}

// IsReady reports whether the machine is currently in Ready.
func (o *Orchestrator) IsReady() bool { return o.machine.InState(Ready) }

// IsConnected reports the last-observed connected flag.
func (o *Orchestrator) IsConnected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connected
}

// IsPaired reports the last-observed paired flag.
func (o *Orchestrator) IsPaired() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paired
}

// IsPairing reports whether a Pair request is outstanding.
func (o *Orchestrator) IsPairing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pairing
}

// infiniteMsSinceReady is the sentinel spec.md §4.2 requires when the
// device has never reached Ready.
const infiniteMsSinceReady = -1

// MsSinceReady returns milliseconds since the device last entered Ready, or
// infiniteMsSinceReady if it never has.
func (o *Orchestrator) MsSinceReady() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.readyAt.IsZero() {
		return infiniteMsSinceReady
	}
	return time.Since(o.readyAt).Milliseconds()
}

// Pair forwards a pair request to the adapter, tracking the in-flight flag.
func (o *Orchestrator) Pair(ctx context.Context) error {
	o.mu.Lock()
	o.pairing = true
	o.mu.Unlock()
	err := o.adapter.Pair(ctx, o.address)
	o.mu.Lock()
	o.pairing = false
	o.mu.Unlock()
	return err
}

// CancelPair forwards a cancel-pair request to the adapter.
func (o *Orchestrator) CancelPair(ctx context.Context) error {
	return o.adapter.CancelPair(ctx, o.address)
}
