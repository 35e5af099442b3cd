// Package device implements the per-remote data-model record of spec.md
// §3 and the registry that owns it: one Device is created when the adapter
// layer reports "device added", exclusively owned by that layer, and every
// other subsystem (the IPC projector, in particular) holds only a
// non-owning reference obtained through Registry.Lookup.
//
// This is new glue, not lifted from a single teacher file: the teacher
// (srgg-blecli) has no daemon-shaped device registry of its own -- see
// DESIGN.md -- so this wires internal/orchestrator, internal/services/
// aggregator and internal/bluez together the way spec.md §2's data-flow
// diagram describes, using the same non-owning-reference / owning-container
// pattern spec.md §9 asks for.
package device

import (
	"context"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/sky-uk/blercud/internal/capability"
	"github.com/sky-uk/blercud/internal/config"
	"github.com/sky-uk/blercud/internal/orchestrator"
	"github.com/sky-uk/blercud/internal/services/aggregator"
	"github.com/sky-uk/blercud/internal/services/infrared"
)

// Device is one remote control's record (spec.md §3's "Device record").
// The orchestrator and, once built, the aggregator's Services are the
// owning references; everything else borrows through the accessor methods.
type Device struct {
	Address string

	mu       sync.RWMutex
	path     string
	name     string
	orch     *orchestrator.Orchestrator
	services aggregator.Services
	onChange func()
}

// Name returns the last-known advertised name.
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

// Path returns the adapter layer's object path for this device, e.g. for
// RemoveDevice/unpair requests.
func (d *Device) Path() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.path
}

// Orchestrator returns the device's top-level state machine (spec.md §4.2).
func (d *Device) Orchestrator() *orchestrator.Orchestrator { return d.orch }

// Services returns the most recently built set of sub-services (spec.md
// §4.3). It is the zero value until the device has entered StartingServices
// at least once, and is replaced (not mutated) every time the aggregator is
// rebuilt across a recovery cycle.
func (d *Device) Services() aggregator.Services {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.services
}

func (d *Device) setServices(s aggregator.Services) {
	d.mu.Lock()
	d.services = s
	d.mu.Unlock()
	d.fireChange()
}

func (d *Device) applySnapshot(s capability.DeviceSnapshot) {
	d.mu.Lock()
	changed := d.name != s.Name || d.path != s.Path
	d.name = s.Name
	d.path = s.Path
	d.mu.Unlock()
	if changed {
		d.fireChange()
	}
}

// OnChange registers the notification hook the IPC projector uses to
// refresh its exported D-Bus properties after any observable transition on
// this device (spec.md §9's "every emit X in this specification is an
// outbound event on the device's channel").
func (d *Device) OnChange(fn func()) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

func (d *Device) fireChange() {
	d.mu.RLock()
	fn := d.onChange
	d.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Registry owns every Device discovered under one BluetoothAdapter, the
// equivalent of spec.md §3's "created by the adapter layer on device added"
// ownership rule applied at process scope.
type Registry struct {
	adapter capability.BluetoothAdapter
	profile capability.GattProfile
	bus     capability.RecoveryBus
	cfg     *config.Config
	db      infrared.IrDatabase
	log     *logrus.Entry

	// devices is a lock-free concurrent map (spec.md §3's registry is read
	// far more often -- every adapter property-changed event -- than it is
	// written, the same access pattern the teacher's scanner.Scanner uses a
	// hashmap.Map for) keyed by address.
	devices *hashmap.Map[string, *Device]

	onAdded func(*Device)
}

// NewRegistry builds an empty registry over the given capabilities.
func NewRegistry(adapter capability.BluetoothAdapter, profile capability.GattProfile, bus capability.RecoveryBus, cfg *config.Config, db infrared.IrDatabase, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		adapter: adapter,
		profile: profile,
		bus:     bus,
		cfg:     cfg,
		db:      db,
		log:     log.WithField("component", "device.registry"),
		devices: hashmap.New[string, *Device](),
	}
}

// OnDeviceAdded registers a hook invoked (synchronously, on the registry's
// own goroutine) each time a new Device record is created, so the IPC layer
// can export it.
func (r *Registry) OnDeviceAdded(fn func(*Device)) { r.onAdded = fn }

// Seed primes the registry from an initial ListDevices snapshot, e.g. at
// startup before discovery has produced any InterfacesAdded signals.
func (r *Registry) Seed(ctx context.Context, snapshots []capability.DeviceSnapshot) {
	for _, s := range snapshots {
		r.ensure(ctx, s)
	}
}

// Run consumes adapter events until ctx is cancelled, dispatching each one
// to the affected Device's orchestrator (spec.md §4.2's HandleAdapterEvent)
// and creating/removing records as devices come and go.
func (r *Registry) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.adapter.Events():
			if !ok {
				return
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Registry) handle(ctx context.Context, ev capability.AdapterEvent) {
	switch ev.Kind {
	case capability.DeviceAdded:
		d := r.ensure(ctx, ev.Device)
		d.applySnapshot(ev.Device)
		d.orch.HandleAdapterEvent(ev)
	case capability.DeviceRemoved:
		r.remove(ev.Device.Address)
	case capability.DevicePropertyChanged:
		d := r.lookup(ev.Device.Address)
		if d == nil {
			return
		}
		d.applySnapshot(ev.Device)
		d.orch.HandleAdapterEvent(ev)
	}
}

func (r *Registry) ensure(ctx context.Context, snap capability.DeviceSnapshot) *Device {
	if d, ok := r.devices.Get(snap.Address); ok {
		return d
	}
	d := &Device{Address: snap.Address, path: snap.Path, name: snap.Name}
	log := r.log.WithField("device", snap.Address)

	newAgg := func(onReady func()) orchestrator.ServicesAggregator {
		agg, err := aggregator.New(ctx, snap.Address, r.profile, r.db, onReady, log)
		if err != nil {
			log.WithError(err).Error("failed to resolve GATT profile for device, services will not start")
			return noopAggregator{}
		}
		d.setServices(agg.Services)
		return agg
	}

	d.orch = orchestrator.New(snap.Address, r.adapter, newAgg, log)
	if r.bus != nil {
		d.orch.SetRecoveryBus(r.bus)
	}
	if r.cfg != nil {
		if r.cfg.ServicesResolveTimeout > 0 {
			d.orch.SetResolveTimeout(r.cfg.ServicesResolveTimeout)
		}
		if r.cfg.RecoveryCeiling > 0 {
			d.orch.SetRecoveryCeiling(r.cfg.RecoveryCeiling)
		}
	}
	d.orch.OnReadyChanged(func(ready bool) { d.fireChange() })

	if err := d.orch.Start(); err != nil {
		log.WithError(err).Error("failed to start device orchestrator")
	}

	r.devices.Set(snap.Address, d)

	if r.onAdded != nil {
		r.onAdded(d)
	}
	return d
}

func (r *Registry) remove(address string) {
	d, ok := r.devices.Get(address)
	if !ok {
		return
	}
	r.devices.Del(address)
	d.orch.Stop()
}

// Lookup returns the Device for address, or nil if it is unknown.
func (r *Registry) Lookup(address string) *Device { return r.lookup(address) }

func (r *Registry) lookup(address string) *Device {
	d, _ := r.devices.Get(address)
	return d
}

// All returns a snapshot slice of every currently-known device.
func (r *Registry) All() []*Device {
	out := make([]*Device, 0, r.devices.Len())
	r.devices.Range(func(_ string, d *Device) bool {
		out = append(out, d)
		return true
	})
	return out
}

// noopAggregator satisfies orchestrator.ServicesAggregator without ever
// calling onReady, used when a device's GATT profile could not be resolved
// at all (as opposed to a single required service being absent, which
// internal/services/aggregator itself handles per spec.md §4.3).
type noopAggregator struct{}

func (noopAggregator) Start(context.Context) {}
func (noopAggregator) Stop()                 {}
