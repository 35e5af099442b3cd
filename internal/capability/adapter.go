// Package capability declares the two external collaborator interfaces the
// core consumes, spec.md §6.1 (BluetoothAdapter) and §6.2 (GattProfile).
// Their concrete D-Bus/BlueZ implementation lives in internal/bluez; this
// package exists so the orchestrator, services, and the bluez backend can
// all depend on a narrow shared contract without a cyclic import between
// "the thing that drives devices" and "the thing that talks to the stack".
package capability

import "context"

// DeviceSnapshot is the subset of BlueZ's Device1 properties the core
// observes (spec.md §6.1's "initial property snapshot").
type DeviceSnapshot struct {
	Path             string
	Address          string
	Name             string
	Connected        bool
	Paired           bool
	ServicesResolved bool
}

// AdapterEventKind enumerates the observations spec.md §6.1 says the core
// consumes from the adapter layer.
type AdapterEventKind int

const (
	AdapterAvailable AdapterEventKind = iota
	AdapterUnavailable
	AdapterPoweredChanged
	DiscoveringChanged
	PairableChanged
	DeviceAdded
	DeviceRemoved
	DevicePropertyChanged
)

// AdapterEvent is one observation delivered on BluetoothAdapter.Events().
type AdapterEvent struct {
	Kind    AdapterEventKind
	Device  DeviceSnapshot
	Powered bool
	On      bool // Discovering/Pairable value, when relevant to Kind
}

// BluetoothAdapter is the capability the device orchestrator and the
// process-wide recovery bus drive (spec.md §6.1). Every method is
// fire-and-forget from the orchestrator's point of view: completion (or
// failure) is observed later as an AdapterEvent, matching the suspend-point
// model of spec.md §5.
type BluetoothAdapter interface {
	ListDevices(ctx context.Context) ([]DeviceSnapshot, error)
	StartDiscovery(ctx context.Context) error
	StopDiscovery(ctx context.Context) error
	SetPairable(ctx context.Context, on bool, timeoutMs int) error
	RemoveDevice(ctx context.Context, path string) error
	Power(ctx context.Context, on bool) error
	Modalias(ctx context.Context) (string, error)

	// Connect/Disconnect/Pair/CancelPair are the "unconditional" requests
	// the device orchestrator's recovery states issue (spec.md §4.2).
	Connect(ctx context.Context, address string) error
	Disconnect(ctx context.Context, address string) error
	Pair(ctx context.Context, address string) error
	CancelPair(ctx context.Context, address string) error

	// Events is the single stream of adapter/device observations; the
	// device registry and the orchestrators for each address subscribe to
	// it via internal/bluez's dispatch, not by calling this repeatedly.
	Events() <-chan AdapterEvent
}

// RecoveryEventKind enumerates the process-wide recovery bus events of
// spec.md §6.4 / §9.
type RecoveryEventKind int

const (
	PowerCycleAdapter RecoveryEventKind = iota
	ReconnectDevice
)

// RecoveryEvent is one message on the recovery bus.
type RecoveryEvent struct {
	Kind    RecoveryEventKind
	Address string
}

// RecoveryBus is the broadcast channel of spec.md §9: "a broadcast channel
// of events... published by any subsystem and consumed by the adapter
// layer".
type RecoveryBus interface {
	Publish(ev RecoveryEvent)
	Subscribe() <-chan RecoveryEvent
}
