// Package bluez is the concrete BlueZ/D-Bus backend satisfying the
// capability.BluetoothAdapter and capability.GattProfile contracts
// (spec.md §6.1, §6.2). It owns the single system-bus connection, the
// org.freedesktop.DBus.ObjectManager tree of a BlueZ adapter, and the
// translation between D-Bus object paths/properties and the narrow shapes
// the core consumes.
//
// The object-path/property bookkeeping follows the gobot bluetooth Linux
// backend's shape (per-object struct holding its dbus.ObjectPath, a
// properties map, child maps keyed by path, and its own mutex); the method
// and signal names are BlueZ's org.bluez.Adapter1/Device1/GattService1/
// GattCharacteristic1/GattDescriptor1, as used directly by the original
// daemon this spec was distilled from.
package bluez

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/capability"
	"github.com/sky-uk/blercud/internal/groutine"
)

const (
	busName                 = "org.bluez"
	objectManagerPath       = "/"
	adapterInterface        = "org.bluez.Adapter1"
	deviceInterface         = "org.bluez.Device1"
	gattServiceInterface    = "org.bluez.GattService1"
	gattCharInterface       = "org.bluez.GattCharacteristic1"
	gattDescInterface       = "org.bluez.GattDescriptor1"
	objectManagerInterface  = "org.freedesktop.DBus.ObjectManager"
	propertiesInterface     = "org.freedesktop.DBus.Properties"
	interfacesAddedMember   = "InterfacesAdded"
	interfacesRemovedMember = "InterfacesRemoved"
	propertiesChangedMember = "PropertiesChanged"
)

// managedObject mirrors one entry of GetManagedObjects: a path plus its
// interfaces and each interface's properties.
type managedObject map[string]map[string]dbus.Variant

// Adapter implements capability.BluetoothAdapter over a single BlueZ
// adapter object. It also fans out capability.AdapterEvent for every
// device it observes under that adapter.
type Adapter struct {
	conn *dbus.Conn
	path dbus.ObjectPath
	log  *logrus.Entry

	mu      sync.RWMutex
	devices map[dbus.ObjectPath]capability.DeviceSnapshot

	events chan capability.AdapterEvent

	sigCh chan *dbus.Signal
}

// Dial connects to the system bus and picks the adapter at adapterPath
// (e.g. "/org/bluez/hci0"). It starts the signal-dispatch loop immediately;
// callers should call ListDevices once to obtain the initial snapshot.
func Dial(ctx context.Context, adapterPath string, log *logrus.Entry) (*Adapter, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, blercuerror.New(blercuerror.IoDevice, "connect system bus: %v", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	a := &Adapter{
		conn:    conn,
		path:    dbus.ObjectPath(adapterPath),
		log:     log.WithField("component", "bluez").WithField("adapter", adapterPath),
		devices: make(map[dbus.ObjectPath]capability.DeviceSnapshot),
		events:  make(chan capability.AdapterEvent, 64),
		sigCh:   make(chan *dbus.Signal, 64),
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(objectManagerInterface),
	); err != nil {
		return nil, blercuerror.New(blercuerror.IoDevice, "add object manager match: %v", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(propertiesInterface),
	); err != nil {
		return nil, blercuerror.New(blercuerror.IoDevice, "add properties match: %v", err)
	}
	conn.Signal(a.sigCh)

	groutine.Go(ctx, "bluez-signal-pump", func(context.Context) { a.dispatchLoop() })

	return a, nil
}

// Conn returns the underlying D-Bus connection, so callers (the daemon
// entrypoint) can claim a well-known name and export additional objects on
// the same bus.
func (a *Adapter) Conn() *dbus.Conn { return a.conn }

func (a *Adapter) obj(path dbus.ObjectPath) dbus.BusObject {
	return a.conn.Object(busName, path)
}

func (a *Adapter) adapterObj() dbus.BusObject { return a.obj(a.path) }

func mapCallError(err error) error {
	if err == nil {
		return nil
	}
	if de, ok := err.(dbus.Error); ok {
		switch {
		case strings.Contains(de.Name, "NotReady"), strings.Contains(de.Name, "InProgress"):
			return blercuerror.New(blercuerror.Busy, "%s", de.Error())
		case strings.Contains(de.Name, "DoesNotExist"), strings.Contains(de.Name, "NotFound"):
			return blercuerror.New(blercuerror.FileNotFound, "%s", de.Error())
		case strings.Contains(de.Name, "InvalidArguments"):
			return blercuerror.New(blercuerror.InvalidArg, "%s", de.Error())
		case strings.Contains(de.Name, "Failed"):
			return blercuerror.New(blercuerror.IoDevice, "%s", de.Error())
		}
		return blercuerror.New(blercuerror.General, "%s", de.Error())
	}
	return blercuerror.Wrap(err)
}

func snapshotFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) capability.DeviceSnapshot {
	s := capability.DeviceSnapshot{Path: string(path)}
	if v, ok := props["Address"]; ok {
		_ = v.Store(&s.Address)
	}
	if v, ok := props["Name"]; ok {
		_ = v.Store(&s.Name)
	}
	if v, ok := props["Connected"]; ok {
		_ = v.Store(&s.Connected)
	}
	if v, ok := props["Paired"]; ok {
		_ = v.Store(&s.Paired)
	}
	if v, ok := props["ServicesResolved"]; ok {
		_ = v.Store(&s.ServicesResolved)
	}
	return s
}

// ListDevices calls GetManagedObjects once and returns every Device1 object
// that is a descendant of this adapter's path, seeding the internal device
// cache used to diff PropertiesChanged signals.
func (a *Adapter) ListDevices(ctx context.Context) ([]capability.DeviceSnapshot, error) {
	var objects map[dbus.ObjectPath]managedObject
	err := a.obj(objectManagerPath).CallWithContext(ctx, objectManagerInterface+".GetManagedObjects", 0).Store(&objects)
	if err != nil {
		return nil, mapCallError(err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var out []capability.DeviceSnapshot
	for path, ifaces := range objects {
		props, ok := ifaces[deviceInterface]
		if !ok || !strings.HasPrefix(string(path), string(a.path)+"/") {
			continue
		}
		snap := snapshotFromProps(path, props)
		a.devices[path] = snap
		out = append(out, snap)
	}
	return out, nil
}

func (a *Adapter) StartDiscovery(ctx context.Context) error {
	return mapCallError(a.adapterObj().CallWithContext(ctx, adapterInterface+".StartDiscovery", 0).Err)
}

func (a *Adapter) StopDiscovery(ctx context.Context) error {
	return mapCallError(a.adapterObj().CallWithContext(ctx, adapterInterface+".StopDiscovery", 0).Err)
}

func (a *Adapter) SetPairable(ctx context.Context, on bool, timeoutMs int) error {
	if err := a.adapterObj().SetProperty(adapterInterface+".Pairable", dbus.MakeVariant(on)); err != nil {
		return mapCallError(err)
	}
	if timeoutMs > 0 {
		if err := a.adapterObj().SetProperty(adapterInterface+".PairableTimeout", dbus.MakeVariant(uint32(timeoutMs/1000))); err != nil {
			return mapCallError(err)
		}
	}
	return nil
}

func (a *Adapter) RemoveDevice(ctx context.Context, path string) error {
	call := a.adapterObj().CallWithContext(ctx, adapterInterface+".RemoveDevice", 0, dbus.ObjectPath(path))
	return mapCallError(call.Err)
}

func (a *Adapter) Power(ctx context.Context, on bool) error {
	return mapCallError(a.adapterObj().SetProperty(adapterInterface+".Powered", dbus.MakeVariant(on)))
}

func (a *Adapter) Modalias(ctx context.Context) (string, error) {
	v, err := a.adapterObj().GetProperty(adapterInterface + ".Modalias")
	if err != nil {
		return "", mapCallError(err)
	}
	var s string
	_ = v.Store(&s)
	return s, nil
}

func (a *Adapter) devicePath(address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", a.path, strings.ReplaceAll(address, ":", "_")))
}

func (a *Adapter) Connect(ctx context.Context, address string) error {
	return mapCallError(a.obj(a.devicePath(address)).CallWithContext(ctx, deviceInterface+".Connect", 0).Err)
}

func (a *Adapter) Disconnect(ctx context.Context, address string) error {
	return mapCallError(a.obj(a.devicePath(address)).CallWithContext(ctx, deviceInterface+".Disconnect", 0).Err)
}

func (a *Adapter) Pair(ctx context.Context, address string) error {
	return mapCallError(a.obj(a.devicePath(address)).CallWithContext(ctx, deviceInterface+".Pair", 0).Err)
}

func (a *Adapter) CancelPair(ctx context.Context, address string) error {
	return mapCallError(a.obj(a.devicePath(address)).CallWithContext(ctx, deviceInterface+".CancelPairing", 0).Err)
}

func (a *Adapter) Events() <-chan capability.AdapterEvent { return a.events }

// ConsumeRecoveryBus subscribes to bus and acts on it until ctx is
// cancelled: this is the adapter layer's side of spec.md §9's "recovery
// bus", the last-resort channel a device orchestrator publishes to once
// its own recovery ceiling is reached (spec.md §4.2/§7).
func (a *Adapter) ConsumeRecoveryBus(ctx context.Context, bus capability.RecoveryBus) {
	ch := bus.Subscribe()
	groutine.Go(ctx, "bluez-recovery-bus", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				a.handleRecoveryEvent(ctx, ev)
			}
		}
	})
}

func (a *Adapter) handleRecoveryEvent(ctx context.Context, ev capability.RecoveryEvent) {
	switch ev.Kind {
	case capability.ReconnectDevice:
		a.log.WithField("address", ev.Address).Info("recovery bus: reconnecting device")
		if err := a.Connect(ctx, ev.Address); err != nil {
			a.log.WithField("address", ev.Address).WithError(err).Warn("recovery bus reconnect failed")
		}
	case capability.PowerCycleAdapter:
		a.log.Warn("recovery bus: power-cycling adapter")
		if err := a.Power(ctx, false); err != nil {
			a.log.WithError(err).Warn("recovery bus power-off failed")
		}
		if err := a.Power(ctx, true); err != nil {
			a.log.WithError(err).Warn("recovery bus power-on failed")
		}
	}
}

func (a *Adapter) emit(ev capability.AdapterEvent) {
	select {
	case a.events <- ev:
	default:
		a.log.Warn("adapter event channel full, dropping event")
	}
}

// dispatchLoop is the single goroutine translating InterfacesAdded/Removed
// and PropertiesChanged signals into capability.AdapterEvent values.
func (a *Adapter) dispatchLoop() {
	for sig := range a.sigCh {
		switch sig.Name {
		case objectManagerInterface + "." + interfacesAddedMember:
			a.handleInterfacesAdded(sig)
		case objectManagerInterface + "." + interfacesRemovedMember:
			a.handleInterfacesRemoved(sig)
		case propertiesInterface + "." + propertiesChangedMember:
			a.handlePropertiesChanged(sig)
		}
	}
}

func (a *Adapter) handleInterfacesAdded(sig *dbus.Signal) {
	if len(sig.Body) != 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok || !strings.HasPrefix(string(path), string(a.path)+"/") {
		return
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}
	props, ok := ifaces[deviceInterface]
	if !ok {
		return
	}
	snap := snapshotFromProps(path, props)
	a.mu.Lock()
	a.devices[path] = snap
	a.mu.Unlock()
	a.emit(capability.AdapterEvent{Kind: capability.DeviceAdded, Device: snap})
}

func (a *Adapter) handleInterfacesRemoved(sig *dbus.Signal) {
	if len(sig.Body) != 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	a.mu.Lock()
	snap, known := a.devices[path]
	delete(a.devices, path)
	a.mu.Unlock()
	if !known {
		snap = capability.DeviceSnapshot{Path: string(path)}
	}
	a.emit(capability.AdapterEvent{Kind: capability.DeviceRemoved, Device: snap})
}

func (a *Adapter) handlePropertiesChanged(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	path := sig.Path

	switch iface {
	case adapterInterface:
		if path != a.path {
			return
		}
		if v, ok := changed["Powered"]; ok {
			var on bool
			_ = v.Store(&on)
			a.emit(capability.AdapterEvent{Kind: capability.AdapterPoweredChanged, Powered: on})
		}
		if v, ok := changed["Discovering"]; ok {
			var on bool
			_ = v.Store(&on)
			a.emit(capability.AdapterEvent{Kind: capability.DiscoveringChanged, On: on})
		}
		if v, ok := changed["Pairable"]; ok {
			var on bool
			_ = v.Store(&on)
			a.emit(capability.AdapterEvent{Kind: capability.PairableChanged, On: on})
		}
	case deviceInterface:
		if !strings.HasPrefix(string(path), string(a.path)+"/") {
			return
		}
		a.mu.Lock()
		snap := a.devices[path]
		snap.Path = string(path)
		for k, v := range changed {
			switch k {
			case "Address":
				_ = v.Store(&snap.Address)
			case "Name":
				_ = v.Store(&snap.Name)
			case "Connected":
				_ = v.Store(&snap.Connected)
			case "Paired":
				_ = v.Store(&snap.Paired)
			case "ServicesResolved":
				_ = v.Store(&snap.ServicesResolved)
			}
		}
		a.devices[path] = snap
		a.mu.Unlock()
		a.emit(capability.AdapterEvent{Kind: capability.DevicePropertyChanged, Device: snap})
	}
}

// Close releases the underlying D-Bus connection.
func (a *Adapter) Close() error {
	close(a.sigCh)
	return a.conn.Close()
}
