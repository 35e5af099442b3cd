// Package ipc implements the IPC projection of spec.md §6.3: one exported
// D-Bus object per device.Device, republishing its orchestrator/service
// state as properties, methods and PropertiesChanged signals. The core
// never blocks its own event loop on this layer; every method below that
// starts a service operation bridges into the async future.Future contract
// via future.Wait with a
// bounded timeout, matching spec.md §5's "no blocking I/O on the loop"
// rule from the caller's side of the boundary.
//
// This has no direct analogue in the teacher (srgg-blecli is a CLI, not a
// daemon with an exported object model); it follows the BlueZ
// Device1/Adapter1 property-export shape the teacher's own
// internal/bluez-equivalent code observes from the other side, using
// github.com/godbus/dbus/v5's prop and introspect sub-packages the way
// tiru-r-gobot-release/bluetooth/linux.go exercises prop.Export -- see
// DESIGN.md.
package ipc

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/device"
	"github.com/sky-uk/blercud/internal/future"
	"github.com/sky-uk/blercud/internal/services/aggregator"
	"github.com/sky-uk/blercud/internal/services/audio"
	"github.com/sky-uk/blercud/internal/services/findme"
	"github.com/sky-uk/blercud/internal/services/infrared"
)

// ifaceName is the D-Bus interface carrying every property/method/signal
// of spec.md §6.3.
const ifaceName = "com.skyuk.Blercu.Device1"

// requestTimeout bounds how long an exported method waits on its
// underlying Future before surfacing a TimedOut error to the caller,
// mirroring the GATT layer's own default timeout (spec.md §4.4/§7).
const requestTimeout = 25 * time.Second

// unclampedBattery is the IPC-surface sentinel for "never read" (spec.md
// §6.3's "BatteryLevel ... or 0xFF").
const unclampedBattery = 0xFF

// DeviceObject is the exported D-Bus object for one device.Device.
type DeviceObject struct {
	dev  *device.Device
	conn *dbus.Conn
	path dbus.ObjectPath
	log  *logrus.Entry

	props *prop.Properties

	unpairReason byte
	rebootReason byte
}

// ObjectPath derives this daemon's stable object path for a device address,
// e.g. "AA:BB:CC:DD:EE:01" -> ".../device/dev_AA_BB_CC_DD_EE_01".
func ObjectPath(base string, address string) dbus.ObjectPath {
	return dbus.ObjectPath(strings.TrimRight(base, "/") + "/dev_" + strings.ReplaceAll(address, ":", "_"))
}

// Export builds and exports a DeviceObject for d under base on conn. The
// returned object keeps itself up to date by subscribing to d.OnChange.
func Export(conn *dbus.Conn, base string, d *device.Device, log *logrus.Entry) (*DeviceObject, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	o := &DeviceObject{
		dev:  d,
		conn: conn,
		path: ObjectPath(base, d.Address),
		log:  log.WithField("component", "ipc.device").WithField("device", d.Address),
	}

	props, err := prop.Export(conn, o.path, o.propMap())
	if err != nil {
		return nil, fmt.Errorf("export properties for %s: %w", d.Address, err)
	}
	o.props = props

	if err := conn.Export(o, o.path, ifaceName); err != nil {
		return nil, fmt.Errorf("export methods for %s: %w", d.Address, err)
	}
	node := &introspect.Node{
		Name: string(o.path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:       ifaceName,
				Properties: o.props.Introspection(ifaceName),
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), o.path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, fmt.Errorf("export introspectable for %s: %w", d.Address, err)
	}

	d.OnChange(o.refresh)
	o.refresh()

	return o, nil
}

// wireServiceSignals (re-)attaches the sub-services' own change
// notifications to this object's properties. It is idempotent: each
// sub-service stores only the latest registered callback, so calling this
// again after a recovery cycle rebuilds the aggregator simply replaces the
// previous (now-defunct) registration rather than stacking duplicates.
func (o *DeviceObject) wireServiceSignals(svc aggregator.Services) {
	if svc.RemoteControl != nil {
		svc.RemoteControl.OnUnpairReason(func(reason byte) {
			o.unpairReason = reason
			o.props.SetMust(ifaceName, "UnpairReason", reason)
		})
		svc.RemoteControl.OnRebootReason(func(reason byte) {
			o.rebootReason = reason
			o.props.SetMust(ifaceName, "RebootReason", reason)
		})
	}
	if svc.Battery != nil {
		svc.Battery.OnLevelChanged(func(level int) {
			o.props.SetMust(ifaceName, "BatteryLevel", clampedBattery(level))
		})
	}
	if svc.Audio != nil {
		svc.Audio.OnStreamingChanged(func(streaming bool) {
			o.props.SetMust(ifaceName, "AudioStreaming", streaming)
		})
	}
}

func clampedBattery(level int) byte {
	if level < 0 {
		return unclampedBattery
	}
	if level > 100 {
		return 100
	}
	return byte(level)
}

// propMap builds the initial property table; Writable is false throughout
// since every one of spec.md §6.3's properties is observation-only.
func (o *DeviceObject) propMap() prop.Map {
	return prop.Map{
		ifaceName: {
			"Address":           {Value: o.dev.Address, Writable: false, Emit: prop.EmitTrue},
			"Name":              {Value: "", Writable: false, Emit: prop.EmitTrue},
			"Connected":         {Value: false, Writable: false, Emit: prop.EmitTrue},
			"BatteryLevel":      {Value: byte(unclampedBattery), Writable: false, Emit: prop.EmitTrue},
			"AudioStreaming":    {Value: false, Writable: false, Emit: prop.EmitTrue},
			"AudioGainLevel":    {Value: byte(0), Writable: false, Emit: prop.EmitTrue},
			"AudioCodecs":       {Value: uint32(0), Writable: false, Emit: prop.EmitTrue},
			"FirmwareRevision":  {Value: "", Writable: false, Emit: prop.EmitTrue},
			"SoftwareRevision":  {Value: "", Writable: false, Emit: prop.EmitTrue},
			"HardwareRevision":  {Value: "", Writable: false, Emit: prop.EmitTrue},
			"Manufacturer":      {Value: "", Writable: false, Emit: prop.EmitTrue},
			"Model":             {Value: "", Writable: false, Emit: prop.EmitTrue},
			"SerialNumber":      {Value: "", Writable: false, Emit: prop.EmitTrue},
			"TouchMode":         {Value: uint32(0), Writable: false, Emit: prop.EmitTrue},
			"TouchModeSettable": {Value: false, Writable: false, Emit: prop.EmitTrue},
			"IrCode":            {Value: int32(-1), Writable: false, Emit: prop.EmitTrue},
			"UnpairReason":      {Value: byte(0), Writable: false, Emit: prop.EmitTrue},
			"RebootReason":      {Value: byte(0), Writable: false, Emit: prop.EmitTrue},
			"LastKeypress":      {Value: byte(0), Writable: false, Emit: prop.EmitTrue},
		},
	}
}

// refresh re-reads every property from the current orchestrator/service
// state and pushes any changes out as PropertiesChanged signals; it is the
// handler behind device.Device.OnChange.
func (o *DeviceObject) refresh() {
	orch := o.dev.Orchestrator()
	svc := o.dev.Services()

	o.wireServiceSignals(svc)

	o.props.SetMust(ifaceName, "Name", o.dev.Name())
	o.props.SetMust(ifaceName, "Connected", orch.IsReady())

	if svc.Battery != nil {
		o.props.SetMust(ifaceName, "BatteryLevel", clampedBattery(svc.Battery.Level()))
	}
	if svc.DeviceInfo != nil {
		info := svc.DeviceInfo.Info()
		o.props.SetMust(ifaceName, "FirmwareRevision", info.FirmwareRevision)
		o.props.SetMust(ifaceName, "SoftwareRevision", info.SoftwareRevision)
		o.props.SetMust(ifaceName, "HardwareRevision", info.HardwareRevision)
		o.props.SetMust(ifaceName, "Manufacturer", info.ManufacturerName)
		o.props.SetMust(ifaceName, "Model", info.ModelNumber)
		o.props.SetMust(ifaceName, "SerialNumber", info.SerialNumber)
	}
	if svc.Infrared != nil {
		o.props.SetMust(ifaceName, "IrCode", int32(svc.Infrared.CodeID()))
	}
	if svc.RemoteControl != nil {
		o.props.SetMust(ifaceName, "TouchModeSettable", false)
		if kp, ok := svc.RemoteControl.LastKeypress(); ok {
			o.props.SetMust(ifaceName, "LastKeypress", kp)
		}
	}
}

func toDBusError(err *blercuerror.Error) *dbus.Error {
	if err == nil {
		return nil
	}
	return dbus.NewError(ifaceName+"."+err.Code.String(), []interface{}{err.Error()})
}

// StartAudioStreaming starts a voice-streaming session, returning a
// duplicated read-end file descriptor the caller owns (spec.md §6.3).
func (o *DeviceObject) StartAudioStreaming(encoding uint32) (dbus.UnixFD, *dbus.Error) {
	svc := o.dev.Services().Audio
	if svc == nil {
		return 0, dbus.NewError(ifaceName+".Rejected", []interface{}{"audio service not available"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	f := svc.StartStreamingRequest(audioEncoding(encoding))
	file, err := future.Wait(ctx, f)
	if err != nil {
		return 0, toDBusError(err)
	}
	defer file.Close()
	dupFD, derr := unix.Dup(int(file.Fd()))
	if derr != nil {
		return 0, dbus.NewError(ifaceName+".General", []interface{}{derr.Error()})
	}
	return dbus.UnixFD(dupFD), nil
}

// StartAudioStreamingTo starts streaming, copying decoded frames into the
// file at localPath instead of returning a pipe fd.
func (o *DeviceObject) StartAudioStreamingTo(encoding uint32, localPath string) *dbus.Error {
	svc := o.dev.Services().Audio
	if svc == nil {
		return dbus.NewError(ifaceName+".Rejected", []interface{}{"audio service not available"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	f := svc.StartStreamingRequest(audioEncoding(encoding))
	file, err := future.Wait(ctx, f)
	if err != nil {
		return toDBusError(err)
	}
	out, oerr := os.Create(localPath)
	if oerr != nil {
		file.Close()
		return dbus.NewError(ifaceName+".FileNotFound", []interface{}{oerr.Error()})
	}
	go func() {
		defer file.Close()
		defer out.Close()
		_, _ = io.Copy(out, file)
	}()
	return nil
}

func audioEncoding(v uint32) audio.Encoding {
	if v == uint32(audio.PCM16) {
		return audio.PCM16
	}
	return audio.ADPCM
}

// StopAudioStreaming stops an in-progress streaming session.
func (o *DeviceObject) StopAudioStreaming() *dbus.Error {
	svc := o.dev.Services().Audio
	if svc == nil {
		return dbus.NewError(ifaceName+".Rejected", []interface{}{"audio service not available"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err := future.Wait(ctx, svc.StopStreamingRequest())
	return toDBusError(err)
}

// GetAudioStatus returns the live/retained audio frame statistics.
func (o *DeviceObject) GetAudioStatus() (lastError string, actual, expected uint32, dberr *dbus.Error) {
	svc := o.dev.Services().Audio
	if svc == nil {
		return "", 0, 0, dbus.NewError(ifaceName+".Rejected", []interface{}{"audio service not available"})
	}
	st := svc.GetStatus()
	msg := ""
	if st.LastError != nil {
		msg = st.LastError.Error()
	}
	return msg, uint32(st.ActualPackets), uint32(st.ExpectedPackets), nil
}

// FindMe starts or stops the buzzer; level 0 stops, otherwise starts at the
// given level. duration is accepted for interface compatibility and
// ignored, per spec.md §4.10.
func (o *DeviceObject) FindMe(level byte, duration uint32) *dbus.Error {
	svc := o.dev.Services().FindMe
	if svc == nil {
		return dbus.NewError(ifaceName+".Rejected", []interface{}{"findme service not available"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	var f *future.Future[struct{}]
	if level == 0 {
		f = svc.StopBeeping()
	} else {
		f = svc.StartBeeping(findme.Level(level), int(duration))
	}
	_, err := future.Wait(ctx, f)
	return toDBusError(err)
}

// EraseIrSignals disables every known IR slot.
func (o *DeviceObject) EraseIrSignals() *dbus.Error {
	svc := o.dev.Services().Infrared
	if svc == nil {
		return dbus.NewError(ifaceName+".Rejected", []interface{}{"infrared service not available"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err := future.Wait(ctx, svc.EraseIrSignals())
	return toDBusError(err)
}

// ProgramIrSignals looks up and programs waveforms for codeID across keys
// (CDI key codes, spec.md §6.3); an empty keys slice programs the default
// set, per spec.md §4.7.
func (o *DeviceObject) ProgramIrSignals(codeID int32, keys []uint16) *dbus.Error {
	svc := o.dev.Services().Infrared
	if svc == nil {
		return dbus.NewError(ifaceName+".Rejected", []interface{}{"infrared service not available"})
	}
	logical := make([]infrared.Key, 0, len(keys))
	for _, k := range keys {
		lk, ok := keyFromCDI(k)
		if !ok {
			return dbus.NewError(ifaceName+".InvalidArg", []interface{}{fmt.Sprintf("unknown key code 0x%04x", k)})
		}
		logical = append(logical, lk)
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err := future.Wait(ctx, svc.ProgramIrSignals(int(codeID), logical))
	return toDBusError(err)
}

// ProgramIrSignalWaveforms programs waveforms directly, keyed by CDI key
// code.
func (o *DeviceObject) ProgramIrSignalWaveforms(waveforms map[uint16][]byte) *dbus.Error {
	svc := o.dev.Services().Infrared
	if svc == nil {
		return dbus.NewError(ifaceName+".Rejected", []interface{}{"infrared service not available"})
	}
	byKey := make(map[infrared.Key][]byte, len(waveforms))
	for k, v := range waveforms {
		lk, ok := keyFromCDI(k)
		if !ok {
			return dbus.NewError(ifaceName+".InvalidArg", []interface{}{fmt.Sprintf("unknown key code 0x%04x", k)})
		}
		byKey[lk] = v
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err := future.Wait(ctx, svc.ProgramIrSignalWaveforms(byKey))
	return toDBusError(err)
}

// SendIrSignal emits a single IR code for key immediately.
func (o *DeviceObject) SendIrSignal(key uint16) *dbus.Error {
	svc := o.dev.Services().Infrared
	if svc == nil {
		return dbus.NewError(ifaceName+".Rejected", []interface{}{"infrared service not available"})
	}
	lk, ok := keyFromCDI(key)
	if !ok {
		return dbus.NewError(ifaceName+".InvalidArg", []interface{}{fmt.Sprintf("unknown key code 0x%04x", key)})
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err := future.Wait(ctx, svc.EmitIrSignal(lk))
	return toDBusError(err)
}

// SendRcuAction forwards a single byte to the vendor RcuAction
// characteristic.
func (o *DeviceObject) SendRcuAction(action byte) *dbus.Error {
	svc := o.dev.Services().RemoteControl
	if svc == nil {
		return dbus.NewError(ifaceName+".Rejected", []interface{}{"remote control service not available"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err := future.Wait(ctx, svc.SendRcuAction(action))
	return toDBusError(err)
}

// SetTouchMode is not implemented: no sub-service in spec.md §4 exposes a
// GATT characteristic for touch-mode configuration, only a per-model
// default (spec.md §6.4's VendorModel.DefaultTouchMode). See DESIGN.md.
func (o *DeviceObject) SetTouchMode(mask uint32) *dbus.Error {
	return dbus.NewError(ifaceName+".NotImplemented", []interface{}{"touch mode has no backing GATT characteristic"})
}
