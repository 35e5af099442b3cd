// Package aggregator implements the services aggregator of spec.md §4.3:
// it owns one instance of each sub-service and drives them through a fixed
// linear startup sequence -- DeviceInfo -> Battery -> FindMe -> Audio ->
// Infrared -> Upgrade -> RemoteControl -> Ready -- advancing only once the
// current sub-service reports ready, and stops them in the reverse order.
//
// It implements internal/orchestrator.ServicesAggregator, injected there to
// avoid a cyclic import.
package aggregator

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/sky-uk/blercud/internal/capability"
	"github.com/sky-uk/blercud/internal/gatt"
	"github.com/sky-uk/blercud/internal/gattuuid"
	"github.com/sky-uk/blercud/internal/services/audio"
	"github.com/sky-uk/blercud/internal/services/battery"
	"github.com/sky-uk/blercud/internal/services/deviceinfo"
	"github.com/sky-uk/blercud/internal/services/findme"
	"github.com/sky-uk/blercud/internal/services/infrared"
	"github.com/sky-uk/blercud/internal/services/remotecontrol"
	"github.com/sky-uk/blercud/internal/services/upgrade"
)

// entry is one step of the fixed startup sequence.
type entry struct {
	name     string
	optional bool
	present  bool
	start    func(ctx context.Context)
	stop     func()
	onReady  func(fn func())
}

// Services is a typed handle to every constructed sub-service, so callers
// (the IPC projection) can reach them once the aggregator is built.
type Services struct {
	DeviceInfo     *deviceinfo.Service
	Battery        *battery.Service
	FindMe         *findme.Service
	Audio          *audio.Service
	Infrared       *infrared.Service
	Upgrade        *upgrade.Service
	RemoteControl  *remotecontrol.Service // nil if the device has no RemoteControl service
}

// Aggregator drives the sub-services for one device through their startup
// sequence and owns their lifetime for as long as the device stays in the
// orchestrator's setup super-state.
type Aggregator struct {
	address string
	log     *logrus.Entry

	Services Services

	order *orderedmap.OrderedMap[string, *entry]

	mu      sync.Mutex
	started []*entry
	stopped bool
	onReady func()
}

// New discovers address's GATT tree via profile and builds every
// sub-service over it. db supplies infrared waveforms. onReady is invoked
// once the whole sequence reaches Ready; it may be called from a goroutine
// other than the caller's.
func New(ctx context.Context, address string, profile capability.GattProfile, db infrared.IrDatabase, onReady func(), log *logrus.Entry) (*Aggregator, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "aggregator").WithField("device", address)

	tree, err := profile.Discover(ctx, address)
	if err != nil {
		return nil, err
	}

	a := &Aggregator{
		address: address,
		log:     log,
		onReady: onReady,
		order:   orderedmap.New[string, *entry](),
	}

	b := &builder{address: address, profile: profile, tree: tree, log: log}

	a.Services.DeviceInfo = b.buildDeviceInfo()
	a.addEntry("deviceinfo", false, b.serviceFound(gattuuid.ServiceDeviceInformation), a.Services.DeviceInfo.Start, a.Services.DeviceInfo.Stop, a.Services.DeviceInfo.OnReady)

	a.Services.Battery = b.buildBattery()
	a.addEntry("battery", false, b.serviceFound(gattuuid.ServiceBattery), a.Services.Battery.Start, a.Services.Battery.Stop, a.Services.Battery.OnReady)

	a.Services.FindMe = b.buildFindMe()
	a.addEntry("findme", false, b.serviceFound(gattuuid.ServiceImmediateAlert), a.Services.FindMe.Start, a.Services.FindMe.Stop, a.Services.FindMe.OnReady)

	a.Services.Audio = b.buildAudio()
	a.addEntry("audio", false, b.serviceFound(gattuuid.ServiceAudio), a.Services.Audio.Start, a.Services.Audio.Stop, a.Services.Audio.OnReady)

	a.Services.Infrared = b.buildInfrared(db)
	a.addEntry("infrared", false, b.serviceFound(gattuuid.ServiceInfrared), a.Services.Infrared.Start, a.Services.Infrared.Stop, a.Services.Infrared.OnReady)

	a.Services.Upgrade = b.buildUpgrade()
	a.addEntry("upgrade", false, b.serviceFound(gattuuid.ServiceUpgrade), a.Services.Upgrade.Start, a.Services.Upgrade.Stop, a.Services.Upgrade.OnReady)

	if b.serviceFound(gattuuid.ServiceRemoteControl) {
		a.Services.RemoteControl = b.buildRemoteControl()
		a.addEntry("remotecontrol", true, true, a.Services.RemoteControl.Start, a.Services.RemoteControl.Stop, a.Services.RemoteControl.OnReady)
	} else {
		a.addEntry("remotecontrol", true, false, nil, nil, nil)
	}

	return a, nil
}

func (a *Aggregator) addEntry(name string, optional, present bool, start func(ctx context.Context), stop func(), onReady func(func())) {
	a.order.Set(name, &entry{name: name, optional: optional, present: present, start: start, stop: stop, onReady: onReady})
}

// Start begins the fixed sequence: DeviceInfo -> Battery -> FindMe -> Audio
// -> Infrared -> Upgrade -> RemoteControl -> Ready. A missing mandatory
// sub-service aborts the sequence (logged, never calling onReady); a
// missing RemoteControl synthesises readiness immediately, per spec.md
// §4.3.
func (a *Aggregator) Start(ctx context.Context) {
	go a.runSequence(ctx)
}

func (a *Aggregator) runSequence(ctx context.Context) {
	for pair := a.order.Oldest(); pair != nil; pair = pair.Next() {
		e := pair.Value
		if !e.present {
			if !e.optional {
				a.log.WithField("service", e.name).Error("required GATT service missing, startup aborted")
				return
			}
			a.log.WithField("service", e.name).Info("optional service absent, synthesising ready")
			continue
		}

		done := make(chan struct{})
		e.onReady(func() {
			select {
			case <-done:
			default:
				close(done)
			}
		})
		e.start(ctx)

		a.mu.Lock()
		a.started = append(a.started, e)
		stopped := a.stopped
		a.mu.Unlock()
		if stopped {
			return
		}

		<-done
	}

	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		return
	}
	if a.onReady != nil {
		a.onReady()
	}
}

// Stop halts every sub-service that was actually started, in reverse order.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.stopped = true
	started := a.started
	a.started = nil
	a.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		started[i].stop()
	}
}

// builder resolves GATT attributes for address out of a discovered tree.
type builder struct {
	address string
	profile capability.GattProfile
	tree    []capability.ServiceDescriptor
	log     *logrus.Entry
}

func (b *builder) findService(uuid string) (capability.ServiceDescriptor, bool) {
	for _, s := range b.tree {
		if gattuuid.Normalize(s.UUID) == uuid {
			return s, true
		}
	}
	return capability.ServiceDescriptor{}, false
}

func (b *builder) serviceFound(uuid string) bool {
	_, ok := b.findService(uuid)
	return ok
}

func (b *builder) findCharacteristics(svc capability.ServiceDescriptor, uuid string) []capability.CharacteristicDescriptor {
	var out []capability.CharacteristicDescriptor
	for _, c := range svc.Characteristics {
		if gattuuid.Normalize(c.UUID) == uuid {
			out = append(out, c)
		}
	}
	return out
}

// attr builds a gatt.Attribute for svcUUID/charUUID/instance; a missing
// service or characteristic yields a shim with no backing RawAttribute,
// which gatt.Attribute already reports as a General "no proxy" error on
// every operation, matching this service's own optional-characteristic
// handling.
func (b *builder) attr(svcUUID, charUUID string, instance int) *gatt.Attribute {
	handle := gatt.Handle{ServiceUUID: svcUUID, CharacteristicUUID: charUUID, Instance: instance}
	raw, err := b.profile.Characteristic(b.address, svcUUID, charUUID, instance)
	if err != nil {
		b.log.WithError(err).WithField("characteristic", charUUID).Debug("characteristic unavailable")
		return gatt.New(handle, nil, b.log)
	}
	return gatt.New(handle, raw, b.log)
}

// attrIfPresent returns nil if svc doesn't exist or doesn't advertise
// charUUID, for genuinely optional characteristics.
func (b *builder) attrIfPresent(svc capability.ServiceDescriptor, svcUUID, charUUID string, instance int) *gatt.Attribute {
	if len(b.findCharacteristics(svc, charUUID)) == 0 {
		return nil
	}
	return b.attr(svcUUID, charUUID, instance)
}

func (b *builder) descAttr(svcUUID, charUUID, descUUID string, instance int) *gatt.Attribute {
	handle := gatt.Handle{ServiceUUID: svcUUID, CharacteristicUUID: charUUID, DescriptorUUID: descUUID, Instance: instance}
	raw, err := b.profile.Descriptor(b.address, svcUUID, charUUID, descUUID, instance)
	if err != nil {
		b.log.WithError(err).WithField("descriptor", descUUID).Debug("descriptor unavailable")
		return gatt.New(handle, nil, b.log)
	}
	return gatt.New(handle, raw, b.log)
}

func (b *builder) buildDeviceInfo() *deviceinfo.Service {
	svc, _ := b.findService(gattuuid.ServiceDeviceInformation)
	attrs := deviceinfo.Attributes{
		ManufacturerName: b.attr(gattuuid.ServiceDeviceInformation, gattuuid.CharManufacturerName, 0),
		ModelNumber:      b.attr(gattuuid.ServiceDeviceInformation, gattuuid.CharModelNumber, 0),
		SerialNumber:     b.attr(gattuuid.ServiceDeviceInformation, gattuuid.CharSerialNumber, 0),
		HardwareRevision: b.attr(gattuuid.ServiceDeviceInformation, gattuuid.CharHardwareRevision, 0),
		FirmwareRevision: b.attr(gattuuid.ServiceDeviceInformation, gattuuid.CharFirmwareRevision, 0),
		SoftwareRevision: b.attr(gattuuid.ServiceDeviceInformation, gattuuid.CharSoftwareRevision, 0),
		PnP:              b.attr(gattuuid.ServiceDeviceInformation, gattuuid.CharPnPID, 0),
		SystemID:         b.attrIfPresent(svc, gattuuid.ServiceDeviceInformation, gattuuid.CharSystemID, 0),
	}
	return deviceinfo.New(attrs, b.log)
}

func (b *builder) buildBattery() *battery.Service {
	return battery.New(b.attr(gattuuid.ServiceBattery, gattuuid.CharBatteryLevel, 0), b.log)
}

func (b *builder) buildFindMe() *findme.Service {
	return findme.New(b.attr(gattuuid.ServiceImmediateAlert, gattuuid.CharAlertLevel, 0), b.log)
}

func (b *builder) buildAudio() *audio.Service {
	attrs := audio.Attributes{
		Codecs:  b.attr(gattuuid.ServiceAudio, gattuuid.CharAudioCodecs, 0),
		Gain:    b.attr(gattuuid.ServiceAudio, gattuuid.CharAudioGain, 0),
		Control: b.attr(gattuuid.ServiceAudio, gattuuid.CharAudioCtrl, 0),
		Data:    b.attr(gattuuid.ServiceAudio, gattuuid.CharAudioData, 0),
	}
	return audio.New(attrs, b.log)
}

func (b *builder) buildInfrared(db infrared.IrDatabase) *infrared.Service {
	svc, _ := b.findService(gattuuid.ServiceInfrared)
	slotChars := b.findCharacteristics(svc, gattuuid.CharIrSignalSlot)
	slots := make([]infrared.SlotAttributes, 0, len(slotChars))
	for _, ch := range slotChars {
		slots = append(slots, infrared.SlotAttributes{
			SignalSlot:          b.attr(gattuuid.ServiceInfrared, gattuuid.CharIrSignalSlot, ch.Instance),
			SignalReference:     b.descAttr(gattuuid.ServiceInfrared, gattuuid.CharIrSignalSlot, gattuuid.DescIrSignalRef, ch.Instance),
			SignalConfiguration: b.descAttr(gattuuid.ServiceInfrared, gattuuid.CharIrSignalSlot, gattuuid.DescIrSignalConfig, ch.Instance),
		})
	}
	attrs := infrared.Attributes{
		CodeID:  b.attr(gattuuid.ServiceInfrared, gattuuid.CharIrCodeID, 0),
		Standby: b.attrIfPresent(svc, gattuuid.ServiceInfrared, gattuuid.CharIrStandby, 0),
		EmitIr:  b.attr(gattuuid.ServiceInfrared, gattuuid.CharIrEmit, 0),
		Slots:   slots,
	}
	return infrared.New(attrs, db, b.log)
}

func (b *builder) buildUpgrade() *upgrade.Service {
	svc, _ := b.findService(gattuuid.ServiceUpgrade)
	attrs := upgrade.Attributes{
		ControlPoint:     b.attr(gattuuid.ServiceUpgrade, gattuuid.CharUpgradeControlPoint, 0),
		Packet:           b.attr(gattuuid.ServiceUpgrade, gattuuid.CharUpgradePacket, 0),
		PacketWindowSize: b.descAttrIfPresent(svc, gattuuid.CharUpgradePacket, gattuuid.ServiceUpgrade, gattuuid.DescUpgradeWindowSize, 0),
	}
	return upgrade.New(attrs, b.log)
}

// descAttrIfPresent returns nil unless charUUID within svc advertises
// descUUID among its descriptors.
func (b *builder) descAttrIfPresent(svc capability.ServiceDescriptor, charUUID, svcUUID, descUUID string, instance int) *gatt.Attribute {
	for _, ch := range b.findCharacteristics(svc, charUUID) {
		for _, d := range ch.Descriptors {
			if gattuuid.Normalize(d.UUID) == descUUID {
				return b.descAttr(svcUUID, charUUID, descUUID, instance)
			}
		}
	}
	return nil
}

func (b *builder) buildRemoteControl() *remotecontrol.Service {
	svc, _ := b.findService(gattuuid.ServiceRemoteControl)
	attrs := remotecontrol.Attributes{
		UnpairReason:                b.attr(gattuuid.ServiceRemoteControl, gattuuid.CharRcuUnpairReason, 0),
		RebootReason:                b.attr(gattuuid.ServiceRemoteControl, gattuuid.CharRcuRebootReason, 0),
		RcuAction:                   b.attr(gattuuid.ServiceRemoteControl, gattuuid.CharRcuAction, 0),
		LastKeypress:                b.attrIfPresent(svc, gattuuid.ServiceRemoteControl, gattuuid.CharRcuLastKeypress, 0),
		AdvertisingConfig:           b.attrIfPresent(svc, gattuuid.ServiceRemoteControl, gattuuid.CharRcuAdvertisingConfig, 0),
		AdvertisingConfigCustomList: b.attrIfPresent(svc, gattuuid.ServiceRemoteControl, gattuuid.CharRcuAdvertisingConfigList, 0),
	}
	return remotecontrol.New(attrs, b.log)
}
