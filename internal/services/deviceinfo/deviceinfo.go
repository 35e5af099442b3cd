// Package deviceinfo implements the Device Info sub-service of spec.md
// §4.9: parallel one-shot reads of the standard device-information
// characteristics, the SystemId byte-reordering decode of §6.2, and the
// force_refresh coupling with the upgrade service.
package deviceinfo

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/gatt"
	"github.com/sky-uk/blercud/internal/statemachine"
)

const (
	Idle = iota
	Initialising
	Running
)

const (
	eventStart  = "Start"
	eventReady  = "Ready"
)

// Info is the resolved static device information (spec.md §4.9).
type Info struct {
	ManufacturerName string
	ModelNumber      string
	SerialNumber     string
	HardwareRevision string
	FirmwareRevision string
	SoftwareRevision string
	SystemID         uint64
	HaveSystemID     bool
	PnP              PnPID
}

// PnPID is the parsed PnP_ID characteristic (spec.md §4.9).
type PnPID struct {
	VendorSource  byte
	VendorID      uint16
	ProductID     uint16
	ProductVersion uint16
}

// systemIDReorder is the non-monotone byte index order of spec.md §6.2:
// byte i of the raw value contributes to bit position systemIDReorder[i].
var systemIDReorder = [8]uint{32, 24, 16, 8, 0, 40, 48, 56}

// DecodeSystemID reassembles the 8-byte System ID value into a u64 per
// spec.md §6.2's non-monotone index order.
func DecodeSystemID(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << systemIDReorder[i]
	}
	return v
}

// DecodePnP parses the PnP_ID characteristic (spec.md §4.9): at least 7
// bytes, {vendor_source:u8, vendor_id:u16 le, product_id:u16 le,
// product_version:u16 le}.
func DecodePnP(b []byte) (PnPID, error) {
	if len(b) < 7 {
		return PnPID{}, blercuerror.New(blercuerror.BadFormat, "PnP_ID too short: %d bytes", len(b))
	}
	return PnPID{
		VendorSource:   b[0],
		VendorID:       uint16(b[1]) | uint16(b[2])<<8,
		ProductID:      uint16(b[3]) | uint16(b[4])<<8,
		ProductVersion: uint16(b[5]) | uint16(b[6])<<8,
	}, nil
}

// Attributes bundles the GATT attributes this service reads.
type Attributes struct {
	ManufacturerName *gatt.Attribute
	ModelNumber      *gatt.Attribute
	SerialNumber     *gatt.Attribute
	HardwareRevision *gatt.Attribute
	FirmwareRevision *gatt.Attribute
	SoftwareRevision *gatt.Attribute
	SystemID         *gatt.Attribute // optional
	PnP              *gatt.Attribute
}

// Service performs the parallel reads and exposes the resolved Info.
type Service struct {
	attrs   Attributes
	log     *logrus.Entry
	machine *statemachine.Machine

	mu           sync.Mutex
	info         Info
	forceRefresh bool
	onReady      func()
}

// New builds a device-info service over attrs.
func New(attrs Attributes, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Service{attrs: attrs, log: log.WithField("component", "deviceinfo")}
	s.machine = statemachine.New("deviceinfo", s.log)
	s.build()
	return s
}

// OnReady registers a callback invoked when the required fields have all
// resolved (SystemId excluded, per spec.md §4.9).
func (s *Service) OnReady(fn func()) { s.onReady = fn }

func (s *Service) build() {
	m := s.machine
	_ = m.AddState(Idle, "Idle", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(Initialising, "Initialising", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(Running, "Running", statemachine.NoState, statemachine.NoState, false)
	_ = m.SetInitialState(Idle)
	_ = m.AddTransition(Idle, eventStart, Initialising)
	_ = m.AddTransition(Initialising, eventReady, Running)
	m.SetEntry(Initialising, s.onEnterInitialising)
	m.SetEntry(Running, s.onEnterRunning)
}

// Start begins the machine; every Start reads all fields afresh, whether or
// not force_refresh is set.
func (s *Service) Start(ctx context.Context) {
	_ = s.machine.Start()
	s.machine.PostEvent(eventStart, nil)
}

// Stop halts the machine.
func (s *Service) Stop() { s.machine.Stop() }

// NotifyUpgradeComplete sets the force_refresh flag (spec.md §4.9's "only
// coupling between upgrade and device-info"); Start does not read the flag.
func (s *Service) NotifyUpgradeComplete() {
	s.mu.Lock()
	s.forceRefresh = true
	s.mu.Unlock()
}

// Info returns a copy of the last-resolved device information.
func (s *Service) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

type stringRead struct {
	target *string
	attr   *gatt.Attribute
}

func (s *Service) onEnterInitialising(m *statemachine.Machine) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := false
	fail := func() {
		mu.Lock()
		failed = true
		mu.Unlock()
	}

	info := Info{}
	reads := []stringRead{
		{&info.ManufacturerName, s.attrs.ManufacturerName},
		{&info.ModelNumber, s.attrs.ModelNumber},
		{&info.SerialNumber, s.attrs.SerialNumber},
		{&info.HardwareRevision, s.attrs.HardwareRevision},
		{&info.FirmwareRevision, s.attrs.FirmwareRevision},
		{&info.SoftwareRevision, s.attrs.SoftwareRevision},
	}
	for _, r := range reads {
		wg.Add(1)
		r := r
		r.attr.ReadValue().Then(func(v []byte) {
			mu.Lock()
			*r.target = string(v)
			mu.Unlock()
			wg.Done()
		}, func(err *blercuerror.Error) {
			s.log.WithError(err).Debug("device info string read failed")
			fail()
			wg.Done()
		})
	}

	wg.Add(1)
	s.attrs.PnP.ReadValue().Then(func(v []byte) {
		if pnp, err := DecodePnP(v); err == nil {
			mu.Lock()
			info.PnP = pnp
			mu.Unlock()
		} else {
			fail()
		}
		wg.Done()
	}, func(err *blercuerror.Error) {
		s.log.WithError(err).Debug("PnP_ID read failed")
		fail()
		wg.Done()
	})

	if s.attrs.SystemID != nil {
		s.attrs.SystemID.ReadValue().Then(func(v []byte) {
			mu.Lock()
			info.SystemID = DecodeSystemID(v)
			info.HaveSystemID = true
			mu.Unlock()
		}, func(err *blercuerror.Error) {
			s.log.WithError(err).Debug("SystemId read failed (optional)")
		})
	}

	go func() {
		wg.Wait()
		mu.Lock()
		s.info = info
		ok := !failed
		mu.Unlock()
		if !ok {
			s.log.Warn("required device info read failed, not reaching Running")
			return
		}
		m.PostEvent(eventReady, nil)
	}()
}

func (s *Service) onEnterRunning(m *statemachine.Machine) {
	if s.onReady != nil {
		s.onReady()
	}
}
