// Package infrared implements the Infrared sub-service of spec.md §4.7: a
// service-level startup sequence plus a per-slot programming state machine,
// the SignalReference key mapping, and the program/erase/emit contract.
package infrared

import (
	"context"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/sirupsen/logrus"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/future"
	"github.com/sky-uk/blercud/internal/gatt"
	"github.com/sky-uk/blercud/internal/statemachine"
)

// Key is a logical remote-control key (spec.md §4.7).
type Key int

const (
	WakeUp Key = iota
	Standby
	InputSelect
	VolumeUp
	VolumeDown
	Mute
	Select
	Up
	Down
	Left
	Right
)

// signalRefToKey maps a SignalReference descriptor byte to a logical key
// (spec.md §4.7).
var signalRefToKey = map[byte]Key{
	0x0B: WakeUp,
	0x0C: Standby,
	0x29: InputSelect,
	0x10: VolumeUp,
	0x11: VolumeDown,
	0x0D: Mute,
	0x5C: Select,
	0x58: Up,
	0x59: Down,
	0x5A: Left,
	0x5B: Right,
}

// keyToEmitCode is the one-byte code written to EmitIr for a key; the
// source only specifies the SignalReference mapping, so emit reuses it.
var keyToEmitCode = func() map[Key]byte {
	m := make(map[Key]byte, len(signalRefToKey))
	for b, k := range signalRefToKey {
		m[k] = b
	}
	return m
}()

// defaultKeySet is programmed when program_ir_signals is called with an
// empty key set (spec.md §4.7).
var defaultKeySet = []Key{Standby, InputSelect, VolumeUp, VolumeDown, Mute}

// maxWaveformBytes bounds program_ir_signal_waveforms payloads.
const maxWaveformBytes = 256

// maxSignalReferenceRetries is the N=3 open-question resolution: fail the
// slot setup permanently after N retries rather than busy-looping.
const maxSignalReferenceRetries = 3

// IrDatabase is the external collaborator of spec.md §6.4/§4.7.
type IrDatabase interface {
	Brands(search string, options map[string]string, offset, limit int) ([]string, error)
	Models(brand, search string, options map[string]string, offset, limit int) ([]string, error)
	CodeIDs(brand, model string, options map[string]string) ([]int, error)
	WaveformsFor(codeID int, keys []Key) (map[Key][]byte, error)
}

// SlotAttributes bundles one SignalSlot characteristic and its descriptors.
type SlotAttributes struct {
	SignalSlot          *gatt.Attribute
	SignalReference     *gatt.Attribute
	SignalConfiguration *gatt.Attribute
}

// Attributes bundles the service-level attributes and the set of slots.
type Attributes struct {
	CodeID  *gatt.Attribute
	Standby *gatt.Attribute
	EmitIr  *gatt.Attribute
	Slots   []SlotAttributes
}

const (
	svcIdle = iota
	svcStartingSuperState
	svcSetStandbyMode
	svcGetCodeID
	svcGetIrSignals
	svcRunning
)

const (
	evSvcStart           = "Start"
	evStandbySet         = "StandbySet"
	evCodeIDRead         = "CodeIDRead"
	evAllSlotsReady      = "AllSlotsReady"
)

const (
	slotIdle = iota
	slotInitialising
	slotReady
	slotProgrammingSuperState
	slotDisabling
	slotWriting
	slotEnabling
)

const (
	evSlotStart       = "SlotStart"
	evRefRead         = "RefRead"
	evRefFailed       = "RefFailed"
	evProgram         = "Program"
	evDisabled        = "Disabled"
	evWritten         = "Written"
	evEnabled         = "Enabled"
)

type slot struct {
	attrs   SlotAttributes
	machine *statemachine.Machine
	log     *logrus.Entry

	mu         sync.Mutex
	key        Key
	haveKey    bool
	retries    int
	readyOnce  bool
	pending    []byte // payload for the in-flight Program request
	onReady    func()
	onProgram  func(err *blercuerror.Error)
}

func newSlot(attrs SlotAttributes, log *logrus.Entry) *slot {
	s := &slot{attrs: attrs, log: log}
	s.machine = statemachine.New("irslot", log)
	s.build()
	return s
}

func (s *slot) build() {
	m := s.machine
	_ = m.AddState(slotIdle, "Idle", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(slotInitialising, "Initialising", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(slotReady, "Ready", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(slotProgrammingSuperState, "ProgrammingSuperState", statemachine.NoState, slotDisabling, false)
	_ = m.AddState(slotDisabling, "Disabling", slotProgrammingSuperState, statemachine.NoState, false)
	_ = m.AddState(slotWriting, "Writing", slotProgrammingSuperState, statemachine.NoState, false)
	_ = m.AddState(slotEnabling, "Enabling", slotProgrammingSuperState, statemachine.NoState, false)
	_ = m.SetInitialState(slotIdle)

	_ = m.AddTransition(slotIdle, evSlotStart, slotInitialising)
	_ = m.AddTransition(slotInitialising, evRefRead, slotReady)
	_ = m.AddTransition(slotInitialising, evRefFailed, slotInitialising)
	_ = m.AddTransition(slotReady, evProgram, slotProgrammingSuperState)
	_ = m.AddTransition(slotDisabling, evDisabled, slotWriting)
	_ = m.AddTransition(slotWriting, evWritten, slotEnabling)
	_ = m.AddTransition(slotEnabling, evEnabled, slotReady)

	m.SetEntry(slotInitialising, s.onEnterInitialising)
	m.SetEntry(slotDisabling, s.onEnterDisabling)
	m.SetEntry(slotWriting, s.onEnterWriting)
	m.SetEntry(slotEnabling, s.onEnterEnabling)
	m.SetEntry(slotReady, s.onEnterReady)
}

func (s *slot) start() { _ = s.machine.Start(); s.machine.PostEvent(evSlotStart, nil) }
func (s *slot) stop()  { s.machine.Stop() }

func (s *slot) onEnterInitialising(m *statemachine.Machine) {
	s.attrs.SignalReference.ReadValue().Then(func(v []byte) {
		if len(v) < 1 {
			s.failRetry(m)
			return
		}
		key, ok := signalRefToKey[v[0]]
		if !ok {
			s.failRetry(m)
			return
		}
		s.mu.Lock()
		s.key = key
		s.haveKey = true
		s.retries = 0
		s.mu.Unlock()
		m.PostEvent(evRefRead, nil)
	}, func(err *blercuerror.Error) {
		s.failRetry(m)
	})
}

func (s *slot) failRetry(m *statemachine.Machine) {
	s.mu.Lock()
	s.retries++
	exhausted := s.retries > maxSignalReferenceRetries
	s.mu.Unlock()
	if exhausted {
		s.log.Warn("unknown SignalReference, giving up after retries")
		return
	}
	// re-issue the read directly: an Initialising->Initialising transition
	// does not re-run the entry callback
	if m.IsRunning() {
		s.onEnterInitialising(m)
	}
}

func (s *slot) onEnterReady(m *statemachine.Machine) {
	s.mu.Lock()
	already := s.readyOnce
	s.readyOnce = true
	onReady := s.onReady
	s.mu.Unlock()
	if !already && onReady != nil {
		onReady()
	}
}

func (s *slot) onEnterDisabling(m *statemachine.Machine) {
	s.attrs.SignalConfiguration.WriteValue([]byte{0x00}).Then(func(struct{}) {
		m.PostEvent(evDisabled, nil)
	}, func(err *blercuerror.Error) {
		s.completeProgram(err)
		m.PostEvent(evDisabled, nil)
	})
}

func (s *slot) onEnterWriting(m *statemachine.Machine) {
	s.mu.Lock()
	payload := s.pending
	s.mu.Unlock()
	if len(payload) == 0 {
		m.PostEvent(evWritten, nil)
		return
	}
	s.attrs.SignalSlot.WriteValue(payload).Then(func(struct{}) {
		m.PostEvent(evWritten, nil)
	}, func(err *blercuerror.Error) {
		s.completeProgram(err)
		m.PostEvent(evWritten, nil)
	})
}

func (s *slot) onEnterEnabling(m *statemachine.Machine) {
	s.mu.Lock()
	payload := s.pending
	s.mu.Unlock()
	if len(payload) == 0 {
		s.completeProgram(nil)
		m.PostEvent(evEnabled, nil)
		return
	}
	s.attrs.SignalConfiguration.WriteValue([]byte{0x01}).Then(func(struct{}) {
		s.completeProgram(nil)
		m.PostEvent(evEnabled, nil)
	}, func(err *blercuerror.Error) {
		s.completeProgram(err)
		m.PostEvent(evEnabled, nil)
	})
}

// program requests a programming cycle for payload (nil/empty disables).
func (s *slot) program(payload []byte, onDone func(err *blercuerror.Error)) {
	s.mu.Lock()
	s.pending = payload
	s.onProgram = onDone
	s.mu.Unlock()
	s.machine.PostEvent(evProgram, nil)
}

func (s *slot) completeProgram(err *blercuerror.Error) {
	s.mu.Lock()
	onDone := s.onProgram
	s.onProgram = nil
	s.mu.Unlock()
	if onDone != nil {
		onDone(err)
	}
}

// Service is the infrared sub-service.
type Service struct {
	attrs Attributes
	db    IrDatabase
	log   *logrus.Entry

	machine *statemachine.Machine
	// slots is the per-device slot registry, keyed by the slot's index in
	// Attributes.Slots and kept in that order; a go-ordered-map rather than
	// a plain map so EraseIrSignals, Stop and the per-key lookup iterate slots in a stable,
	// deterministic order for logging and tests.
	slots *orderedmap.OrderedMap[int, *slot]

	mu         sync.Mutex
	codeID     int
	readyCount int
	onReady    func()
}

// OnReady registers a callback invoked once standby mode, the code id, and
// every slot have resolved and the service reaches Running.
func (s *Service) OnReady(fn func()) { s.onReady = fn }

// New builds an infrared service over attrs, with db used to look up
// waveforms for program_ir_signals.
func New(attrs Attributes, db IrDatabase, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Service{
		attrs: attrs,
		db:    db,
		log:   log.WithField("component", "infrared"),
		slots: orderedmap.New[int, *slot](),
	}
	s.machine = statemachine.New("infrared", s.log)
	s.build()
	return s
}

func (s *Service) build() {
	m := s.machine
	_ = m.AddState(svcIdle, "Idle", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(svcStartingSuperState, "StartingSuperState", statemachine.NoState, svcSetStandbyMode, false)
	_ = m.AddState(svcSetStandbyMode, "SetStandbyMode", svcStartingSuperState, statemachine.NoState, false)
	_ = m.AddState(svcGetCodeID, "GetCodeId", svcStartingSuperState, statemachine.NoState, false)
	_ = m.AddState(svcGetIrSignals, "GetIrSignals", svcStartingSuperState, statemachine.NoState, false)
	_ = m.AddState(svcRunning, "Running", statemachine.NoState, statemachine.NoState, false)
	_ = m.SetInitialState(svcIdle)

	_ = m.AddTransition(svcIdle, evSvcStart, svcSetStandbyMode)
	_ = m.AddTransition(svcSetStandbyMode, evStandbySet, svcGetCodeID)
	_ = m.AddTransition(svcGetCodeID, evCodeIDRead, svcGetIrSignals)
	_ = m.AddTransition(svcGetIrSignals, evAllSlotsReady, svcRunning)

	m.SetEntry(svcSetStandbyMode, s.onEnterSetStandbyMode)
	m.SetEntry(svcGetCodeID, s.onEnterGetCodeID)
	m.SetEntry(svcGetIrSignals, s.onEnterGetIrSignals)
	m.SetEntry(svcRunning, s.onEnterSvcRunning)
}

func (s *Service) onEnterSvcRunning(m *statemachine.Machine) {
	if s.onReady != nil {
		s.onReady()
	}
}

// onEnterSetStandbyMode: idempotent one-byte write to Standby, skipped if
// the characteristic is absent (spec.md §9 open question resolution).
func (s *Service) onEnterSetStandbyMode(m *statemachine.Machine) {
	if s.attrs.Standby == nil {
		m.PostEvent(evStandbySet, nil)
		return
	}
	s.attrs.Standby.WriteValue([]byte{0x00}).Then(func(struct{}) {
		m.PostEvent(evStandbySet, nil)
	}, func(err *blercuerror.Error) {
		s.log.WithError(err).Debug("standby write failed, proceeding anyway")
		m.PostEvent(evStandbySet, nil)
	})
}

func (s *Service) onEnterGetCodeID(m *statemachine.Machine) {
	s.attrs.CodeID.ReadValue().Then(func(v []byte) {
		if len(v) >= 4 {
			s.mu.Lock()
			s.codeID = int(v[0]) | int(v[1])<<8 | int(v[2])<<16 | int(v[3])<<24
			s.mu.Unlock()
		}
		m.PostEvent(evCodeIDRead, nil)
	}, func(err *blercuerror.Error) {
		m.PostEvent(evCodeIDRead, nil)
	})
}

func (s *Service) onEnterGetIrSignals(m *statemachine.Machine) {
	total := len(s.attrs.Slots)
	for i, slotAttrs := range s.attrs.Slots {
		sl := newSlot(slotAttrs, s.log)
		sl.onReady = func() { s.onSlotReady(m, total) }

		s.mu.Lock()
		s.slots.Set(i, sl)
		s.mu.Unlock()

		sl.start()
	}
	if total == 0 {
		m.PostEvent(evAllSlotsReady, nil)
	}
}

func (s *Service) onSlotReady(m *statemachine.Machine, total int) {
	s.mu.Lock()
	s.readyCount++
	allReady := s.readyCount >= total
	s.mu.Unlock()
	if allReady {
		m.PostEvent(evAllSlotsReady, nil)
	}
}

// Start begins the service machine.
func (s *Service) Start(ctx context.Context) {
	_ = s.machine.Start()
	s.machine.PostEvent(evSvcStart, nil)
}

// Stop halts the service and every per-slot machine.
func (s *Service) Stop() {
	s.mu.Lock()
	m := s.slots
	s.mu.Unlock()
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.stop()
	}
	s.machine.Stop()
}

// CodeID returns the last read/written code id.
func (s *Service) CodeID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codeID
}

func (s *Service) findSlotForKey(key Key) *slot {
	s.mu.Lock()
	m := s.slots
	s.mu.Unlock()
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		sl := pair.Value
		sl.mu.Lock()
		match := sl.haveKey && sl.key == key
		sl.mu.Unlock()
		if match {
			return sl
		}
	}
	return nil
}

// ProgramIrSignals looks up waveforms for keys (or the default set if
// empty) and programs the corresponding slots (spec.md §4.7).
func (s *Service) ProgramIrSignals(codeID int, keys []Key) *future.Future[struct{}] {
	f, p := future.New[struct{}]()
	if len(keys) == 0 {
		keys = defaultKeySet
	}
	waveforms, err := s.db.WaveformsFor(codeID, keys)
	if err != nil {
		p.Reject(blercuerror.Wrap(err))
		return f
	}
	s.mu.Lock()
	s.codeID = codeID
	s.mu.Unlock()
	s.programWaveforms(waveforms, p)
	return f
}

// ProgramIrSignalWaveforms programs supplied waveforms directly.
func (s *Service) ProgramIrSignalWaveforms(waveforms map[Key][]byte) *future.Future[struct{}] {
	f, p := future.New[struct{}]()
	for _, v := range waveforms {
		if len(v) > maxWaveformBytes {
			p.Reject(blercuerror.New(blercuerror.General, "waveform exceeds %d bytes", maxWaveformBytes))
			return f
		}
	}
	s.programWaveforms(waveforms, p)
	return f
}

func (s *Service) programWaveforms(waveforms map[Key][]byte, p *future.Promise[struct{}]) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr *blercuerror.Error

	for key, payload := range waveforms {
		sl := s.findSlotForKey(key)
		if sl == nil {
			continue
		}
		wg.Add(1)
		sl.program(payload, func(err *blercuerror.Error) {
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			wg.Done()
		})
	}
	go func() {
		wg.Wait()
		if firstErr != nil {
			p.Reject(firstErr)
			return
		}
		p.Resolve(struct{}{})
	}()
}

// EraseIrSignals programs every known slot with an empty payload.
func (s *Service) EraseIrSignals() *future.Future[struct{}] {
	f, p := future.New[struct{}]()
	s.mu.Lock()
	m := s.slots
	s.mu.Unlock()

	var wg sync.WaitGroup
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		wg.Add(1)
		pair.Value.program(nil, func(err *blercuerror.Error) { wg.Done() })
	}
	go func() {
		wg.Wait()
		p.Resolve(struct{}{})
	}()
	return f
}

// EmitIrSignal writes the one-byte code for key to EmitIr.
func (s *Service) EmitIrSignal(key Key) *future.Future[struct{}] {
	code, ok := keyToEmitCode[key]
	if !ok {
		f, p := future.New[struct{}]()
		p.Reject(blercuerror.New(blercuerror.InvalidArg, "unknown key"))
		return f
	}
	return s.attrs.EmitIr.WriteValue([]byte{code})
}
