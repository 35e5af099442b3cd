// Package statemachine implements the hierarchical state machine engine
// described in spec.md §4.1: states with optional parent/child nesting,
// event- and external-signal-triggered transitions resolved by walking the
// ancestor chain, a single-threaded cooperative event loop with local-queue
// draining, delayed (timer) events cancellable by id, and final states that
// synthesise a "finished" event into their owning super-state.
//
// It is the reusable core every subsystem in this daemon is built on top
// of (the device orchestrator, the per-service sub-machines, and the OTA
// upgrade protocol), grounded on the C++ utils/statemachine.{h,cpp} this
// spec was distilled from and rewritten in Go's idiom: channels and a
// dedicated loop goroutine stand in for Qt's QEvent/QObject machinery.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sky-uk/blercud/internal/groutine"
)

// NoState is the sentinel "no state" id, used for "no parent" / "no initial
// child" / "not yet started".
const NoState = -1

// Event is one item of work delivered to the machine.
type Event struct {
	Type    string
	Payload interface{}
}

// FinishedEvent is synthesised into a super-state when one of its final
// children is entered (spec.md §4.1 "Final states").
const FinishedEvent = "__finished__"

type transition struct {
	target int
}

type stateDef struct {
	id       int
	name     string
	parent   int
	initial  int
	isFinal  bool
	onEntry  func(m *Machine)
	onExit   func(m *Machine)
	onEvents map[string]transition
	onSignal map[string]transition
}

// Machine is one hierarchical state machine instance. Zero value is not
// usable; construct with New.
type Machine struct {
	name string
	log  *logrus.Entry

	mu      sync.Mutex
	states  map[int]*stateDef
	current int
	initial int
	running bool

	external   chan Event
	stop       chan struct{}
	done       chan struct{}
	loopGID    uint64
	localQueue []Event

	delayedMu      sync.Mutex
	delayedCounter int64
	delayed        map[int64]*time.Timer
	delayedTypes   map[int64]string

	onTransition func(from, to int)
	onFinished   func()
}

// New constructs an empty machine. name is used purely for logging.
func New(name string, log *logrus.Entry) *Machine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Machine{
		name:         name,
		log:          log.WithField("component", "statemachine").WithField("machine", name),
		states:       make(map[int]*stateDef),
		current:      NoState,
		initial:      NoState,
		delayed:      make(map[int64]*time.Timer),
		delayedTypes: make(map[int64]string),
	}
}

// OnTransition registers a callback invoked after every successful
// transition, with the resolved leaf states (for IPC/debug projection).
func (m *Machine) OnTransition(fn func(from, to int)) { m.onTransition = fn }

// OnFinished registers a callback invoked once when a top-level final state
// is entered and the machine stops itself.
func (m *Machine) OnFinished(fn func()) { m.onFinished = fn }

// AddState registers a state. parent/initial may be NoState. Fails (returns
// an error, logged) if called while the machine is running, per spec.md
// §4.1's failure model.
func (m *Machine) AddState(id int, name string, parent int, initial int, isFinal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		err := fmt.Errorf("statemachine %s: cannot add state %d while running", m.name, id)
		m.log.Error(err)
		return err
	}
	if _, exists := m.states[id]; exists {
		return fmt.Errorf("statemachine %s: state %d already added", m.name, id)
	}
	m.states[id] = &stateDef{
		id:       id,
		name:     name,
		parent:   parent,
		initial:  initial,
		isFinal:  isFinal,
		onEvents: make(map[string]transition),
		onSignal: make(map[string]transition),
	}
	return nil
}

// SetEntry / SetExit register entry/exit callbacks for a state.
func (m *Machine) SetEntry(id int, fn func(m *Machine)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[id]; ok {
		s.onEntry = fn
	}
}

func (m *Machine) SetExit(id int, fn func(m *Machine)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[id]; ok {
		s.onExit = fn
	}
}

// SetInitialState sets the machine's top-level initial state.
func (m *Machine) SetInitialState(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("statemachine %s: cannot set initial state while running", m.name)
	}
	if _, ok := m.states[id]; !ok {
		return fmt.Errorf("statemachine %s: unknown state %d", m.name, id)
	}
	m.initial = id
	return nil
}

// AddTransition registers an event-triggered transition.
func (m *Machine) AddTransition(from int, eventType string, to int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		err := fmt.Errorf("statemachine %s: cannot add transition while running", m.name)
		m.log.Error(err)
		return err
	}
	s, ok := m.states[from]
	if !ok {
		return fmt.Errorf("statemachine %s: unknown from-state %d", m.name, from)
	}
	if _, ok := m.states[to]; !ok {
		return fmt.Errorf("statemachine %s: unknown to-state %d", m.name, to)
	}
	s.onEvents[eventType] = transition{target: to}
	return nil
}

// AddSignalTransition registers an external-signal-triggered transition.
func (m *Machine) AddSignalTransition(from int, signal string, to int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("statemachine %s: cannot add transition while running", m.name)
	}
	s, ok := m.states[from]
	if !ok {
		return fmt.Errorf("statemachine %s: unknown from-state %d", m.name, from)
	}
	if _, ok := m.states[to]; !ok {
		return fmt.Errorf("statemachine %s: unknown to-state %d", m.name, to)
	}
	s.onSignal[signal] = transition{target: to}
	return nil
}

// RaiseSignal fires a named external signal, resolved the same way an
// event is (ancestor walk from the current leaf).
func (m *Machine) RaiseSignal(signal string) {
	m.PostEventValue(Event{Type: "__signal__" + signal})
}

// Start resolves the initial leaf and begins the event loop goroutine.
func (m *Machine) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("statemachine: already running")
	}
	if m.initial == NoState {
		m.mu.Unlock()
		return errors.New("statemachine: no initial state set")
	}
	m.running = true
	m.external = make(chan Event, 256)
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	leaf := m.resolveToLeaf(m.initial)
	m.current = leaf
	m.runEntryChain(m.ancestorPath(leaf))
	m.checkFinal(leaf)
	m.drainQueue()

	started := make(chan struct{})
	groutine.Go(context.Background(), "statemachine-"+m.name, func(ctx context.Context) {
		m.loopGID = groutine.GetGID()
		close(started)
		defer close(m.done)
		for {
			select {
			case ev := <-m.external:
				m.drain(ev)
			case <-m.stop:
				return
			}
		}
	})
	<-started
	return nil
}

// Stop halts the event loop. Events posted after Stop are dropped with a
// log line, never delivered (spec.md §4.1 failure model).
func (m *Machine) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.delayedMu.Lock()
	for id, t := range m.delayed {
		t.Stop()
		delete(m.delayed, id)
		delete(m.delayedTypes, id)
	}
	m.delayedMu.Unlock()

	close(m.stop)
	<-m.done
}

// IsRunning reports whether the machine's loop goroutine is active.
func (m *Machine) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// State returns the current leaf state id, or NoState if not started.
func (m *Machine) State() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// ResetCurrent forces the machine's current leaf to id without running any
// entry/exit callbacks or touching the running loop, for a final state that
// needs to re-arm an idle state for a subsequent run instead of stopping the
// machine outright.
func (m *Machine) ResetCurrent(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.resolveToLeaf(id)
}

// InState reports whether the machine is in the given state or a
// descendant of it.
func (m *Machine) InState(id int) bool {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	for s := cur; s != NoState; {
		if s == id {
			return true
		}
		def, ok := m.states[s]
		if !ok {
			return false
		}
		s = def.parent
	}
	return false
}

// StateName returns the display name of a state, or "" if unknown. state <
// 0 means "current state".
func (m *Machine) StateName(state int) string {
	m.mu.Lock()
	if state < 0 {
		state = m.current
	}
	def, ok := m.states[state]
	m.mu.Unlock()
	if !ok {
		return ""
	}
	return def.name
}

// PostEvent enqueues an event for processing. If called from the machine's
// own loop goroutine (i.e. from within an entry/exit callback), it is
// appended to the local queue and drained before the current dispatch
// returns, per spec.md §4.1. Otherwise it is forwarded across the
// thread-safe channel to the owning loop, per spec.md §5.
func (m *Machine) PostEvent(eventType string, payload interface{}) {
	m.PostEventValue(Event{Type: eventType, Payload: payload})
}

// PostEventValue is PostEvent taking a pre-built Event.
func (m *Machine) PostEventValue(ev Event) {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		m.log.WithField("event", ev.Type).Debug("dropping event posted to stopped machine")
		return
	}

	if groutine.GetGID() == m.loopGID {
		m.localQueue = append(m.localQueue, ev)
		return
	}

	select {
	case m.external <- ev:
	default:
		m.log.WithField("event", ev.Type).Warn("event queue full, dropping event")
	}
}

// PostDelayedEvent schedules ev to be delivered no earlier than delay from
// now, returning an opaque id usable with CancelDelayedEvent.
func (m *Machine) PostDelayedEvent(eventType string, payload interface{}, delay time.Duration) int64 {
	m.delayedMu.Lock()
	m.delayedCounter++
	id := m.delayedCounter
	m.delayedTypes[id] = eventType
	timer := time.AfterFunc(delay, func() {
		m.delayedMu.Lock()
		_, stillPending := m.delayed[id]
		if stillPending {
			delete(m.delayed, id)
			delete(m.delayedTypes, id)
		}
		m.delayedMu.Unlock()
		if stillPending {
			m.PostEvent(eventType, payload)
		}
	})
	m.delayed[id] = timer
	m.delayedMu.Unlock()
	return id
}

// CancelDelayedEvent cancels a pending delayed event by id. Race-free with
// respect to a near-simultaneous firing: the delayed map and the firing
// callback share one mutex, so exactly one of {cancel, fire} wins.
func (m *Machine) CancelDelayedEvent(id int64) bool {
	m.delayedMu.Lock()
	defer m.delayedMu.Unlock()
	t, ok := m.delayed[id]
	if !ok {
		return false
	}
	delete(m.delayed, id)
	delete(m.delayedTypes, id)
	t.Stop()
	return true
}

// CancelDelayedEventsOfType cancels every pending delayed event of the given
// type, returning how many were cancelled.
func (m *Machine) CancelDelayedEventsOfType(eventType string) int {
	m.delayedMu.Lock()
	defer m.delayedMu.Unlock()
	n := 0
	for id, et := range m.delayedTypes {
		if et == eventType {
			if t, ok := m.delayed[id]; ok {
				t.Stop()
				delete(m.delayed, id)
			}
			delete(m.delayedTypes, id)
			n++
		}
	}
	return n
}

// localQueue is only ever touched from the loop goroutine: directly inside
// drain/processEvent, or via PostEventValue's same-goroutine fast path. No
// lock is required for it.
