// Package findme implements the FindMe sub-service of spec.md §4.10: a
// single write-without-response AlertLevel characteristic driving
// start/stop beeping.
package findme

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/future"
	"github.com/sky-uk/blercud/internal/gatt"
	"github.com/sky-uk/blercud/internal/statemachine"
)

const (
	Idle = iota
	Starting
	Running
)

const (
	eventStart   = "Start"
	eventStarted = "Started"
)

// Level is the alert level argument to StartBeeping (spec.md §4.10).
type Level byte

const (
	Mid  Level = 1
	High Level = 2
)

// Service drives the AlertLevel characteristic.
type Service struct {
	attr    *gatt.Attribute
	log     *logrus.Entry
	machine *statemachine.Machine
	onReady func()
}

// OnReady registers a callback invoked once AlertLevel's startup write
// completes and the service reaches Running.
func (s *Service) OnReady(fn func()) { s.onReady = fn }

// New builds a FindMe service over the AlertLevel attribute.
func New(attr *gatt.Attribute, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Service{attr: attr, log: log.WithField("component", "findme")}
	s.machine = statemachine.New("findme", s.log)
	s.build()
	return s
}

func (s *Service) build() {
	m := s.machine
	_ = m.AddState(Idle, "Idle", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(Starting, "Starting", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(Running, "Running", statemachine.NoState, statemachine.NoState, false)
	_ = m.SetInitialState(Idle)
	_ = m.AddTransition(Idle, eventStart, Starting)
	_ = m.AddTransition(Starting, eventStarted, Running)
	m.SetEntry(Starting, s.onEnterStarting)
	m.SetEntry(Running, s.onEnterRunning)
}

func (s *Service) onEnterRunning(m *statemachine.Machine) {
	if s.onReady != nil {
		s.onReady()
	}
}

func (s *Service) onEnterStarting(m *statemachine.Machine) {
	s.attr.WriteValueWithoutResponse([]byte{0}).Then(func(struct{}) {
		m.PostEvent(eventStarted, nil)
	}, func(err *blercuerror.Error) {
		m.PostEvent(eventStarted, nil)
	})
}

// Start begins the machine.
func (s *Service) Start(ctx context.Context) {
	_ = s.machine.Start()
	s.machine.PostEvent(eventStart, nil)
}

// Stop halts the machine.
func (s *Service) Stop() { s.machine.Stop() }

// StartBeeping writes level to AlertLevel; duration is accepted for
// interface compatibility but ignored per spec.md §4.10.
func (s *Service) StartBeeping(level Level, duration int) *future.Future[struct{}] {
	if !s.machine.InState(Running) {
		f, p := future.New[struct{}]()
		p.Reject(blercuerror.New(blercuerror.Busy, "findme service not running"))
		return f
	}
	return s.attr.WriteValueWithoutResponse([]byte{byte(level)})
}

// StopBeeping writes 0 to AlertLevel.
func (s *Service) StopBeeping() *future.Future[struct{}] {
	if !s.machine.InState(Running) {
		f, p := future.New[struct{}]()
		p.Reject(blercuerror.New(blercuerror.Busy, "findme service not running"))
		return f
	}
	return s.attr.WriteValueWithoutResponse([]byte{0})
}
