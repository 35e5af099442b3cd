// Package battery implements the battery level sub-service of spec.md
// §4.8: a single notify characteristic, clamped [0,100] readings, a
// -1 "unknown" sentinel, and a milestone telemetry timer.
package battery

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/gatt"
	"github.com/sky-uk/blercud/internal/statemachine"
)

const (
	Idle = iota
	StartNotify
	Starting
	Running
)

const (
	eventStart         = "Start"
	eventNotifyEnabled = "NotifyEnabled"
	eventInitialRead   = "InitialRead"
	eventStop          = "Stop"
)

// UnknownLevel is the sentinel for "no reading yet" (spec.md §4.8).
const UnknownLevel = -1

const retryInterval = 2 * time.Second

// telemetry milestones: 5 minutes, then every 2 hours.
const (
	telemetryFirst    = 5 * time.Minute
	telemetryInterval = 2 * time.Hour
)

// Service drives the BatteryLevel characteristic.
type Service struct {
	attr *gatt.Attribute
	log  *logrus.Entry

	machine *statemachine.Machine
	stopCh  chan struct{}

	level          int
	onLevelChanged func(level int)
	onReady        func()
}

// OnReady registers a callback invoked once the initial read completes and
// the service reaches Running.
func (s *Service) OnReady(fn func()) { s.onReady = fn }

// New builds a battery service over the BatteryLevel attribute.
func New(attr *gatt.Attribute, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Service{
		attr:  attr,
		log:   log.WithField("component", "battery"),
		level: UnknownLevel,
	}
	s.machine = statemachine.New("battery", s.log)
	s.build()
	return s
}

// OnLevelChanged registers the level_changed callback.
func (s *Service) OnLevelChanged(fn func(level int)) { s.onLevelChanged = fn }

func (s *Service) build() {
	m := s.machine
	_ = m.AddState(Idle, "Idle", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(StartNotify, "StartNotify", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(Starting, "Starting", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(Running, "Running", statemachine.NoState, statemachine.NoState, false)
	_ = m.SetInitialState(Idle)

	_ = m.AddTransition(Idle, eventStart, StartNotify)
	_ = m.AddTransition(StartNotify, eventNotifyEnabled, Starting)
	_ = m.AddTransition(Starting, eventInitialRead, Running)

	m.SetEntry(StartNotify, s.onEnterStartNotify)
	m.SetEntry(Starting, s.onEnterStarting)
	m.SetEntry(Running, s.onEnterRunning)
}

// Start begins the machine and issues Start.
func (s *Service) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	_ = s.machine.Start()
	s.machine.PostEvent(eventStart, nil)
}

// Stop tears down notifications and halts the machine.
func (s *Service) Stop() {
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.attr.EnableNotifications(false).Then(nil, nil)
	s.machine.Stop()
}

// Level returns the last-known clamped level, or UnknownLevel.
func (s *Service) Level() int { return s.level }

func clamp(b byte) int {
	v := int(b)
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func (s *Service) setLevel(v int) {
	if v == s.level {
		return
	}
	s.level = v
	if s.onLevelChanged != nil {
		s.onLevelChanged(v)
	}
}

// onEnterStartNotify retries on failure via a direct timer rather than a
// StartNotify->StartNotify self-transition: re-entering the same leaf state
// never re-runs its entry callback, so a self-loop would silently stop
// retrying after the first failure.
func (s *Service) onEnterStartNotify(m *statemachine.Machine) {
	f := s.attr.EnableNotifications(true)
	f.Then(func(ch <-chan []byte) {
		go s.pump(ch)
		m.PostEvent(eventNotifyEnabled, nil)
	}, func(err *blercuerror.Error) {
		time.AfterFunc(retryInterval, func() {
			if !m.IsRunning() || !m.InState(StartNotify) {
				return
			}
			s.onEnterStartNotify(m)
		})
	})
}

func (s *Service) pump(ch <-chan []byte) {
	for v := range ch {
		if len(v) < 1 {
			continue
		}
		s.setLevel(clamp(v[0]))
	}
}

func (s *Service) onEnterStarting(m *statemachine.Machine) {
	f := s.attr.ReadValue()
	f.Then(func(v []byte) {
		if len(v) >= 1 {
			s.setLevel(clamp(v[0]))
		}
		m.PostEvent(eventInitialRead, nil)
	}, func(err *blercuerror.Error) {
		m.PostDelayedEvent(eventInitialRead, nil, retryInterval)
	})
}

func (s *Service) onEnterRunning(m *statemachine.Machine) {
	go s.telemetryLoop(s.stopCh)
	if s.onReady != nil {
		s.onReady()
	}
}

func (s *Service) telemetryLoop(stop chan struct{}) {
	t := time.NewTimer(telemetryFirst)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.log.WithField("level", s.level).Info("battery telemetry")
			t.Reset(telemetryInterval)
		}
	}
}
