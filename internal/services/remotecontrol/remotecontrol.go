// Package remotecontrol implements the RemoteControl vendor sub-service of
// spec.md §4.11: UnpairReason/RebootReason notify characteristics, the
// RcuAction write, and the two optional, two-phase advertising-config
// characteristics.
package remotecontrol

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/future"
	"github.com/sky-uk/blercud/internal/gatt"
	"github.com/sky-uk/blercud/internal/statemachine"
)

const (
	Idle = iota
	StartReadLastKeypress
	StartUnpairNotify
	StartRebootNotify
	Starting
	Running
)

const (
	eventStart             = "Start"
	eventLastKeypressDone  = "LastKeypressDone"
	eventUnpairNotifyDone  = "UnpairNotifyDone"
	eventRebootNotifyDone  = "RebootNotifyDone"
	eventRcuActionDone     = "RcuActionDone"
)

const retryInterval = 2 * time.Second

// Attributes bundles the GATT attributes driven by this service. Optional
// fields may be nil; a nil optional characteristic is treated as absent and
// is non-fatal, per spec.md §4.11.
type Attributes struct {
	UnpairReason                *gatt.Attribute
	RebootReason                *gatt.Attribute
	RcuAction                   *gatt.Attribute
	LastKeypress                *gatt.Attribute // optional
	AdvertisingConfig           *gatt.Attribute // optional
	AdvertisingConfigCustomList *gatt.Attribute // optional
}

// Service drives the RemoteControl vendor service.
type Service struct {
	attrs Attributes
	log   *logrus.Entry

	machine *statemachine.Machine

	mu                  sync.Mutex
	lastKeypress        byte
	haveLastKeypress    bool
	onUnpair            func(reason byte)
	onReboot            func(reason byte)
	advertisingPromise  *future.Promise[struct{}]
	onReady             func()

	stopPumps []chan struct{}
}

// New builds a remotecontrol service over attrs.
func New(attrs Attributes, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Service{attrs: attrs, log: log.WithField("component", "remotecontrol")}
	s.machine = statemachine.New("remotecontrol", s.log)
	s.build()
	return s
}

// OnUnpairReason / OnRebootReason register the notify observables.
func (s *Service) OnUnpairReason(fn func(reason byte)) { s.onUnpair = fn }
func (s *Service) OnRebootReason(fn func(reason byte)) { s.onReboot = fn }

// OnReady registers a callback invoked once the service reaches Running.
func (s *Service) OnReady(fn func()) { s.onReady = fn }

func (s *Service) build() {
	m := s.machine
	_ = m.AddState(Idle, "Idle", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(StartReadLastKeypress, "StartReadLastKeypress", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(StartUnpairNotify, "StartUnpairNotify", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(StartRebootNotify, "StartRebootNotify", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(Starting, "Starting", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(Running, "Running", statemachine.NoState, statemachine.NoState, false)
	_ = m.SetInitialState(Idle)

	_ = m.AddTransition(Idle, eventStart, StartReadLastKeypress)
	_ = m.AddTransition(StartReadLastKeypress, eventLastKeypressDone, StartUnpairNotify)
	_ = m.AddTransition(StartUnpairNotify, eventUnpairNotifyDone, StartRebootNotify)
	_ = m.AddTransition(StartRebootNotify, eventRebootNotifyDone, Starting)
	_ = m.AddTransition(Starting, eventRcuActionDone, Running)

	m.SetEntry(StartReadLastKeypress, s.onEnterReadLastKeypress)
	m.SetEntry(StartUnpairNotify, s.onEnterUnpairNotify)
	m.SetEntry(StartRebootNotify, s.onEnterRebootNotify)
	m.SetEntry(Starting, s.onEnterStarting)
	m.SetEntry(Running, s.onEnterRunning)
}

// Start begins the machine.
func (s *Service) Start(ctx context.Context) {
	_ = s.machine.Start()
	s.machine.PostEvent(eventStart, nil)
}

// Stop halts the machine and any active notify pumps.
func (s *Service) Stop() {
	s.mu.Lock()
	pumps := s.stopPumps
	s.stopPumps = nil
	s.mu.Unlock()
	for _, ch := range pumps {
		close(ch)
	}
	s.machine.Stop()
}

// LastKeypress returns the optional last-observed keypress code.
func (s *Service) LastKeypress() (byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastKeypress, s.haveLastKeypress
}

// SendRcuAction writes a single action byte to RcuAction.
func (s *Service) SendRcuAction(action byte) *future.Future[struct{}] {
	if !s.machine.InState(Running) {
		f, p := future.New[struct{}]()
		p.Reject(blercuerror.New(blercuerror.Busy, "remote control service not running"))
		return f
	}
	return s.attrs.RcuAction.WriteValue([]byte{action})
}

// WriteAdvertisingConfig performs the two-phase config+custom-list write of
// spec.md §4.11: config is written first; the custom list is written only
// on success and only if non-empty; the returned promise completes once
// both phases (or the single applicable phase) finish.
func (s *Service) WriteAdvertisingConfig(config byte, customList []byte) *future.Future[struct{}] {
	f, p := future.New[struct{}]()
	if s.attrs.AdvertisingConfig == nil {
		p.Reject(blercuerror.New(blercuerror.NotImplemented, "advertising config characteristic not present"))
		return f
	}
	if !s.machine.InState(Running) {
		p.Reject(blercuerror.New(blercuerror.Busy, "remote control service not running"))
		return f
	}

	s.mu.Lock()
	if s.advertisingPromise != nil {
		s.mu.Unlock()
		p.Reject(blercuerror.New(blercuerror.Busy, "advertising config write already in progress"))
		return f
	}
	s.advertisingPromise = p
	s.mu.Unlock()

	s.attrs.AdvertisingConfig.WriteValue([]byte{config}).Then(func(struct{}) {
		if len(customList) == 0 || s.attrs.AdvertisingConfigCustomList == nil {
			s.completeAdvertising(nil)
			return
		}
		s.attrs.AdvertisingConfigCustomList.WriteValue(customList).Then(func(struct{}) {
			s.completeAdvertising(nil)
		}, func(err *blercuerror.Error) {
			s.completeAdvertising(err)
		})
	}, func(err *blercuerror.Error) {
		s.completeAdvertising(err)
	})

	return f
}

func (s *Service) completeAdvertising(err *blercuerror.Error) {
	s.mu.Lock()
	p := s.advertisingPromise
	s.advertisingPromise = nil
	s.mu.Unlock()
	if p == nil {
		return
	}
	if err != nil {
		p.Reject(err)
		return
	}
	p.Resolve(struct{}{})
}

func (s *Service) onEnterReadLastKeypress(m *statemachine.Machine) {
	if s.attrs.LastKeypress == nil {
		m.PostEvent(eventLastKeypressDone, nil)
		return
	}
	s.attrs.LastKeypress.ReadValue().Then(func(v []byte) {
		if len(v) >= 1 {
			s.mu.Lock()
			s.lastKeypress = v[0]
			s.haveLastKeypress = true
			s.mu.Unlock()
		}
		m.PostEvent(eventLastKeypressDone, nil)
	}, func(err *blercuerror.Error) {
		m.PostEvent(eventLastKeypressDone, nil)
	})
}

func (s *Service) onEnterUnpairNotify(m *statemachine.Machine) {
	s.enableNotifyWithRetry(m, s.attrs.UnpairReason, eventUnpairNotifyDone, func(v []byte) {
		if len(v) >= 1 && s.onUnpair != nil {
			s.onUnpair(v[0])
		}
	})
}

func (s *Service) onEnterRebootNotify(m *statemachine.Machine) {
	s.enableNotifyWithRetry(m, s.attrs.RebootReason, eventRebootNotifyDone, func(v []byte) {
		if len(v) >= 1 && s.onReboot != nil {
			s.onReboot(v[0])
		}
	})
}

// enableNotifyWithRetry enables notifications on attr, retrying every
// retryInterval on failure (spec.md §4.11); a nil attr is treated as absent
// and the transition fires immediately.
func (s *Service) enableNotifyWithRetry(m *statemachine.Machine, attr *gatt.Attribute, done string, onValue func([]byte)) {
	if attr == nil {
		m.PostEvent(done, nil)
		return
	}
	attr.EnableNotifications(true).Then(func(ch <-chan []byte) {
		s.pump(ch, onValue)
		m.PostEvent(done, nil)
	}, func(err *blercuerror.Error) {
		s.log.WithError(err).WithField("attribute", attr.Handle.String()).Debug("notify enable failed, retrying")
		time.AfterFunc(retryInterval, func() {
			if !m.IsRunning() {
				return
			}
			s.enableNotifyWithRetry(m, attr, done, onValue)
		})
	})
}

func (s *Service) pump(ch <-chan []byte, onValue func([]byte)) {
	stop := make(chan struct{})
	s.mu.Lock()
	s.stopPumps = append(s.stopPumps, stop)
	s.mu.Unlock()
	go func() {
		for {
			select {
			case <-stop:
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				onValue(v)
			}
		}
	}()
}

// onEnterStarting has no async work of its own: RcuAction is write-only and
// used on demand by SendRcuAction, so the service is ready as soon as the
// notify characteristics above have resolved.
func (s *Service) onEnterStarting(m *statemachine.Machine) {
	m.PostEvent(eventRcuActionDone, nil)
}

func (s *Service) onEnterRunning(m *statemachine.Machine) {
	if s.onReady != nil {
		s.onReady()
	}
}
