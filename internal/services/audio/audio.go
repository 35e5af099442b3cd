// Package audio implements the voice-streaming sub-service of spec.md
// §4.5: four characteristics (codecs, gain, control, data), a windowed
// auto-stop timer, and the "streamingChanged only on first frame" signal
// semantics.
package audio

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/future"
	"github.com/sky-uk/blercud/internal/gatt"
	"github.com/sky-uk/blercud/internal/statemachine"
)

const (
	Idle = iota
	Ready
	StreamingSuperState
	EnableNotifications
	StartStreaming
	Streaming
	StopStreaming
)

const (
	eventStartService       = "StartServiceRequest"
	eventStartStreaming     = "StartStreamingRequest"
	eventNotificationsEnabled = "NotificationsEnabled"
	eventStreamingStarted   = "StreamingStarted"
	eventStopStreaming      = "StopStreamingRequest"
	eventOutputPipeClose    = "OutputPipeClose"
	eventStreamingStopped   = "StreamingStopped"
	eventGattError          = "GattError"
)

// Encoding is the requested audio encoding (spec.md §4.5).
type Encoding int

const (
	ADPCM Encoding = iota
	PCM16
)

// autoStopAfter is how long a Streaming session runs before the service
// auto-stops it (spec.md §4.5).
const autoStopAfter = 30 * time.Second

// stagingBufferSize sizes the ring buffer frames are staged through on
// their way from the notify channel to the caller's pipe, smoothing
// bursts of AudioData notifications against a possibly slow reader.
const stagingBufferSize = 64 * 1024

// Attributes bundles the GATT attributes this service drives.
type Attributes struct {
	Codecs  *gatt.Attribute
	Gain    *gatt.Attribute
	Control *gatt.Attribute
	Data    *gatt.Attribute
}

// Status is the live/retained streaming status (spec.md §4.5).
type Status struct {
	LastError       *blercuerror.Error
	ActualPackets   int
	ExpectedPackets int
}

// Service drives the audio streaming protocol.
type Service struct {
	attrs   Attributes
	log     *logrus.Entry
	machine *statemachine.Machine

	mu               sync.Mutex
	status           Status
	streamingEmitted bool
	onStreamingChanged func(streaming bool)
	onReady          func()
	readyEmitted     bool

	writeEnd   *os.File
	ring       *ringbuffer.RingBuffer
	stopPump   chan struct{}
	autoStopID int64
}

// New builds an audio service over attrs.
func New(attrs Attributes, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Service{attrs: attrs, log: log.WithField("component", "audio")}
	s.machine = statemachine.New("audio", s.log)
	s.build()
	return s
}

// OnStreamingChanged registers the streamingChanged(bool) callback.
func (s *Service) OnStreamingChanged(fn func(bool)) { s.onStreamingChanged = fn }

// OnReady registers a callback invoked once the service reaches Ready.
func (s *Service) OnReady(fn func()) { s.onReady = fn }

func (s *Service) build() {
	m := s.machine
	_ = m.AddState(Idle, "Idle", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(Ready, "Ready", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(StreamingSuperState, "StreamingSuperState", statemachine.NoState, EnableNotifications, false)
	_ = m.AddState(EnableNotifications, "EnableNotifications", StreamingSuperState, statemachine.NoState, false)
	_ = m.AddState(StartStreaming, "StartStreaming", StreamingSuperState, statemachine.NoState, false)
	_ = m.AddState(Streaming, "Streaming", StreamingSuperState, statemachine.NoState, false)
	_ = m.AddState(StopStreaming, "StopStreaming", StreamingSuperState, statemachine.NoState, false)
	_ = m.SetInitialState(Idle)

	_ = m.AddTransition(Idle, eventStartService, Ready)
	_ = m.AddTransition(Ready, eventStartStreaming, EnableNotifications)
	_ = m.AddTransition(EnableNotifications, eventNotificationsEnabled, StartStreaming)
	_ = m.AddTransition(StartStreaming, eventStreamingStarted, Streaming)
	_ = m.AddTransition(Streaming, eventStopStreaming, StopStreaming)
	_ = m.AddTransition(Streaming, eventOutputPipeClose, StopStreaming)
	_ = m.AddTransition(StopStreaming, eventStreamingStopped, Ready)
	_ = m.AddTransition(StreamingSuperState, eventGattError, Ready)

	m.SetEntry(Ready, s.onEnterReady)
	m.SetEntry(EnableNotifications, s.onEnterEnableNotifications)
	m.SetEntry(StartStreaming, s.onEnterStartStreaming)
	m.SetEntry(Streaming, s.onEnterStreaming)
	m.SetEntry(StopStreaming, s.onEnterStopStreaming)
}

// Start begins the machine.
func (s *Service) Start(ctx context.Context) {
	_ = s.machine.Start()
	s.machine.PostEvent(eventStartService, nil)
}

// Stop halts the machine and releases any in-flight pipe.
func (s *Service) Stop() {
	s.closePipe()
	s.machine.Stop()
}

// StartStreamingRequest begins a streaming session, returning the read end
// of an anonymous pipe the caller owns.
func (s *Service) StartStreamingRequest(encoding Encoding) *future.Future[*os.File] {
	f, p := future.New[*os.File]()
	if encoding != ADPCM && encoding != PCM16 {
		p.Reject(blercuerror.New(blercuerror.InvalidArg, "unsupported audio encoding"))
		return f
	}
	if !s.machine.InState(Ready) {
		p.Reject(blercuerror.New(blercuerror.Busy, "audio service busy or already streaming"))
		return f
	}
	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		p.Reject(blercuerror.New(blercuerror.General, "pipe creation failed: %v", err))
		return f
	}
	s.mu.Lock()
	s.writeEnd = writeEnd
	s.status = Status{}
	s.streamingEmitted = false
	s.mu.Unlock()

	s.machine.PostEvent(eventStartStreaming, nil)
	p.Resolve(readEnd)
	return f
}

// StopStreamingRequest stops an in-progress streaming session.
func (s *Service) StopStreamingRequest() *future.Future[struct{}] {
	f, p := future.New[struct{}]()
	if !s.machine.InState(Streaming) {
		p.Reject(blercuerror.New(blercuerror.Busy, "not currently streaming"))
		return f
	}
	s.machine.PostEvent(eventStopStreaming, nil)
	p.Resolve(struct{}{})
	return f
}

// GetStatus returns the live/retained streaming status.
func (s *Service) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Service) onEnterReady(m *statemachine.Machine) {
	s.mu.Lock()
	first := !s.readyEmitted
	s.readyEmitted = true
	s.mu.Unlock()
	if first && s.onReady != nil {
		s.onReady()
	}
}

func (s *Service) onEnterEnableNotifications(m *statemachine.Machine) {
	s.attrs.Data.EnableNotifications(true).Then(func(ch <-chan []byte) {
		s.startPump(ch)
		m.PostEvent(eventNotificationsEnabled, nil)
	}, func(err *blercuerror.Error) {
		s.mu.Lock()
		s.status.LastError = err
		s.mu.Unlock()
		m.PostEvent(eventGattError, nil)
	})
}

func (s *Service) onEnterStartStreaming(m *statemachine.Machine) {
	s.attrs.Control.WriteValueWithoutResponse([]byte{0x01, 0x01}).Then(func(struct{}) {
		m.PostEvent(eventStreamingStarted, nil)
	}, func(err *blercuerror.Error) {
		s.mu.Lock()
		s.status.LastError = err
		s.mu.Unlock()
		m.PostEvent(eventGattError, nil)
	})
}

func (s *Service) onEnterStreaming(m *statemachine.Machine) {
	s.autoStopID = m.PostDelayedEvent(eventStopStreaming, nil, autoStopAfter)
}

func (s *Service) onEnterStopStreaming(m *statemachine.Machine) {
	m.CancelDelayedEvent(s.autoStopID)
	s.attrs.Control.WriteValueWithoutResponse([]byte{0x01, 0x00}).Then(func(struct{}) {
		s.finishStream(m)
	}, func(err *blercuerror.Error) {
		s.finishStream(m)
	})
}

func (s *Service) finishStream(m *statemachine.Machine) {
	s.closePipe()
	s.mu.Lock()
	wasEmitted := s.streamingEmitted
	s.streamingEmitted = false
	s.mu.Unlock()
	if wasEmitted && s.onStreamingChanged != nil {
		s.onStreamingChanged(false)
	}
	m.PostEvent(eventStreamingStopped, nil)
}

func (s *Service) closePipe() {
	if s.stopPump != nil {
		close(s.stopPump)
		s.stopPump = nil
	}
	s.mu.Lock()
	we := s.writeEnd
	s.writeEnd = nil
	s.mu.Unlock()
	if we != nil {
		_ = we.Close()
	}
}

// startPump stages AudioData notifications through a ring buffer (to
// absorb bursts faster than the consumer drains the pipe) and forwards
// them to the session's pipe write end.
func (s *Service) startPump(ch <-chan []byte) {
	s.ring = ringbuffer.New(stagingBufferSize)
	s.stopPump = make(chan struct{})
	stop := s.stopPump

	go func() {
		for {
			select {
			case <-stop:
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				s.onFrame(v)
			}
		}
	}()
}

func (s *Service) onFrame(v []byte) {
	s.mu.Lock()
	first := !s.streamingEmitted
	s.streamingEmitted = true
	s.status.ActualPackets++
	s.status.ExpectedPackets++
	we := s.writeEnd
	s.mu.Unlock()

	if first && s.onStreamingChanged != nil {
		s.onStreamingChanged(true)
	}

	if s.ring != nil {
		_, _ = s.ring.Write(v)
		buf := make([]byte, s.ring.Length())
		n, _ := s.ring.Read(buf)
		if we != nil && n > 0 {
			_, _ = we.Write(buf[:n])
		}
	}
}
