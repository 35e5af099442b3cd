// Package upgrade implements the OTA firmware upgrade sub-service of
// spec.md §4.6: the WRQ/DATA/ACK/ERROR block-transfer protocol over the
// Packet characteristic, a sliding send window with bounded retries, and
// the "phantom final ack" completion workaround.
package upgrade

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/future"
	"github.com/sky-uk/blercud/internal/gatt"
	"github.com/sky-uk/blercud/internal/statemachine"
)

// FirmwarePacketMTU is the maximum firmware payload bytes per DATA packet
// (spec.md §4.6).
const FirmwarePacketMTU = 18

const defaultWindowSize = 5
const maxTimeouts = 3
const ackTimeout = 6 * time.Second

const (
	opWRQ   byte = 0x00
	opDATA  byte = 0x40
	opACK   byte = 0x80
	opERROR byte = 0xC0
	opMask  byte = 0xC0
)

const (
	Initial = iota
	SendingSuperState
	SendingWriteRequest
	SendingData
	Errored
	Finished
)

const (
	evFinishedSetup = "FinishedSetup"
	evSetupError    = "SetupError"
	evWRQAcked      = "WRQAcked"
	evComplete      = "Complete"
	evCancelled     = "Cancelled"
	evFatal         = "Fatal"
)

// ControlPoint is the decoded 12-byte ControlPoint read (spec.md §4.6).
type ControlPoint struct {
	DeviceModelID   uint32
	FirmwareVersion uint32
	FirmwareCRC32   uint32
}

// DecodeControlPoint parses the little-endian 12-byte ControlPoint value.
func DecodeControlPoint(b []byte) (ControlPoint, error) {
	if len(b) < 12 {
		return ControlPoint{}, blercuerror.New(blercuerror.BadFormat, "ControlPoint too short: %d bytes", len(b))
	}
	return ControlPoint{
		DeviceModelID:   binary.LittleEndian.Uint32(b[0:4]),
		FirmwareVersion: binary.LittleEndian.Uint32(b[4:8]),
		FirmwareCRC32:   binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// decodeErrorCode maps an ERROR packet's code byte to a message, per
// spec.md §4.6.
func decodeErrorCode(code byte) string {
	switch code {
	case 0x01:
		return "CRC mismatch"
	case 0x02:
		return "invalid size"
	case 0x03:
		return "size mismatch"
	case 0x04:
		return "battery too low"
	case 0x05:
		return "invalid opcode"
	case 0x06:
		return "internal"
	case 0x07:
		return "invalid hash"
	default:
		return hexByte(code)
	}
}

func hexByte(b byte) string {
	const hex = "0123456789ABCDEF"
	return "unknown (0x" + string([]byte{hex[b>>4], hex[b&0xF]}) + ")"
}

// Attributes bundles the ControlPoint/Packet characteristics and the
// optional PacketWindowSize descriptor.
type Attributes struct {
	ControlPoint     *gatt.Attribute
	Packet           *gatt.Attribute
	PacketWindowSize *gatt.Attribute // optional
}

// Firmware is the image being sent.
type Firmware struct {
	Data          []byte
	Version       uint32
	CRC32         uint32
	DeviceModelID uint32
}

// Service drives one OTA upgrade session.
type Service struct {
	attrs Attributes
	log   *logrus.Entry

	machine *statemachine.Machine

	mu               sync.Mutex
	windowSize       int
	lastAckedBlock   int
	timeoutCount     int
	progress         int
	lastError        string
	fw               Firmware
	blockCount       int
	startPromise     *future.Promise[struct{}]
	startPromiseDone bool
	wrqTimer         *time.Timer
	dataTimer        *time.Timer

	onComplete func()
	onError    func(message string)
	onProgress func(progress int)
	onReady    func()

	setupNotify bool
	setupRead   bool
	setupWindow bool

	stopPump chan struct{}
}

// New builds an upgrade service over attrs.
func New(attrs Attributes, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Service{
		attrs:      attrs,
		log:        log.WithField("component", "upgrade"),
		windowSize: defaultWindowSize,
		progress:   -1,
	}
	s.machine = statemachine.New("upgrade", s.log)
	s.build()
	return s
}

// OnComplete/OnError/OnProgress register the observable signals of
// spec.md §4.6.
func (s *Service) OnComplete(fn func())            { s.onComplete = fn }
func (s *Service) OnError(fn func(message string))  { s.onError = fn }
func (s *Service) OnProgress(fn func(progress int)) { s.onProgress = fn }

func (s *Service) build() {
	m := s.machine
	_ = m.AddState(Initial, "Initial", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(SendingSuperState, "SendingSuperState", statemachine.NoState, SendingWriteRequest, false)
	_ = m.AddState(SendingWriteRequest, "SendingWriteRequest", SendingSuperState, statemachine.NoState, false)
	_ = m.AddState(SendingData, "SendingData", SendingSuperState, statemachine.NoState, false)
	_ = m.AddState(Errored, "Errored", statemachine.NoState, statemachine.NoState, false)
	_ = m.AddState(Finished, "Finished", statemachine.NoState, statemachine.NoState, false)
	_ = m.SetInitialState(Initial)

	_ = m.AddTransition(Initial, evFinishedSetup, SendingWriteRequest)
	_ = m.AddTransition(Initial, evSetupError, Errored)
	_ = m.AddTransition(SendingWriteRequest, evWRQAcked, SendingData)
	_ = m.AddTransition(SendingSuperState, evComplete, Finished)
	_ = m.AddTransition(SendingSuperState, evFatal, Errored)
	_ = m.AddTransition(SendingSuperState, evCancelled, Errored)
	_ = m.AddTransition(Errored, evFinishedSetup, Finished)
	_ = m.AddTransition(Errored, evFatal, Finished)

	m.SetEntry(Initial, s.onEnterInitial)
	m.SetEntry(SendingWriteRequest, s.onEnterSendingWriteRequest)
	m.SetExit(SendingWriteRequest, s.onExitSendingWriteRequest)
	m.SetEntry(SendingData, s.onEnterSendingData)
	m.SetExit(SendingData, s.onExitSendingData)
	m.SetEntry(Errored, s.onEnterErrored)
	m.SetEntry(Finished, s.onEnterFinished)
}

// OnReady registers a callback invoked immediately once the machine starts:
// unlike the other services, upgrade has no device reads to perform at
// startup, since ControlPoint/Packet are only touched once an upgrade is
// actually requested.
func (s *Service) OnReady(fn func()) { s.onReady = fn }

// Start begins the machine's event loop (does not itself begin an upgrade;
// see StartUpgrade).
func (s *Service) Start(ctx context.Context) {
	_ = s.machine.Start()
	if s.onReady != nil {
		s.onReady()
	}
}

// Stop halts the machine.
func (s *Service) Stop() {
	s.stopNotifyPump()
	s.machine.Stop()
}

// StartUpgrade begins a firmware upgrade session. The promise resolves
// once the remote has acknowledged the WRQ (i.e. the machine leaves
// SendingWriteRequest for SendingData).
func (s *Service) StartUpgrade(fw Firmware) *future.Future[struct{}] {
	f, p := future.New[struct{}]()
	if s.machine.InState(SendingSuperState) {
		p.Reject(blercuerror.New(blercuerror.Busy, "upgrade already in progress"))
		return f
	}
	if len(fw.Data) == 0 {
		p.Reject(blercuerror.New(blercuerror.FileNotFound, "invalid firmware image"))
		return f
	}

	s.mu.Lock()
	s.fw = fw
	s.blockCount = (len(fw.Data) + FirmwarePacketMTU - 1) / FirmwarePacketMTU
	s.progress = 0
	s.lastAckedBlock = -1
	s.timeoutCount = 0
	s.lastError = ""
	s.startPromise = p
	s.startPromiseDone = false
	s.setupNotify, s.setupRead, s.setupWindow = false, false, false
	s.mu.Unlock()

	s.onEnterInitial(s.machine)
	return f
}

// CancelUpgrade posts Cancelled; fails Rejected if no upgrade is active.
func (s *Service) CancelUpgrade() *future.Future[struct{}] {
	f, p := future.New[struct{}]()
	if !s.machine.InState(SendingSuperState) {
		p.Reject(blercuerror.New(blercuerror.Rejected, "no upgrade in progress"))
		return f
	}
	s.machine.PostEvent(evCancelled, nil)
	p.Resolve(struct{}{})
	return f
}

// Progress returns the current progress in [-1, 100].
func (s *Service) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Upgrading reports whether a session is active.
func (s *Service) Upgrading() bool { return s.machine.InState(SendingSuperState) }

func (s *Service) setProgress(p int) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
	if s.onProgress != nil {
		s.onProgress(p)
	}
}

func (s *Service) onEnterInitial(m *statemachine.Machine) {
	s.attrs.Packet.EnableNotifications(true).Then(func(ch <-chan []byte) {
		s.startNotifyPump(ch, m)
		s.markSetup(m, "notify")
	}, func(err *blercuerror.Error) {
		s.failSetup(m, err)
	})

	s.attrs.ControlPoint.ReadValue().Then(func(v []byte) {
		cp, err := DecodeControlPoint(v)
		if err != nil {
			s.failSetup(m, blercuerror.Wrap(err))
			return
		}
		s.mu.Lock()
		s.verifyModel(cp)
		s.mu.Unlock()
		s.markSetup(m, "read")
	}, func(err *blercuerror.Error) {
		s.failSetup(m, err)
	})

	if s.attrs.PacketWindowSize == nil {
		s.markSetup(m, "window")
	} else {
		s.attrs.PacketWindowSize.ReadValue().Then(func(v []byte) {
			if len(v) >= 1 {
				if v[0] == 0 {
					s.failSetup(m, blercuerror.New(blercuerror.General, "Invalid OTA Packet Window Size"))
					return
				}
				s.mu.Lock()
				s.windowSize = int(v[0])
				s.mu.Unlock()
			}
			s.markSetup(m, "window")
		}, func(err *blercuerror.Error) {
			// descriptor absent from some stacks; fall back to the default window
			s.markSetup(m, "window")
		})
	}
}

// verifyModel logs a mismatch but never fails the upgrade (spec.md §4.6,
// §9 open question: warn-only policy, left configurable at a higher layer).
func (s *Service) verifyModel(cp ControlPoint) {
	want := s.fw.DeviceModelID
	if want != 0 && cp.DeviceModelID != want {
		s.log.WithFields(logrus.Fields{"device": cp.DeviceModelID, "firmware": want}).
			Warn("firmware device-model mismatch, continuing anyway")
	}
}

func (s *Service) markSetup(m *statemachine.Machine, which string) {
	s.mu.Lock()
	switch which {
	case "notify":
		s.setupNotify = true
	case "read":
		s.setupRead = true
	case "window":
		s.setupWindow = true
	}
	done := s.setupNotify && s.setupRead && s.setupWindow
	s.mu.Unlock()
	if done {
		m.PostEvent(evFinishedSetup, nil)
	}
}

func (s *Service) failSetup(m *statemachine.Machine, err *blercuerror.Error) {
	s.mu.Lock()
	s.lastError = err.Message
	s.mu.Unlock()
	m.PostEvent(evSetupError, nil)
}

func (s *Service) onEnterSendingWriteRequest(m *statemachine.Machine) {
	s.mu.Lock()
	s.lastAckedBlock = -1
	s.timeoutCount = 0
	s.mu.Unlock()
	s.sendWRQ(m)
}

func (s *Service) sendWRQ(m *statemachine.Machine) {
	s.mu.Lock()
	fw := s.fw
	s.mu.Unlock()

	pkt := make([]byte, 14)
	pkt[0] = opWRQ
	pkt[1] = 0x00
	binary.LittleEndian.PutUint32(pkt[2:6], uint32(len(fw.Data)))
	binary.LittleEndian.PutUint32(pkt[6:10], fw.Version)
	binary.LittleEndian.PutUint32(pkt[10:14], fw.CRC32)
	s.attrs.Packet.WriteValueWithoutResponse(pkt).Then(nil, func(err *blercuerror.Error) {
		s.log.WithError(err).Debug("WRQ write failed")
	})

	s.mu.Lock()
	s.wrqTimer = time.AfterFunc(ackTimeout, func() { s.onWRQTimeout(m) })
	s.mu.Unlock()
}

func (s *Service) onWRQTimeout(m *statemachine.Machine) {
	s.mu.Lock()
	s.timeoutCount++
	exhausted := s.timeoutCount > maxTimeouts
	s.mu.Unlock()
	if exhausted {
		s.mu.Lock()
		s.lastError = "Timed-out"
		s.mu.Unlock()
		m.PostEvent(evFatal, nil)
		return
	}
	s.sendWRQ(m)
}

func (s *Service) onExitSendingWriteRequest(m *statemachine.Machine) {
	s.mu.Lock()
	if s.wrqTimer != nil {
		s.wrqTimer.Stop()
		s.wrqTimer = nil
	}
	s.mu.Unlock()
}

func (s *Service) onEnterSendingData(m *statemachine.Machine) {
	s.mu.Lock()
	firstEntry := !s.startPromiseDone
	p := s.startPromise
	s.startPromiseDone = true
	s.timeoutCount = 0
	s.mu.Unlock()
	if firstEntry && p != nil {
		p.Resolve(struct{}{})
	}
	s.sendWindow(m)
	s.armDataTimer(m)
}

func (s *Service) armDataTimer(m *statemachine.Machine) {
	s.mu.Lock()
	s.dataTimer = time.AfterFunc(ackTimeout, func() { s.onDataTimeout(m) })
	s.mu.Unlock()
}

func (s *Service) onDataTimeout(m *statemachine.Machine) {
	s.mu.Lock()
	s.timeoutCount++
	exhausted := s.timeoutCount > maxTimeouts
	s.mu.Unlock()
	if exhausted {
		s.mu.Lock()
		s.lastError = "Timed-out"
		s.mu.Unlock()
		m.PostEvent(evFatal, nil)
		return
	}
	s.sendWindow(m)
	s.armDataTimer(m)
}

func (s *Service) onExitSendingData(m *statemachine.Machine) {
	s.mu.Lock()
	if s.dataTimer != nil {
		s.dataTimer.Stop()
		s.dataTimer = nil
	}
	s.mu.Unlock()
}

func (s *Service) sendWindow(m *statemachine.Machine) {
	s.mu.Lock()
	start := s.lastAckedBlock + 1
	window := s.windowSize
	fw := s.fw
	s.mu.Unlock()

	for i := 0; i < window; i++ {
		blockID := start + i
		offset := (blockID - 1) * FirmwarePacketMTU
		if offset >= len(fw.Data) {
			break
		}
		end := offset + FirmwarePacketMTU
		if end > len(fw.Data) {
			end = len(fw.Data)
		}
		payload := fw.Data[offset:end]
		pkt := make([]byte, 0, 2+len(payload))
		pkt = append(pkt, opDATA|byte((blockID>>8)&0x3F), byte(blockID&0xFF))
		pkt = append(pkt, payload...)
		s.attrs.Packet.WriteValueWithoutResponse(pkt).Then(nil, nil)
	}
}

// startNotifyPump decodes ACK/ERROR packets arriving on Packet.
func (s *Service) startNotifyPump(ch <-chan []byte, m *statemachine.Machine) {
	s.mu.Lock()
	s.stopPump = make(chan struct{})
	stop := s.stopPump
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
				s.handleNotification(v, m)
			}
		}
	}()
}

func (s *Service) stopNotifyPump() {
	s.mu.Lock()
	stop := s.stopPump
	s.stopPump = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (s *Service) handleNotification(v []byte, m *statemachine.Machine) {
	if len(v) < 2 {
		return
	}
	switch v[0] & opMask {
	case opACK:
		blockID := (int(v[0]&^opMask) << 8) | int(v[1])
		if s.machine.InState(SendingWriteRequest) {
			// the WRQ is acked as block 0, so the first window starts at block 1
			s.mu.Lock()
			s.lastAckedBlock = blockID
			s.mu.Unlock()
			m.PostEvent(evWRQAcked, nil)
			return
		}
		s.handleDataAck(blockID, m)
	case opERROR:
		msg := decodeErrorCode(v[1])
		s.mu.Lock()
		s.lastError = msg
		s.mu.Unlock()
		if s.onError != nil {
			s.onError(msg)
		}
		m.PostEvent(evFatal, nil)
	}
}

func (s *Service) handleDataAck(blockID int, m *statemachine.Machine) {
	s.mu.Lock()
	fw := s.fw
	last := s.lastAckedBlock
	s.mu.Unlock()

	if blockID*FirmwarePacketMTU >= len(fw.Data) {
		s.setProgress(100)
		if s.onComplete != nil {
			s.onComplete()
		}
		m.PostEvent(evComplete, nil)
		return
	}
	if blockID <= last {
		return // duplicate ack, ignore
	}

	s.mu.Lock()
	s.lastAckedBlock = blockID
	s.timeoutCount = 0
	total := s.blockCount
	s.mu.Unlock()

	if total > 0 {
		s.setProgress((blockID * 100) / total)
	}
	s.sendWindow(m)
	s.armDataTimer(m)
}

func (s *Service) onEnterErrored(m *statemachine.Machine) {
	s.mu.Lock()
	msg := s.lastError
	p := s.startPromise
	s.startPromise = nil
	s.mu.Unlock()
	if p != nil {
		p.Reject(blercuerror.New(blercuerror.General, "%s", msg))
	}
	if s.onError != nil {
		s.onError(msg)
	}
	m.PostEvent(evFatal, nil)
}

func (s *Service) onEnterFinished(m *statemachine.Machine) {
	s.mu.Lock()
	p := s.startPromise
	s.startPromise = nil
	blockCount := s.blockCount
	windowSize := s.windowSize
	lastAcked := s.lastAckedBlock
	s.mu.Unlock()

	// phantom-final-ack workaround: the remote can drop the terminal ACK
	// once the window has already covered the last block, so treat that
	// as completion rather than waiting forever for an ACK that will
	// never arrive.
	phantomComplete := blockCount > windowSize && lastAcked >= blockCount-windowSize

	if p != nil {
		if phantomComplete {
			p.Resolve(struct{}{})
		} else {
			p.Reject(blercuerror.New(blercuerror.General, "upgrade did not complete"))
		}
	}
	if phantomComplete {
		s.setProgress(100)
		if s.onComplete != nil {
			s.onComplete()
		}
	}

	// Finished is re-armed to Initial rather than left to stop the machine
	// permanently, so a subsequent StartUpgrade can run again without a
	// full disconnect/reconnect rebuilding the service.
	m.ResetCurrent(Initial)
}
