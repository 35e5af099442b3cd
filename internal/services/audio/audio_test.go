package audio_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/future"
	"github.com/sky-uk/blercud/internal/gatt"
	"github.com/sky-uk/blercud/internal/services/audio"
)

type fakeRaw struct {
	notifyCh chan []byte
	written  [][]byte
}

func (f *fakeRaw) ReadValue(ctx context.Context) ([]byte, error) { return nil, nil }
func (f *fakeRaw) WriteValue(ctx context.Context, value []byte) error { return nil }
func (f *fakeRaw) WriteValueWithoutResponse(ctx context.Context, value []byte) error {
	f.written = append(f.written, append([]byte(nil), value...))
	return nil
}
func (f *fakeRaw) EnableNotifications(ctx context.Context, enable bool) (<-chan []byte, int, error) {
	if !enable {
		return nil, 0, nil
	}
	return f.notifyCh, 23, nil
}

type AudioTestSuite struct {
	suite.Suite
}

func (suite *AudioTestSuite) newService() (*audio.Service, *fakeRaw) {
	dataRaw := &fakeRaw{notifyCh: make(chan []byte, 4)}
	controlRaw := &fakeRaw{}
	attrs := audio.Attributes{
		Codecs:  gatt.New(gatt.Handle{CharacteristicUUID: "codecs"}, &fakeRaw{}, nil),
		Gain:    gatt.New(gatt.Handle{CharacteristicUUID: "gain"}, &fakeRaw{}, nil),
		Control: gatt.New(gatt.Handle{CharacteristicUUID: "control"}, controlRaw, nil),
		Data:    gatt.New(gatt.Handle{CharacteristicUUID: "data"}, dataRaw, nil),
	}
	svc := audio.New(attrs, nil)
	return svc, dataRaw
}

func (suite *AudioTestSuite) TestStreamingChangedEmittedOnceOnFirstFrame() {
	// GOAL: Verify streamingChanged(true) fires exactly once, on the first AudioData notification

	svc, dataRaw := suite.newService()
	svc.Start(context.Background())
	defer svc.Stop()

	var changes []bool
	svc.OnStreamingChanged(func(on bool) { changes = append(changes, on) })

	f := svc.StartStreamingRequest(audio.PCM16)
	suite.Require().Eventually(f.Done, time.Second, time.Millisecond)

	var readEnd *os.File
	f.Then(func(v *os.File) { readEnd = v }, nil)
	suite.Require().NotNil(readEnd)
	defer readEnd.Close()

	dataRaw.notifyCh <- make([]byte, 20)
	dataRaw.notifyCh <- make([]byte, 20)

	suite.Eventually(func() bool { return svc.GetStatus().ActualPackets >= 2 }, time.Second, time.Millisecond)
	suite.Assert().Equal([]bool{true}, changes)
}

func (suite *AudioTestSuite) TestStopStreamingRejectedWhenNotStreaming() {
	// GOAL: Verify stop_streaming fails Busy unless currently Streaming

	svc, _ := suite.newService()
	svc.Start(context.Background())
	defer svc.Stop()

	f := svc.StopStreamingRequest()
	suite.Require().True(f.Done())
	_, err := future.Wait(context.Background(), f)
	suite.Require().NotNil(err)
	suite.Assert().Equal(blercuerror.Busy, err.Code)
}

func (suite *AudioTestSuite) TestUnsupportedEncodingRejected() {
	// GOAL: Verify an out-of-range encoding value is rejected InvalidArg

	svc, _ := suite.newService()
	f := svc.StartStreamingRequest(audio.Encoding(99))
	suite.Require().True(f.Done())
	_, err := future.Wait(context.Background(), f)
	suite.Require().NotNil(err)
	suite.Assert().Equal(blercuerror.InvalidArg, err.Code)
}
