package findme_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/future"
	"github.com/sky-uk/blercud/internal/gatt"
	"github.com/sky-uk/blercud/internal/services/findme"
)

type fakeRaw struct {
	written [][]byte
}

func (f *fakeRaw) ReadValue(ctx context.Context) ([]byte, error) { return nil, nil }
func (f *fakeRaw) WriteValue(ctx context.Context, value []byte) error { return nil }
func (f *fakeRaw) WriteValueWithoutResponse(ctx context.Context, value []byte) error {
	f.written = append(f.written, append([]byte(nil), value...))
	return nil
}
func (f *fakeRaw) EnableNotifications(ctx context.Context, enable bool) (<-chan []byte, int, error) {
	return nil, 0, nil
}

type FindMeTestSuite struct {
	suite.Suite
}

func (suite *FindMeTestSuite) TestStartThenBeepThenStop() {
	// GOAL: Verify start_beeping/stop_beeping write the expected AlertLevel bytes once Running
	//
	// TEST SCENARIO: Start() -> pipe-clean write(0) -> Running; StartBeeping(High) -> write(2); StopBeeping -> write(0)

	raw := &fakeRaw{}
	attr := gatt.New(gatt.Handle{CharacteristicUUID: "alert"}, raw, nil)
	svc := findme.New(attr, nil)

	svc.Start(context.Background())
	defer svc.Stop()

	suite.Require().Eventually(func() bool { return len(raw.written) >= 1 }, time.Second, time.Millisecond)
	suite.Assert().Equal([]byte{0}, raw.written[0])

	f := svc.StartBeeping(findme.High, 0)
	suite.Require().Eventually(f.Done, time.Second, time.Millisecond)
	suite.Assert().Equal([]byte{2}, raw.written[len(raw.written)-1])

	f2 := svc.StopBeeping()
	suite.Require().Eventually(f2.Done, time.Second, time.Millisecond)
	suite.Assert().Equal([]byte{0}, raw.written[len(raw.written)-1])
}

func (suite *FindMeTestSuite) TestBeepingRejectedBeforeRunning() {
	// GOAL: Verify StartBeeping before the service reaches Running is rejected Busy

	raw := &fakeRaw{}
	attr := gatt.New(gatt.Handle{CharacteristicUUID: "alert"}, raw, nil)
	svc := findme.New(attr, nil)

	f := svc.StartBeeping(findme.Mid, 0)
	suite.Require().True(f.Done())
	_, err := future.Wait(context.Background(), f)
	suite.Require().NotNil(err)
	suite.Assert().Equal(blercuerror.Busy, err.Code)
}

func TestFindMeTestSuite(t *testing.T) {
	suite.Run(t, new(FindMeTestSuite))
}
