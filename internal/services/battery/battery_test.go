package battery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/gatt"
	"github.com/sky-uk/blercud/internal/services/battery"
)

type fakeRaw struct {
	readValue []byte
	readErr   error
	notifyCh  chan []byte
}

func (f *fakeRaw) ReadValue(ctx context.Context) ([]byte, error) { return f.readValue, f.readErr }
func (f *fakeRaw) WriteValue(ctx context.Context, value []byte) error { return nil }
func (f *fakeRaw) WriteValueWithoutResponse(ctx context.Context, value []byte) error { return nil }
func (f *fakeRaw) EnableNotifications(ctx context.Context, enable bool) (<-chan []byte, int, error) {
	if !enable {
		return nil, 0, nil
	}
	return f.notifyCh, 23, nil
}

type BatteryTestSuite struct {
	suite.Suite
}

func (suite *BatteryTestSuite) TestInitialReadAndNotificationUpdateLevel() {
	// GOAL: Verify the service reaches Running with the initially-read level, then updates on notify
	//
	// TEST SCENARIO: initial read returns 42; a later notification delivers 77

	raw := &fakeRaw{readValue: []byte{42}, notifyCh: make(chan []byte, 2)}
	attr := gatt.New(gatt.Handle{CharacteristicUUID: "battery"}, raw, nil)
	svc := battery.New(attr, nil)

	var levels []int
	svc.OnLevelChanged(func(l int) { levels = append(levels, l) })

	svc.Start(context.Background())
	defer svc.Stop()

	suite.Eventually(func() bool { return svc.Level() == 42 }, time.Second, time.Millisecond)

	raw.notifyCh <- []byte{77}
	suite.Eventually(func() bool { return svc.Level() == 77 }, time.Second, time.Millisecond)

	suite.Assert().Equal([]int{42, 77}, levels)
}

func (suite *BatteryTestSuite) TestClampingOutOfRange() {
	// GOAL: Verify a notification byte outside [0,100] is clamped without error (spec.md §8 boundary case)

	raw := &fakeRaw{readValue: []byte{0}, notifyCh: make(chan []byte, 1)}
	attr := gatt.New(gatt.Handle{CharacteristicUUID: "battery"}, raw, nil)
	svc := battery.New(attr, nil)
	svc.Start(context.Background())
	defer svc.Stop()

	suite.Eventually(func() bool { return svc.Level() == 0 }, time.Second, time.Millisecond)

	raw.notifyCh <- []byte{255}
	suite.Eventually(func() bool { return svc.Level() == 100 }, time.Second, time.Millisecond)
}

func (suite *BatteryTestSuite) TestInitialReadFailureLeavesLevelUnknown() {
	// GOAL: Verify a failing initial read leaves the level at UnknownLevel

	raw := &fakeRaw{readErr: &blercuerror.Error{Code: blercuerror.General}}
	attr := gatt.New(gatt.Handle{CharacteristicUUID: "battery"}, raw, nil)
	svc := battery.New(attr, nil)
	svc.Start(context.Background())
	defer svc.Stop()

	suite.Assert().Equal(battery.UnknownLevel, svc.Level())
}

func TestBatteryTestSuite(t *testing.T) {
	suite.Run(t, new(BatteryTestSuite))
}
