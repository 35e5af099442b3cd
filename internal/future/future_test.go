package future_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/sky-uk/blercud/internal/blercuerror"
	"github.com/sky-uk/blercud/internal/future"
)

type FutureTestSuite struct {
	suite.Suite
}

func (suite *FutureTestSuite) TestResolveInvokesOnSuccessOnce() {
	// GOAL: Verify a resolved promise invokes the success continuation exactly once
	//
	// TEST SCENARIO: Resolve(42) -> Then(onSuccess, onError) -> onSuccess called once with 42, onError never called

	f, p := future.New[int]()

	successCount := 0
	errorCount := 0
	p.Resolve(42)

	f.Then(func(v int) {
		successCount++
		suite.Assert().Equal(42, v)
	}, func(err *blercuerror.Error) {
		errorCount++
	})

	suite.Assert().Equal(1, successCount, "onSuccess MUST be invoked exactly once")
	suite.Assert().Equal(0, errorCount, "onError MUST NOT be invoked")
}

func (suite *FutureTestSuite) TestRejectInvokesOnErrorOnce() {
	// GOAL: Verify a rejected promise invokes the error continuation exactly once
	//
	// TEST SCENARIO: Reject(Busy) -> Then(onSuccess, onError) -> onError called once, onSuccess never called

	f, p := future.New[string]()
	p.Reject(blercuerror.New(blercuerror.Busy, "already streaming"))

	successCount := 0
	var gotErr *blercuerror.Error
	f.Then(func(v string) {
		successCount++
	}, func(err *blercuerror.Error) {
		gotErr = err
	})

	suite.Assert().Equal(0, successCount, "onSuccess MUST NOT be invoked")
	suite.Require().NotNil(gotErr)
	suite.Assert().Equal(blercuerror.Busy, gotErr.Code)
}

func (suite *FutureTestSuite) TestThenBeforeCompletionQueuesContinuation() {
	// GOAL: Verify continuations registered before completion run once resolved
	//
	// TEST SCENARIO: Then(...) registered first -> Resolve(...) later -> continuation fires exactly once

	f, p := future.New[int]()

	calls := 0
	f.Then(func(v int) {
		calls++
		suite.Assert().Equal(7, v)
	}, nil)

	suite.Assert().False(f.Done())
	p.Resolve(7)
	suite.Assert().True(f.Done())
	suite.Assert().Equal(1, calls)
}

func (suite *FutureTestSuite) TestSecondCompletionIsIgnored() {
	// GOAL: Verify a promise completed twice never invokes a continuation twice
	//
	// TEST SCENARIO: Resolve(1) then Resolve(2) -> only the first value observed, exactly one invocation

	f, p := future.New[int]()

	var seen []int
	f.Then(func(v int) {
		seen = append(seen, v)
	}, nil)

	p.Resolve(1)
	p.Resolve(2)
	p.Reject(blercuerror.New(blercuerror.General, "late"))

	suite.Assert().Equal([]int{1}, seen, "only the first completion MUST be observed")
}

func (suite *FutureTestSuite) TestMultipleThenRegistrationsAllFire() {
	// GOAL: Verify every registered continuation runs on completion, not just the first
	//
	// TEST SCENARIO: Register three Then() calls -> Resolve -> all three observe the value

	f, p := future.New[int]()

	var calls int
	for i := 0; i < 3; i++ {
		f.Then(func(v int) { calls++ }, nil)
	}
	p.Resolve(9)

	suite.Assert().Equal(3, calls)
}

func TestFutureTestSuite(t *testing.T) {
	suite.Run(t, new(FutureTestSuite))
}
