// Package ledger provides a testify mock of domain.TradeLedger.
package ledger

import (
	context "context"

	domain "github.com/vadiminshakov/tradecore/internal/domain"
	mock "github.com/stretchr/testify/mock"
)

// TradeLedger is a mock type for the TradeLedger type
type TradeLedger struct {
	mock.Mock
}

// Record provides a mock function with given fields: ctx, trade
func (_m *TradeLedger) Record(ctx context.Context, trade domain.TradeSummary) error {
	ret := _m.Called(ctx, trade)

	if len(ret) == 0 {
		panic("no return value specified for Record")
	}

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, domain.TradeSummary) error); ok {
		r0 = rf(ctx, trade)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// NewTradeLedger creates a new instance of TradeLedger. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
// The first argument is typically a *testing.T value.
func NewTradeLedger(t interface {
	mock.TestingT
	Cleanup(func())
}) *TradeLedger {
	mock := &TradeLedger{}
	mock.Mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
