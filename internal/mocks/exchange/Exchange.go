// Package exchange provides a testify mock of domain.Exchange.
package exchange

import (
	context "context"

	decimal "github.com/shopspring/decimal"
	domain "github.com/vadiminshakov/tradecore/internal/domain"
	mock "github.com/stretchr/testify/mock"
)

// Exchange is a mock type for the Exchange type
type Exchange struct {
	mock.Mock
}

// Cancel provides a mock function with given fields: ctx, instrument, id
func (_m *Exchange) Cancel(ctx context.Context, instrument domain.Pair, id domain.OrderID) error {
	ret := _m.Called(ctx, instrument, id)

	if len(ret) == 0 {
		panic("no return value specified for Cancel")
	}

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, domain.Pair, domain.OrderID) error); ok {
		r0 = rf(ctx, instrument, id)
	} else {
		r0 = ret.Error(0)
	}

	return r0
}

// Close provides a mock function with given fields: ctx, instrument, side, qty
func (_m *Exchange) Close(ctx context.Context, instrument domain.Pair, side domain.PositionSide, qty decimal.Decimal) (domain.OrderID, error) {
	ret := _m.Called(ctx, instrument, side, qty)

	if len(ret) == 0 {
		panic("no return value specified for Close")
	}

	var r0 domain.OrderID
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, domain.Pair, domain.PositionSide, decimal.Decimal) (domain.OrderID, error)); ok {
		return rf(ctx, instrument, side, qty)
	}
	if rf, ok := ret.Get(0).(func(context.Context, domain.Pair, domain.PositionSide, decimal.Decimal) domain.OrderID); ok {
		r0 = rf(ctx, instrument, side, qty)
	} else {
		r0 = ret.Get(0).(domain.OrderID)
	}

	if rf, ok := ret.Get(1).(func(context.Context, domain.Pair, domain.PositionSide, decimal.Decimal) error); ok {
		r1 = rf(ctx, instrument, side, qty)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// GetPositions provides a mock function with given fields: ctx
func (_m *Exchange) GetPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	ret := _m.Called(ctx)

	if len(ret) == 0 {
		panic("no return value specified for GetPositions")
	}

	var r0 []domain.ExchangePosition
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context) ([]domain.ExchangePosition, error)); ok {
		return rf(ctx)
	}
	if rf, ok := ret.Get(0).(func(context.Context) []domain.ExchangePosition); ok {
		r0 = rf(ctx)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([]domain.ExchangePosition)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context) error); ok {
		r1 = rf(ctx)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// Open provides a mock function with given fields: ctx, req
func (_m *Exchange) Open(ctx context.Context, req domain.OpenRequest) (domain.OrderID, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for Open")
	}

	var r0 domain.OrderID
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, domain.OpenRequest) (domain.OrderID, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, domain.OpenRequest) domain.OrderID); ok {
		r0 = rf(ctx, req)
	} else {
		r0 = ret.Get(0).(domain.OrderID)
	}

	if rf, ok := ret.Get(1).(func(context.Context, domain.OpenRequest) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// SetStopLoss provides a mock function with given fields: ctx, req
func (_m *Exchange) SetStopLoss(ctx context.Context, req domain.ProtectionRequest) (domain.OrderID, error) {
	return _m.protection("SetStopLoss", ctx, req)
}

// SetTakeProfit provides a mock function with given fields: ctx, req
func (_m *Exchange) SetTakeProfit(ctx context.Context, req domain.ProtectionRequest) (domain.OrderID, error) {
	return _m.protection("SetTakeProfit", ctx, req)
}

func (_m *Exchange) protection(method string, ctx context.Context, req domain.ProtectionRequest) (domain.OrderID, error) {
	ret := _m.MethodCalled(method, ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for " + method)
	}

	var r0 domain.OrderID
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, domain.ProtectionRequest) (domain.OrderID, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, domain.ProtectionRequest) domain.OrderID); ok {
		r0 = rf(ctx, req)
	} else {
		r0 = ret.Get(0).(domain.OrderID)
	}

	if rf, ok := ret.Get(1).(func(context.Context, domain.ProtectionRequest) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewExchange creates a new instance of Exchange. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
// The first argument is typically a *testing.T value.
func NewExchange(t interface {
	mock.TestingT
	Cleanup(func())
}) *Exchange {
	mock := &Exchange{}
	mock.Mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
