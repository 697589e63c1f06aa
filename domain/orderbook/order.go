package orderbook

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Side int8
type OrderType int8
type TimeInForce int8
type Status int8

const (
	Buy Side = iota + 1
	Sell
)

const (
	Limit OrderType = iota + 1
	Market
)

const (
	GTC TimeInForce = iota + 1
	IOC
)

const (
	StatusNew Status = iota + 1
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
)

// Order is a resting (or incoming) order. Remaining is the quantity not yet
// filled.
type Order struct {
	ID          string          `json:"id"`
	Instrument  string          `json:"instrument"`
	Side        Side            `json:"side"`
	Type        OrderType       `json:"type"`
	TimeInForce TimeInForce     `json:"tif"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Remaining   decimal.Decimal `json:"remaining"`
	Status      Status          `json:"status"`
	SubmittedAt int64           `json:"submitted_at"`

	next *Order
	prev *Order
}

// Filled returns the executed quantity.
func (o *Order) Filled() decimal.Decimal {
	return o.Quantity.Sub(o.Remaining)
}

func (o *Order) detach() Order {
	c := *o
	c.next, c.prev = nil, nil
	return c
}

// -------------------- Text encoding --------------------

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, errors.Errorf("invalid side %d", s)
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	switch string(b) {
	case "buy", "BUY":
		*s = Buy
	case "sell", "SELL":
		*s = Sell
	default:
		return errors.Errorf("invalid side %q", b)
	}
	return nil
}

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "limit"
	case Market:
		return "market"
	default:
		return "unknown"
	}
}

func (t OrderType) Valid() bool { return t == Limit || t == Market }

func (t OrderType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, errors.Errorf("invalid order type %d", t)
	}
	return []byte(t.String()), nil
}

func (t *OrderType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "limit", "LIMIT":
		*t = Limit
	case "market", "MARKET":
		*t = Market
	default:
		return errors.Errorf("invalid order type %q", b)
	}
	return nil
}

func (t TimeInForce) String() string {
	switch t {
	case GTC:
		return "GTC"
	case IOC:
		return "IOC"
	default:
		return "unknown"
	}
}

func (t TimeInForce) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeInForce) UnmarshalText(b []byte) error {
	switch string(b) {
	case "GTC", "gtc":
		*t = GTC
	case "IOC", "ioc":
		*t = IOC
	default:
		return errors.Errorf("invalid time in force %q", b)
	}
	return nil
}

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "new":
		*s = StatusNew
	case "partially_filled":
		*s = StatusPartiallyFilled
	case "filled":
		*s = StatusFilled
	case "cancelled":
		*s = StatusCancelled
	default:
		return errors.Errorf("invalid status %q", b)
	}
	return nil
}
