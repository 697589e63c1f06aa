package orderbook

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidCommand     = errors.New("invalid command")
	ErrAlreadyProcessed   = errors.New("order already processed")
	ErrOrderNotFound      = errors.New("order not found")
	ErrInstrumentMismatch = errors.New("command instrument does not match book")
)

type CommandKind int8

const (
	CommandNew CommandKind = iota + 1
	CommandCancel
)

func (k CommandKind) String() string {
	switch k {
	case CommandNew:
		return "new"
	case CommandCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

func (k CommandKind) MarshalText() ([]byte, error) {
	if k != CommandNew && k != CommandCancel {
		return nil, errors.Errorf("invalid command kind %d", k)
	}
	return []byte(k.String()), nil
}

func (k *CommandKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "new", "NEW":
		*k = CommandNew
	case "cancel", "CANCEL":
		*k = CommandCancel
	default:
		return errors.Errorf("invalid command kind %q", b)
	}
	return nil
}

// Command is one inbound instruction for a book. SubmittedAt is assigned by
// the intake layer and is the only clock matching ever sees.
type Command struct {
	Kind        CommandKind     `json:"kind"`
	OrderID     string          `json:"order_id"`
	Instrument  string          `json:"instrument"`
	Side        Side            `json:"side,omitempty"`
	Type        OrderType       `json:"type,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	SubmittedAt int64           `json:"submitted_at"`
}

// Validate checks the command in isolation, without looking at any book.
func (c Command) Validate() error {
	if c.OrderID == "" {
		return errors.Wrap(ErrInvalidCommand, "order id is required")
	}
	if c.Instrument == "" {
		return errors.Wrap(ErrInvalidCommand, "instrument is required")
	}

	switch c.Kind {
	case CommandCancel:
		return nil
	case CommandNew:
	default:
		return errors.Wrapf(ErrInvalidCommand, "unknown kind %d", c.Kind)
	}

	if !c.Side.Valid() {
		return errors.Wrap(ErrInvalidCommand, "side must be buy or sell")
	}
	if !c.Type.Valid() {
		return errors.Wrap(ErrInvalidCommand, "type must be limit or market")
	}
	if !c.Quantity.IsPositive() {
		return errors.Wrap(ErrInvalidCommand, "quantity must be positive")
	}
	if c.Type == Limit && !c.Price.IsPositive() {
		return errors.Wrap(ErrInvalidCommand, "limit price must be positive")
	}
	return nil
}
