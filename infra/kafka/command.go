package kafka

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"matching/domain/orderbook"
)

// ErrMalformed marks a message that is not a command at all.
var ErrMalformed = errors.New("malformed command message")

// decodeCommand parses one command message. SubmittedAt falls back to the
// broker timestamp so every replica of the message gets the same time.
func decodeCommand(value []byte, brokerTime time.Time) (orderbook.Command, error) {
	var cmd orderbook.Command
	if err := json.Unmarshal(value, &cmd); err != nil {
		return orderbook.Command{}, errors.Wrap(ErrMalformed, err.Error())
	}
	if cmd.SubmittedAt == 0 && !brokerTime.IsZero() {
		cmd.SubmittedAt = brokerTime.UnixNano()
	}
	if err := cmd.Validate(); err != nil {
		return orderbook.Command{}, err
	}
	return cmd, nil
}
