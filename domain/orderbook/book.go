package orderbook

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const DefaultProcessedCapacity = 1_000_000

// OrderBook is single-writer and deterministic.
type OrderBook struct {
	instrument string

	bids *ladder
	asks *ladder

	orders    map[string]*Order
	processed *processedSet

	tradeCounter uint64
	lastSeq      uint64
}

type Option func(*OrderBook)

// WithProcessedCapacity bounds the remembered order id set.
func WithProcessedCapacity(n int) Option {
	return func(b *OrderBook) { b.processed = newProcessedSet(n) }
}

func New(instrument string, opts ...Option) *OrderBook {
	b := &OrderBook{
		instrument: instrument,
		bids:       newLadder(Buy),
		asks:       newLadder(Sell),
		orders:     make(map[string]*Order),
		processed:  newProcessedSet(DefaultProcessedCapacity),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *OrderBook) Instrument() string { return b.instrument }

// LastSeq is the WAL sequence of the last result applied.
func (b *OrderBook) LastSeq() uint64 { return b.lastSeq }

func (b *OrderBook) SetLastSeq(seq uint64) { b.lastSeq = seq }

func (b *OrderBook) TradeCounter() uint64 { return b.tradeCounter }

func (b *OrderBook) Order(id string) (Order, bool) {
	o, ok := b.orders[id]
	if !ok {
		return Order{}, false
	}
	return o.detach(), true
}

func (b *OrderBook) OpenOrders() int { return len(b.orders) }

func (b *OrderBook) Processed(id string) bool { return b.processed.contains(id) }

func (b *OrderBook) ladder(side Side) *ladder {
	if side == Buy {
		return b.bids
	}
	return b.asks
}

// -------------------- Match --------------------

// Match computes the result of cmd against the current book. The book is not
// modified; a rejected command returns an error and no result.
func (b *OrderBook) Match(cmd Command) (*MatchResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.Instrument != b.instrument {
		return nil, errors.Wrapf(ErrInstrumentMismatch, "%s != %s", cmd.Instrument, b.instrument)
	}

	switch cmd.Kind {
	case CommandCancel:
		return b.matchCancel(cmd)
	default:
		return b.matchNew(cmd)
	}
}

func (b *OrderBook) matchCancel(cmd Command) (*MatchResult, error) {
	o, ok := b.orders[cmd.OrderID]
	if !ok {
		return nil, errors.Wrapf(ErrOrderNotFound, "cancel %s", cmd.OrderID)
	}
	return &MatchResult{
		Instrument: b.instrument,
		Command:    cmd,
		Trades:     []Trade{},
		Updates: []OrderUpdate{{
			OrderID: o.ID,
			Side:    o.Side,
			Price:   o.Price,
			Resting: decimal.Zero,
			Status:  StatusCancelled,
		}},
		TradeCounter: b.tradeCounter,
	}, nil
}

func (b *OrderBook) matchNew(cmd Command) (*MatchResult, error) {
	if b.processed.contains(cmd.OrderID) || b.orders[cmd.OrderID] != nil {
		return nil, errors.Wrapf(ErrAlreadyProcessed, "order %s", cmd.OrderID)
	}

	taker := &Order{
		ID:          cmd.OrderID,
		Instrument:  b.instrument,
		Side:        cmd.Side,
		Type:        cmd.Type,
		TimeInForce: GTC,
		Price:       cmd.Price,
		Quantity:    cmd.Quantity,
		Remaining:   cmd.Quantity,
		SubmittedAt: cmd.SubmittedAt,
	}
	if cmd.Type == Market {
		taker.TimeInForce = IOC
		taker.Price = decimal.Zero
	}

	res := &MatchResult{
		Instrument: b.instrument,
		Command:    cmd,
		Trades:     []Trade{},
	}
	counter := b.tradeCounter

	b.ladder(cmd.Side.Opposite()).walk(func(lvl *priceLevel) bool {
		if taker.Type == Limit && !crosses(taker.Side, taker.Price, lvl.price) {
			return false
		}
		for maker := lvl.head; maker != nil && taker.Remaining.IsPositive(); maker = maker.next {
			fill := decimal.Min(taker.Remaining, maker.Remaining)
			counter++

			res.Trades = append(res.Trades, Trade{
				ID:           fmt.Sprintf("%s-%d", b.instrument, counter),
				Instrument:   b.instrument,
				MakerOrderID: maker.ID,
				TakerOrderID: taker.ID,
				TakerSide:    taker.Side,
				Price:        lvl.price,
				Quantity:     fill,
				Type:         taker.Type,
				ExecutedAt:   cmd.SubmittedAt,
			})

			taker.Remaining = taker.Remaining.Sub(fill)
			resting := maker.Remaining.Sub(fill)
			status := StatusPartiallyFilled
			if resting.IsZero() {
				status = StatusFilled
			}
			res.Updates = append(res.Updates, OrderUpdate{
				OrderID: maker.ID,
				Side:    maker.Side,
				Price:   maker.Price,
				Resting: resting,
				Status:  status,
			})
		}
		return taker.Remaining.IsPositive()
	})

	takerUpdate := OrderUpdate{
		OrderID: taker.ID,
		Side:    taker.Side,
		Price:   taker.Price,
		Resting: decimal.Zero,
	}
	switch {
	case taker.Remaining.IsZero():
		taker.Status = StatusFilled
	case taker.Type == Market:
		// Unfilled market remainder never rests.
		taker.Status = StatusCancelled
	case taker.Remaining.Equal(taker.Quantity):
		taker.Status = StatusNew
		takerUpdate.Resting = taker.Remaining
	default:
		taker.Status = StatusPartiallyFilled
		takerUpdate.Resting = taker.Remaining
	}
	takerUpdate.Status = taker.Status

	res.Taker = taker
	res.Updates = append(res.Updates, takerUpdate)
	res.TradeCounter = counter
	return res, nil
}

func crosses(side Side, limit, level decimal.Decimal) bool {
	if side == Buy {
		return level.LessThanOrEqual(limit)
	}
	return level.GreaterThanOrEqual(limit)
}

// -------------------- Delta --------------------

// Delta returns the price levels res changes, with their aggregate quantity
// after Apply. It must be called before Apply. Nil when no level changes.
func (b *OrderBook) Delta(res *MatchResult) *BookDelta {
	var changes []LevelChange
	index := make(map[string]int)

	touch := func(side Side, price, diff decimal.Decimal) {
		key := side.String() + "|" + price.String()
		i, ok := index[key]
		if !ok {
			i = len(changes)
			index[key] = i
			changes = append(changes, LevelChange{
				Side:     side,
				Price:    price,
				Quantity: b.ladder(side).quantityAt(price),
			})
		}
		changes[i].Quantity = changes[i].Quantity.Add(diff)
	}

	for _, u := range res.Updates {
		if o, ok := b.orders[u.OrderID]; ok {
			touch(o.Side, o.Price, u.Resting.Sub(o.Remaining))
			continue
		}
		if u.Resting.IsPositive() {
			touch(u.Side, u.Price, u.Resting)
		}
	}

	if len(changes) == 0 {
		return nil
	}
	return &BookDelta{Instrument: b.instrument, Changes: changes}
}

// -------------------- Apply --------------------

// Apply mutates the book from a result produced by Match on the same book
// state, either live or read back from the log.
func (b *OrderBook) Apply(res *MatchResult) {
	for _, u := range res.Updates {
		if o, ok := b.orders[u.OrderID]; ok {
			l := b.ladder(o.Side)
			if u.Resting.IsZero() {
				l.remove(o)
				delete(b.orders, o.ID)
				continue
			}
			l.reduce(o, u.Resting)
			o.Status = u.Status
			continue
		}

		if res.Taker != nil && res.Taker.ID == u.OrderID && u.Resting.IsPositive() {
			o := res.Taker.detach()
			o.Remaining = u.Resting
			o.Status = u.Status
			b.rest(&o)
		}
	}

	if res.Command.Kind == CommandNew {
		b.processed.add(res.Command.OrderID)
	}
	b.tradeCounter = res.TradeCounter
}

func (b *OrderBook) rest(o *Order) {
	b.ladder(o.Side).insert(o)
	b.orders[o.ID] = o
}

// -------------------- Views --------------------

// Depth returns up to n levels per side; n <= 0 returns every level.
func (b *OrderBook) Depth(n int) Depth {
	d := Depth{
		Instrument: b.instrument,
		LastSeq:    b.lastSeq,
		Bids:       b.bids.depth(n),
		Asks:       b.asks.depth(n),
	}
	if lvl := b.bids.best(); lvl != nil {
		p := lvl.price
		d.BestBid = &p
	}
	if lvl := b.asks.best(); lvl != nil {
		p := lvl.price
		d.BestAsk = &p
	}
	if d.BestBid != nil && d.BestAsk != nil {
		mid := d.BestBid.Add(*d.BestAsk).Div(decimal.NewFromInt(2))
		d.Mid = &mid
	}
	return d
}

// State copies the book. Open orders come out bids first, best price first,
// FIFO within a level, so Restore rebuilds the same time priority.
func (b *OrderBook) State() State {
	s := State{
		Instrument:   b.instrument,
		LastSeq:      b.lastSeq,
		TradeCounter: b.tradeCounter,
		OpenOrders:   make([]Order, 0, len(b.orders)),
		ProcessedIDs: b.processed.list(),
	}
	for _, l := range []*ladder{b.bids, b.asks} {
		l.walk(func(lvl *priceLevel) bool {
			for o := lvl.head; o != nil; o = o.next {
				s.OpenOrders = append(s.OpenOrders, o.detach())
			}
			return true
		})
	}
	return s
}

// Restore replaces the book contents with s.
func (b *OrderBook) Restore(s State) error {
	if s.Instrument != "" && s.Instrument != b.instrument {
		return errors.Wrapf(ErrInstrumentMismatch, "state for %s", s.Instrument)
	}

	b.bids = newLadder(Buy)
	b.asks = newLadder(Sell)
	b.orders = make(map[string]*Order, len(s.OpenOrders))
	b.processed = newProcessedSet(b.processed.capacity)

	for i := range s.OpenOrders {
		o := s.OpenOrders[i]
		if _, dup := b.orders[o.ID]; dup {
			return errors.Errorf("duplicate open order %s in state", o.ID)
		}
		b.rest(&o)
	}
	for _, id := range s.ProcessedIDs {
		b.processed.add(id)
	}
	b.tradeCounter = s.TradeCounter
	b.lastSeq = s.LastSeq
	return nil
}
