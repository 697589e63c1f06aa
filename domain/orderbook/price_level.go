package orderbook

import (
	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"
)

// priceLevel is a FIFO queue at a single price.
type priceLevel struct {
	price decimal.Decimal

	head *Order
	tail *Order

	total decimal.Decimal
	count int
}

func (p *priceLevel) enqueue(o *Order) {
	if p.head == nil {
		p.head = o
		p.tail = o
	} else {
		p.tail.next = o
		o.prev = p.tail
		p.tail = o
	}
	p.total = p.total.Add(o.Remaining)
	p.count++
}

func (p *priceLevel) remove(o *Order) {
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		p.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		p.tail = o.prev
	}
	o.next = nil
	o.prev = nil

	p.total = p.total.Sub(o.Remaining)
	p.count--
}

func (p *priceLevel) empty() bool {
	return p.head == nil
}

// -------------------- Side of book --------------------

// ladder holds the price levels of one side, best price first.
type ladder struct {
	side   Side
	levels *skiplist.SkipList
}

func newLadder(side Side) *ladder {
	// Bids sort descending, asks ascending, so Front is always the best price.
	cmp := func(lhs, rhs any) int {
		d1, _ := lhs.(decimal.Decimal)
		d2, _ := rhs.(decimal.Decimal)
		c := d1.Cmp(d2)
		if side == Buy {
			return -c
		}
		return c
	}
	return &ladder{
		side:   side,
		levels: skiplist.New(skiplist.GreaterThanFunc(cmp)),
	}
}

func (l *ladder) level(price decimal.Decimal) *priceLevel {
	el := l.levels.Get(price)
	if el == nil {
		return nil
	}
	lvl, _ := el.Value.(*priceLevel)
	return lvl
}

func (l *ladder) insert(o *Order) {
	lvl := l.level(o.Price)
	if lvl == nil {
		lvl = &priceLevel{price: o.Price}
		l.levels.Set(o.Price, lvl)
	}
	lvl.enqueue(o)
}

func (l *ladder) remove(o *Order) {
	lvl := l.level(o.Price)
	if lvl == nil {
		return
	}
	lvl.remove(o)
	if lvl.empty() {
		l.levels.Remove(o.Price)
	}
}

// reduce lowers the remaining quantity of a resting order in place,
// keeping its time priority.
func (l *ladder) reduce(o *Order, remaining decimal.Decimal) {
	if lvl := l.level(o.Price); lvl != nil {
		lvl.total = lvl.total.Sub(o.Remaining.Sub(remaining))
	}
	o.Remaining = remaining
}

func (l *ladder) quantityAt(price decimal.Decimal) decimal.Decimal {
	if lvl := l.level(price); lvl != nil {
		return lvl.total
	}
	return decimal.Zero
}

// walk visits levels best first until fn returns false.
func (l *ladder) walk(fn func(*priceLevel) bool) {
	for el := l.levels.Front(); el != nil; el = el.Next() {
		lvl, _ := el.Value.(*priceLevel)
		if !fn(lvl) {
			return
		}
	}
}

func (l *ladder) best() *priceLevel {
	el := l.levels.Front()
	if el == nil {
		return nil
	}
	lvl, _ := el.Value.(*priceLevel)
	return lvl
}

func (l *ladder) depth(n int) []DepthLevel {
	out := make([]DepthLevel, 0, max(n, 0))
	l.walk(func(lvl *priceLevel) bool {
		if n > 0 && len(out) >= n {
			return false
		}
		out = append(out, DepthLevel{Price: lvl.price, Quantity: lvl.total, Orders: lvl.count})
		return true
	})
	return out
}
