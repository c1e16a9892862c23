package position

import (
	"sort"
	"time"
)

// ExitLevel pairs a profit/loss trigger with the share of the original
// amount to liquidate once it fires. TriggerPercent is positive for take
// profit and negative for stop loss.
type ExitLevel struct {
	TriggerPercent float64
	SellPercent    float64
}

// Reason explains why an evaluation wants to sell.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonTakeProfit
	ReasonStopLoss
	ReasonTimeout
)

func (r Reason) String() string {
	switch r {
	case ReasonTakeProfit:
		return "take_profit"
	case ReasonStopLoss:
		return "stop_loss"
	case ReasonTimeout:
		return "timeout"
	default:
		return "none"
	}
}

// Decision is the outcome of one evaluation tick for one position.
type Decision struct {
	SellAmount uint64
	Reason     Reason
	Price      float64
	// FiredTP and FiredSL carry the level indices (into the configured
	// tables) that fired this tick. They are applied to the position only
	// after the sell succeeds.
	FiredTP []int
	FiredSL []int
}

// Levels is a validated TP/SL table with precomputed evaluation order:
// TP ascending by trigger, SL descending (least severe loss first).
type Levels struct {
	TP []ExitLevel
	SL []ExitLevel

	tpOrder []int
	slOrder []int
}

// NewLevels captures the configured tables. Triggered-level indices stored
// on positions refer to the original table order, which stays stable.
func NewLevels(tp, sl []ExitLevel) *Levels {
	l := &Levels{
		TP: append([]ExitLevel(nil), tp...),
		SL: append([]ExitLevel(nil), sl...),
	}
	l.tpOrder = make([]int, len(tp))
	for i := range l.tpOrder {
		l.tpOrder[i] = i
	}
	sort.SliceStable(l.tpOrder, func(a, b int) bool {
		return tp[l.tpOrder[a]].TriggerPercent < tp[l.tpOrder[b]].TriggerPercent
	})

	l.slOrder = make([]int, len(sl))
	for i := range l.slOrder {
		l.slOrder[i] = i
	}
	sort.SliceStable(l.slOrder, func(a, b int) bool {
		return sl[l.slOrder[a]].TriggerPercent > sl[l.slOrder[b]].TriggerPercent
	})
	return l
}

// Evaluate runs one tick of the exit state machine against price. It never
// mutates p; the caller applies the decision after the sell lands.
func (l *Levels) Evaluate(p *Position, price float64, now time.Time, timeout time.Duration) Decision {
	if p.RemainingAmount == 0 {
		return Decision{}
	}

	// A timed-out position exits whole, on whatever price we have.
	if now.Sub(p.BuyTime) >= timeout {
		return Decision{
			SellAmount: p.RemainingAmount,
			Reason:     ReasonTimeout,
			Price:      price,
		}
	}

	profit := p.ProfitPercent(price)
	d := Decision{Price: price}
	var sell float64

	for _, idx := range l.tpOrder {
		if _, done := p.TriggeredTP[idx]; done {
			continue
		}
		if profit >= l.TP[idx].TriggerPercent {
			sell += l.TP[idx].SellPercent / 100 * float64(p.OriginalAmount)
			d.FiredTP = append(d.FiredTP, idx)
		}
	}
	for _, idx := range l.slOrder {
		if _, done := p.TriggeredSL[idx]; done {
			continue
		}
		if profit <= l.SL[idx].TriggerPercent {
			sell += l.SL[idx].SellPercent / 100 * float64(p.OriginalAmount)
			d.FiredSL = append(d.FiredSL, idx)
		}
	}

	if sell <= 0 {
		return d
	}

	amount := uint64(sell)
	if amount > p.RemainingAmount {
		amount = p.RemainingAmount
	}
	d.SellAmount = amount

	switch {
	case len(d.FiredSL) > 0:
		d.Reason = ReasonStopLoss
	default:
		d.Reason = ReasonTakeProfit
	}
	return d
}
