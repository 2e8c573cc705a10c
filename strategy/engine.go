package strategy

import "fmt"

// Direction is the strategy's logical position direction.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
)

// Action is what a Signal asks the runner to do.
type Action string

const (
	// ActionBuy opens a long position.
	ActionBuy Action = "buy"
	// ActionSell opens a short position.
	ActionSell Action = "sell"
	// ActionClose exits the current position. If Signal.Reverse is set the
	// runner re-enters in that direction once the exit completes.
	ActionClose Action = "close"
	// ActionNone holds.
	ActionNone Action = "none"
)

// Signal is one strategy decision.
type Signal struct {
	Action Action
	// Reverse asks for a re-entry in this direction after an ActionClose.
	Reverse Direction
	Reason  string
	MAFast  float64
	MASlow  float64
}

// SMA computes the simple moving average of the trailing |period| prices,
// or 0 with ok=false when fewer prices exist.
func SMA(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period {
		return 0, false
	}
	var sum float64
	for _, p := range prices[len(prices)-period:] {
		sum += p
	}
	return sum / float64(period), true
}

// Engine evaluates fast/slow SMA crosses over a close-price series.
// A golden cross (fast rising through slow) goes long; a death cross goes
// short; a cross against the held direction closes and asks for a reversal.
type Engine struct {
	fastPeriod int
	slowPeriod int
}

// NewEngine builds an Engine with the given SMA periods.
func NewEngine(fastPeriod, slowPeriod int) *Engine {
	if fastPeriod <= 0 {
		fastPeriod = 5
	}
	if slowPeriod <= 0 {
		slowPeriod = 20
	}
	return &Engine{fastPeriod: fastPeriod, slowPeriod: slowPeriod}
}

// Evaluate derives a Signal from |closes| (oldest first) and the currently
// held |position|. Cross detection compares the fast-slow difference of the
// latest bar against the bar before it, so at least slowPeriod+1 closes are
// required.
func (e *Engine) Evaluate(closes []float64, position Direction) Signal {
	var required = e.slowPeriod + 1
	if len(closes) < required {
		return Signal{
			Action: ActionNone,
			Reason: fmt.Sprintf("warming up (%d of %d bars)", len(closes), required),
		}
	}

	var currFast, _ = SMA(closes, e.fastPeriod)
	var currSlow, _ = SMA(closes, e.slowPeriod)
	var prevFast, _ = SMA(closes[:len(closes)-1], e.fastPeriod)
	var prevSlow, _ = SMA(closes[:len(closes)-1], e.slowPeriod)

	var currDiff = currFast - currSlow
	var prevDiff = prevFast - prevSlow

	switch {
	case prevDiff <= 0 && currDiff > 0:
		return e.goldenCross(position, currFast, currSlow)
	case prevDiff >= 0 && currDiff < 0:
		return e.deathCross(position, currFast, currSlow)
	}
	return Signal{Action: ActionNone, Reason: "no cross", MAFast: currFast, MASlow: currSlow}
}

func (e *Engine) goldenCross(position Direction, fast, slow float64) Signal {
	var s = Signal{MAFast: fast, MASlow: slow}
	switch position {
	case Short:
		s.Action, s.Reverse, s.Reason = ActionClose, Long, "golden cross against short position"
	case Flat:
		s.Action, s.Reason = ActionBuy, "golden cross"
	default:
		s.Action, s.Reason = ActionNone, "golden cross, already long"
	}
	return s
}

func (e *Engine) deathCross(position Direction, fast, slow float64) Signal {
	var s = Signal{MAFast: fast, MASlow: slow}
	switch position {
	case Long:
		s.Action, s.Reverse, s.Reason = ActionClose, Short, "death cross against long position"
	case Flat:
		s.Action, s.Reason = ActionSell, "death cross"
	default:
		s.Action, s.Reason = ActionNone, "death cross, already short"
	}
	return s
}
