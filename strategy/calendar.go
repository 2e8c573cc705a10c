package strategy

import "time"

// Futures trading sessions: the day session runs 08:45-13:45 and the night
// session 15:00 through 05:00 of the next day. Ticks outside these windows
// never feed the strategy.
var (
	daySessionStart   = sessionTime(8, 45)
	daySessionEnd     = sessionTime(13, 45)
	nightSessionStart = sessionTime(15, 0)
	nightSessionEnd   = sessionTime(5, 0)
)

func sessionTime(hour, minute int) int { return hour*60 + minute }

// InTradingSession reports whether |at| falls inside a trading session.
func InTradingSession(at time.Time) bool {
	var t = sessionTime(at.Hour(), at.Minute())

	if t >= daySessionStart && t <= daySessionEnd {
		return true
	}
	// The night session spans midnight.
	return t >= nightSessionStart || t <= nightSessionEnd
}
