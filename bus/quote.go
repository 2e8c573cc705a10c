package bus

// QuoteType discriminates tick trades from bid/ask book updates.
type QuoteType string

const (
	QuoteTick   QuoteType = "tick"
	QuoteBidAsk QuoteType = "bidask"
)

// Quote is the normalized market-data shape published on quote channels.
// Symbol is always the client-facing alias under which the subscription was
// made, never the raw exchange code (which lives in Code).
type Quote struct {
	Symbol      string    `json:"symbol"`
	Code        string    `json:"code"`
	Type        QuoteType `json:"quote_type"`
	Close       float64   `json:"close,omitempty"`
	Open        float64   `json:"open,omitempty"`
	High        float64   `json:"high,omitempty"`
	Low         float64   `json:"low,omitempty"`
	ChangePrice float64   `json:"change_price,omitempty"`
	ChangeRate  float64   `json:"change_rate,omitempty"`
	Volume      int64     `json:"volume,omitempty"`
	TotalVolume int64     `json:"total_volume,omitempty"`
	BuyPrice    float64   `json:"buy_price,omitempty"`
	BuyVolume   int64     `json:"buy_volume,omitempty"`
	SellPrice   float64   `json:"sell_price,omitempty"`
	SellVolume  int64     `json:"sell_volume,omitempty"`
	Timestamp   int64     `json:"timestamp"` // Milliseconds since the Unix epoch.
}
