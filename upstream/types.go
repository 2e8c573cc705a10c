package upstream

import (
	"sort"
	"strings"
	"time"
)

// Contract describes one tradable series of the catalog.
type Contract struct {
	// Symbol is the client-facing identifier, e.g. "TMF202606", or a
	// near-month pseudo-symbol such as "TMFR1".
	Symbol string `json:"symbol"`
	// Code is the exchange's opaque identifier, e.g. "TMFB6". It differs
	// from Symbol and changes as contracts roll.
	Code          string  `json:"code"`
	Name          string  `json:"name,omitempty"`
	Category      string  `json:"category"` // Product family, e.g. "TMF".
	DeliveryMonth string  `json:"delivery_month,omitempty"`
	LimitUp       float64 `json:"limit_up,omitempty"`
	LimitDown     float64 `json:"limit_down,omitempty"`
	Reference     float64 `json:"reference,omitempty"`
}

// IsPseudo reports whether the contract is a role-based pseudo-symbol
// (near-month "R1" or next-month "R2") rather than a specific series.
func (c *Contract) IsPseudo() bool {
	return strings.HasSuffix(c.Symbol, "R1") || strings.HasSuffix(c.Symbol, "R2")
}

// Catalog is the contract catalog loaded at login, grouped by product family.
type Catalog struct {
	families map[string][]*Contract
	bySymbol map[string]*Contract
	byCode   map[string]*Contract
}

// NewCatalog indexes the given contracts.
func NewCatalog(contracts []*Contract) *Catalog {
	var c = &Catalog{
		families: make(map[string][]*Contract),
		bySymbol: make(map[string]*Contract),
		byCode:   make(map[string]*Contract),
	}
	for _, contract := range contracts {
		c.families[contract.Category] = append(c.families[contract.Category], contract)
		c.bySymbol[contract.Symbol] = contract
		if contract.Code != "" {
			c.byCode[contract.Code] = contract
		}
	}
	for _, family := range c.families {
		sort.Slice(family, func(i, j int) bool {
			return family[i].DeliveryMonth < family[j].DeliveryMonth
		})
	}
	return c
}

// Find returns the contract with the given symbol or exchange code,
// or nil if the catalog has neither.
func (c *Catalog) Find(symbolOrCode string) *Contract {
	if contract, ok := c.bySymbol[symbolOrCode]; ok {
		return contract
	}
	return c.byCode[symbolOrCode]
}

// Families returns the sorted product family names.
func (c *Catalog) Families() []string {
	var out = make([]string, 0, len(c.families))
	for family := range c.families {
		out = append(out, family)
	}
	sort.Strings(out)
	return out
}

// Family returns the family's contracts ordered by delivery month,
// pseudo-symbols last.
func (c *Catalog) Family(name string) []*Contract {
	var real, pseudo []*Contract
	for _, contract := range c.families[name] {
		if contract.IsPseudo() {
			pseudo = append(pseudo, contract)
		} else {
			real = append(real, contract)
		}
	}
	return append(real, pseudo...)
}

// Resolve maps a pseudo-symbol to the specific series filling its role:
// the soonest delivery for "R1", the second-soonest for "R2". Specific
// contracts resolve to themselves.
func (c *Catalog) Resolve(contract *Contract) *Contract {
	if contract == nil || !contract.IsPseudo() {
		return contract
	}
	var nth = 0
	if strings.HasSuffix(contract.Symbol, "R2") {
		nth = 1
	}
	var series []*Contract
	for _, other := range c.families[contract.Category] {
		if !other.IsPseudo() {
			series = append(series, other)
		}
	}
	if nth >= len(series) {
		return nil
	}
	return series[nth]
}

// Len is the number of catalog contracts.
func (c *Catalog) Len() int { return len(c.bySymbol) }

// Position is one open position of the account.
type Position struct {
	Code      string  `json:"code"`
	Direction Side    `json:"direction"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
	LastPrice float64 `json:"last_price,omitempty"`
	PnL       float64 `json:"pnl"`
}

// Margin is the account's margin summary.
type Margin struct {
	YesterdayBalance  float64 `json:"yesterday_balance"`
	TodayBalance      float64 `json:"today_balance"`
	DepositWithdrawal float64 `json:"deposit_withdrawal"`
	Fee               float64 `json:"fee"`
	Tax               float64 `json:"tax"`
	InitialMargin     float64 `json:"initial_margin"`
	MaintenanceMargin float64 `json:"maintenance_margin"`
	MarginCall        float64 `json:"margin_call"`
	RiskIndicator     float64 `json:"risk_indicator"`
	Royalty           float64 `json:"royalty"`
	Equity            float64 `json:"equity"`
	AvailableMargin   float64 `json:"available_margin"`
}

// ProfitLoss is one realized profit/loss row.
type ProfitLoss struct {
	Code       string  `json:"code"`
	Quantity   int     `json:"quantity"`
	PnL        float64 `json:"pnl"`
	EntryPrice float64 `json:"entry_price"`
	CoverPrice float64 `json:"cover_price"`
	Date       string  `json:"date"`
}

// Trade is one account fill.
type Trade struct {
	Code     string    `json:"code"`
	Side     Side      `json:"action"`
	Price    float64   `json:"price"`
	Quantity int       `json:"quantity"`
	Seqno    string    `json:"seqno"`
	Ordno    string    `json:"ordno"`
	At       time.Time `json:"ts"`
}

// Settlement is one daily settlement amount.
type Settlement struct {
	Date   string  `json:"date"`
	Amount float64 `json:"amount"`
}

// Usage reports consumption of the upstream API data budget.
type Usage struct {
	Bytes     int64 `json:"bytes"`
	Limit     int64 `json:"limit_bytes"`
	Remaining int64 `json:"remaining_bytes"`
}

// Snapshot is a one-shot market snapshot of a contract.
type Snapshot struct {
	Code        string    `json:"code"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	ChangePrice float64   `json:"change_price"`
	ChangeRate  float64   `json:"change_rate"`
	Volume      int64     `json:"volume"`
	TotalVolume int64     `json:"total_volume"`
	BuyPrice    float64   `json:"buy_price"`
	BuyVolume   int64     `json:"buy_volume"`
	SellPrice   float64   `json:"sell_price"`
	SellVolume  int64     `json:"sell_volume"`
	Amount      float64   `json:"amount"`
	TotalAmount float64   `json:"total_amount"`
	At          time.Time `json:"at"`
}

// TickEvent is a pushed trade tick, keyed by exchange code.
type TickEvent struct {
	Code        string
	Close       float64
	Open        float64
	High        float64
	Low         float64
	ChangePrice float64
	ChangeRate  float64
	Volume      int64
	TotalVolume int64
	At          time.Time
}

// BidAskEvent is a pushed best bid/ask update, keyed by exchange code.
type BidAskEvent struct {
	Code      string
	BidPrice  float64
	BidVolume int64
	AskPrice  float64
	AskVolume int64
	At        time.Time
}

// OrderTicket is the upstream's view of one order.
type OrderTicket struct {
	OrderID        string      `json:"order_id"`
	Seqno          string      `json:"seqno,omitempty"`
	Ordno          string      `json:"ordno,omitempty"`
	Status         OrderStatus `json:"status"`
	FillQuantity   int         `json:"fill_quantity"`
	FillPrice      float64     `json:"fill_price"`
	CancelQuantity int         `json:"cancel_quantity,omitempty"`
	Message        string      `json:"message,omitempty"`
	Deals          []Deal      `json:"deals,omitempty"`
}

// Deal is one fill of an order.
type Deal struct {
	Price    float64   `json:"price"`
	Quantity int       `json:"quantity"`
	At       time.Time `json:"ts"`
}
