// Package monitor provides the market-monitoring domain on top of the
// orchestration core: broker interfaces with a mock implementation, the
// task operations workflows schedule, monitoring plans, and the parent and
// per-symbol workflow definitions.
package monitor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Quote is a point-in-time price observation.
type Quote struct {
	Symbol string    `json:"symbol" msgpack:"symbol"`
	Price  float64   `json:"price" msgpack:"price"`
	At     time.Time `json:"at" msgpack:"at"`
}

// MarketData supplies price data. Implementations may be remote and slow;
// calls run inside durable tasks, never inside workflow logic.
type MarketData interface {
	// ValidateSymbol reports whether the symbol is tradeable. Unknown
	// symbols return an error.
	ValidateSymbol(ctx context.Context, symbol string) error

	// GetQuote returns the current quote for a symbol.
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
}

// Order sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order is a trade request.
type Order struct {
	Symbol   string `json:"symbol" msgpack:"symbol"`
	Side     string `json:"side" msgpack:"side"`
	Quantity int    `json:"quantity" msgpack:"quantity"`
}

// Execution is the broker's record of a filled order.
type Execution struct {
	OrderID  string    `json:"order_id" msgpack:"order_id"`
	Symbol   string    `json:"symbol" msgpack:"symbol"`
	Side     string    `json:"side" msgpack:"side"`
	Quantity int       `json:"quantity" msgpack:"quantity"`
	Price    float64   `json:"price" msgpack:"price"`
	At       time.Time `json:"at" msgpack:"at"`
}

// Trader executes orders.
type Trader interface {
	ExecuteOrder(ctx context.Context, o *Order) (*Execution, error)
}

// MockBroker implements MarketData and Trader with a seeded pseudo-random
// walk over fixed base prices. Deterministic for a given seed and call
// sequence, which keeps tests hermetic.
type MockBroker struct {
	mu         sync.Mutex
	prices     map[string]float64
	rng        *rand.Rand
	volatility float64
	orderSeq   int
}

// defaultBasePrices seeds the walk for the known symbols.
var defaultBasePrices = map[string]float64{
	"AAPL": 180.00,
	"MSFT": 420.00,
	"GOOG": 175.00,
	"AMZN": 185.00,
	"TSLA": 250.00,
	"NVDA": 130.00,
}

// NewMockBroker creates a broker walking the default symbols with ±2% per
// quote.
func NewMockBroker(seed uint64) *MockBroker {
	prices := make(map[string]float64, len(defaultBasePrices))
	for sym, p := range defaultBasePrices {
		prices[sym] = p
	}
	return &MockBroker{
		prices:     prices,
		rng:        rand.New(rand.NewPCG(seed, seed)),
		volatility: 0.02,
	}
}

// SetVolatility adjusts the per-quote price step. Useful in tests to force
// or suppress threshold crossings.
func (b *MockBroker) SetVolatility(v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.volatility = v
}

// SetPrice pins a symbol's current price.
func (b *MockBroker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// ValidateSymbol reports an error for symbols the broker does not track.
func (b *MockBroker) ValidateSymbol(_ context.Context, symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.prices[symbol]; !ok {
		return fmt.Errorf("unknown symbol %q", symbol)
	}
	return nil
}

// GetQuote advances the symbol's walk one step and returns the new price.
func (b *MockBroker) GetQuote(_ context.Context, symbol string) (*Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	price, ok := b.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol %q", symbol)
	}
	step := (b.rng.Float64()*2 - 1) * b.volatility
	price = price * (1 + step)
	b.prices[symbol] = price

	return &Quote{Symbol: symbol, Price: price, At: time.Now().UTC()}, nil
}

// ExecuteOrder fills the order at the symbol's current price.
func (b *MockBroker) ExecuteOrder(_ context.Context, o *Order) (*Execution, error) {
	if o.Side != SideBuy && o.Side != SideSell {
		return nil, fmt.Errorf("invalid order side %q", o.Side)
	}
	if o.Quantity <= 0 {
		return nil, fmt.Errorf("invalid order quantity %d", o.Quantity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	price, ok := b.prices[o.Symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol %q", o.Symbol)
	}
	b.orderSeq++

	return &Execution{
		OrderID:  fmt.Sprintf("ord-%s-%d", o.Symbol, b.orderSeq),
		Symbol:   o.Symbol,
		Side:     o.Side,
		Quantity: o.Quantity,
		Price:    price,
		At:       time.Now().UTC(),
	}, nil
}
