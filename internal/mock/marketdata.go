package mock

import (
	"context"
	"sync"

	"tradecore/internal/core"
	apperrors "tradecore/pkg/errors"
)

// MockMarketData serves quotes from an in-memory table.
type MockMarketData struct {
	mu     sync.Mutex
	quotes map[string]core.Quote

	QuoteErr error // returned for every symbol when set
}

func NewMockMarketData() *MockMarketData {
	return &MockMarketData{quotes: make(map[string]core.Quote)}
}

// SetQuote installs or replaces the quote for a symbol.
func (m *MockMarketData) SetQuote(q core.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.Symbol] = q
}

func (m *MockMarketData) GetQuote(ctx context.Context, symbol string) (core.Quote, error) {
	if m.QuoteErr != nil {
		return core.Quote{}, m.QuoteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[symbol]
	if !ok {
		return core.Quote{}, apperrors.ErrQuoteUnavailable
	}
	return q, nil
}
