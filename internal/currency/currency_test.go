package currency

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestConvert(t *testing.T) {
	table, err := ParseRates(map[string]string{
		"EUR":            "1.08",
		"EUR@2024-01-01": "1.10",
		"eur@2024-06-01": "1.07",
		"MMK@2024-01-01": "0.000476",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, table.Len())

	tests := []struct {
		name     string
		amount   string
		currency string
		date     string
		wantUSD  string
		wantRate string
		wantOK   bool
	}{
		{name: "usd passes through", amount: "1000.005", currency: "usd", date: "2024-03-01", wantUSD: "1000.005", wantRate: "1", wantOK: true},
		{name: "pinned rate on or before date", amount: "1000", currency: "EUR", date: "2024-03-01", wantUSD: "1100", wantRate: "1.1", wantOK: true},
		{name: "latest pinned rate wins", amount: "1000", currency: "EUR", date: "2024-07-15", wantUSD: "1070", wantRate: "1.07", wantOK: true},
		{name: "unpinned rate before first pin", amount: "1000", currency: "EUR", date: "2023-12-31", wantUSD: "1080", wantRate: "1.08", wantOK: true},
		{name: "unpinned rate without date", amount: "10", currency: "EUR", wantUSD: "10.8", wantRate: "1.08", wantOK: true},
		{name: "rounded to cents", amount: "1234567", currency: "MMK", date: "2024-02-01", wantUSD: "587.65", wantRate: "0.000476", wantOK: true},
		{name: "no rate before first pin", amount: "1000", currency: "MMK", date: "2023-06-01"},
		{name: "unknown currency", amount: "1000", currency: "GBP", date: "2024-03-01"},
		{name: "zero amount", amount: "0", currency: "EUR", date: "2024-03-01"},
		{name: "negative amount", amount: "-5", currency: "EUR", date: "2024-03-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := table.Convert(amount(tt.amount), tt.currency, tt.date)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.True(t, got.USD.Equal(decimal.RequireFromString(tt.wantUSD)), "usd %s, want %s", got.USD, tt.wantUSD)
			assert.True(t, got.Rate.Equal(decimal.RequireFromString(tt.wantRate)), "rate %s, want %s", got.Rate, tt.wantRate)
		})
	}
}

func TestNilTableConvertsOnlyUSD(t *testing.T) {
	var table *Table
	_, ok := table.Convert(amount("10"), "EUR", "2024-03-01")
	assert.False(t, ok)
	got, ok := table.Convert(amount("10"), "USD", "2024-03-01")
	require.True(t, ok)
	assert.Equal(t, "10", got.USD.String())
	_, ok = table.Convert(nil, "USD", "")
	assert.False(t, ok)
}

func TestParseRatesRejectsBadEntries(t *testing.T) {
	for _, raw := range []map[string]string{
		{"EURO": "1.08"},
		{"EUR@2024-13-01": "1.08"},
		{"EUR": "one"},
		{"EUR": "0"},
		{"EUR@2024-01-01": "1.1", "eur@2024-01-01": "1.2"},
	} {
		_, err := ParseRates(raw)
		assert.Error(t, err, "%v", raw)
	}

	table, err := ParseRates(nil)
	require.NoError(t, err)
	assert.Zero(t, table.Len())
}

func TestConcurrentLookups(t *testing.T) {
	table, err := ParseRates(map[string]string{"EUR": "1.08"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rate, ok := table.Rate("EUR", "2024-03-01")
			assert.True(t, ok)
			assert.Equal(t, "1.08", rate.String())
		}()
	}
	wg.Wait()
}
