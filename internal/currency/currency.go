// Package currency converts transaction values to US dollars from a table of
// configured exchange rates.
//
// A rate is keyed by currency code, optionally pinned to a date:
//
//	EUR             1.08
//	EUR@2024-03-01  1.0921
//
// A lookup for a date uses the latest pinned rate on or before it and falls
// back to the unpinned rate.
package currency

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// USD is the target currency of every conversion.
const USD = "USD"

const dateLayout = "2006-01-02"

var one = decimal.NewFromInt(1)

// Conversion is a value expressed in USD and the rate that produced it.
type Conversion struct {
	USD  decimal.Decimal
	Rate decimal.Decimal
}

type datedRate struct {
	date string // empty for the unpinned rate
	rate decimal.Decimal
}

// Table holds exchange rates to USD. Lookups are memoized per currency and
// date. A nil Table converts nothing but USD.
type Table struct {
	rates map[string][]datedRate

	mu    sync.Mutex
	cache map[string]*decimal.Decimal
}

// ParseRates builds a Table from "CUR" or "CUR@YYYY-MM-DD" keys mapped to
// decimal rates, each the USD value of one unit of the currency.
func ParseRates(raw map[string]string) (*Table, error) {
	t := &Table{rates: make(map[string][]datedRate), cache: make(map[string]*decimal.Decimal)}
	for key, value := range raw {
		code, date, _ := strings.Cut(strings.TrimSpace(key), "@")
		code = strings.ToUpper(strings.TrimSpace(code))
		if len(code) != 3 {
			return nil, errors.Errorf("currency rate %q: want a three-letter currency code", key)
		}
		if date != "" {
			if _, err := time.Parse(dateLayout, date); err != nil {
				return nil, errors.Wrapf(err, "currency rate %q: date", key)
			}
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, errors.Wrapf(err, "currency rate %q", key)
		}
		if !rate.IsPositive() {
			return nil, errors.Errorf("currency rate %q: must be positive, got %s", key, rate)
		}
		t.rates[code] = append(t.rates[code], datedRate{date: date, rate: rate})
	}
	for code, rates := range t.rates {
		sort.Slice(rates, func(i, j int) bool { return rates[i].date < rates[j].date })
		for i := 1; i < len(rates); i++ {
			if rates[i].date == rates[i-1].date {
				return nil, errors.Errorf("currency rate %s: date %q given twice", code, rates[i].date)
			}
		}
	}
	return t, nil
}

// Len returns the number of configured rates.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, rates := range t.rates {
		n += len(rates)
	}
	return n
}

// Rate returns the USD value of one unit of code on date.
func (t *Table) Rate(code, date string) (decimal.Decimal, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == USD {
		return one, true
	}
	if t == nil {
		return decimal.Decimal{}, false
	}

	key := code + "|" + date
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.cache[key]; ok {
		if r == nil {
			return decimal.Decimal{}, false
		}
		return *r, true
	}
	r := t.lookup(code, date)
	t.cache[key] = r
	if r == nil {
		return decimal.Decimal{}, false
	}
	return *r, true
}

func (t *Table) lookup(code, date string) *decimal.Decimal {
	rates := t.rates[code]
	// Sorted ascending, so the unpinned rate comes first.
	for i := len(rates) - 1; i >= 0; i-- {
		r := rates[i]
		if r.date == "" || (date != "" && r.date <= date) {
			return &r.rate
		}
	}
	return nil
}

// Convert expresses amount in USD, rounded to cents. Only positive amounts
// in a currency with a rate for date convert. USD amounts pass through
// unchanged.
func (t *Table) Convert(amount *decimal.Decimal, code, date string) (Conversion, bool) {
	if amount == nil || !amount.IsPositive() {
		return Conversion{}, false
	}
	rate, ok := t.Rate(code, date)
	if !ok {
		return Conversion{}, false
	}
	if rate.Equal(one) {
		return Conversion{USD: *amount, Rate: one}, true
	}
	return Conversion{USD: amount.Mul(rate).RoundBank(2), Rate: rate}, true
}
