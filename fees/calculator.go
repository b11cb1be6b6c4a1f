package fees

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	// ErrUnknownCurrency signals the currency has no exchange-rate entry.
	ErrUnknownCurrency = errors.New("fees: unknown currency")
	// ErrInvalidConfig signals a rejected fee-table reload.
	ErrInvalidConfig = errors.New("fees: invalid config")
)

// Config holds the fee table. Flat amounts are denominated in the base
// currency and converted per quote; rates apply to the task price directly.
type Config struct {
	BaseCurrency     string
	CommissionRate   float64
	BookingFee       float64
	PerKmRate        float64
	FreeRadiusKm     float64
	PeakRate         float64
	HeavyFee         float64
	HeavyThresholdKg float64
	UrgentFee        float64
	// Rates maps currency code to its multiplier relative to a common unit.
	// Conversion is amount * toRate / fromRate.
	Rates map[string]float64
}

// DefaultConfig returns the production fee table (ZAR base).
func DefaultConfig() Config {
	return Config{
		BaseCurrency:     "ZAR",
		CommissionRate:   0.15,
		BookingFee:       8,
		PerKmRate:        5,
		FreeRadiusKm:     5,
		PeakRate:         0.10,
		HeavyFee:         25,
		HeavyThresholdKg: 10,
		UrgentFee:        15,
		Rates: map[string]float64{
			"ZAR": 1,
			"USD": 0.055,
			"EUR": 0.050,
			"GBP": 0.043,
		},
	}
}

// Input is one quote request. The caller validates the task price before
// invoking the calculator.
type Input struct {
	TaskPrice  float64
	Currency   string
	DistanceKm float64
	WeightKg   float64
	IsPeak     bool
	IsUrgent   bool
}

// Breakdown is a frozen fee computation for one funded task.
type Breakdown struct {
	Currency          string
	TaskPrice         float64
	BookingFee        float64
	Commission        float64
	DistanceSurcharge float64
	PeakSurcharge     float64
	WeightSurcharge   float64
	UrgencySurcharge  float64
	TotalSurcharges   float64
	TotalFees         float64
	TotalHeld         float64
	RunnersNet        float64
}

// Calculator computes deterministic fee breakdowns from an injected,
// reloadable fee table. Safe for concurrent use.
type Calculator struct {
	mu  sync.RWMutex
	cfg Config
}

func NewCalculator(cfg Config) (*Calculator, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	c := &Calculator{cfg: cfg}
	return c, nil
}

// Reload swaps the fee table. Quotes already frozen on escrows are never
// recomputed, so a reload only affects escrows created afterwards.
func (c *Calculator) Reload(cfg Config) error {
	if err := validate(cfg); err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	return nil
}

// Quote computes the fee breakdown for one task funding. Pure: no I/O, no
// mutation, identical inputs always yield identical outputs.
func (c *Calculator) Quote(in Input) (Breakdown, error) {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()

	toRate, ok := cfg.Rates[in.Currency]
	if !ok {
		return Breakdown{}, fmt.Errorf("%w: %s", ErrUnknownCurrency, in.Currency)
	}
	fromRate := cfg.Rates[cfg.BaseCurrency]

	// Money-bearing amounts round to 2 decimals at every step; the rate
	// ratio itself is never rounded.
	convert := func(amount float64) float64 {
		return round2(amount * toRate / fromRate)
	}

	b := Breakdown{
		Currency:   in.Currency,
		TaskPrice:  round2(in.TaskPrice),
		BookingFee: convert(cfg.BookingFee),
		Commission: round2(in.TaskPrice * cfg.CommissionRate),
	}

	if in.DistanceKm > cfg.FreeRadiusKm {
		b.DistanceSurcharge = round2(convert(cfg.PerKmRate) * in.DistanceKm)
	}
	if in.IsPeak {
		b.PeakSurcharge = round2(in.TaskPrice * cfg.PeakRate)
	}
	if in.WeightKg > cfg.HeavyThresholdKg {
		b.WeightSurcharge = convert(cfg.HeavyFee)
	}
	if in.IsUrgent {
		b.UrgencySurcharge = convert(cfg.UrgentFee)
	}

	b.TotalSurcharges = round2(b.DistanceSurcharge + b.PeakSurcharge + b.WeightSurcharge + b.UrgencySurcharge)
	b.TotalFees = round2(b.BookingFee + b.TotalSurcharges)
	// Held amount excludes surcharges: the platform advances them to the
	// runner at release and recovers them from the client-side charge.
	b.TotalHeld = round2(b.TaskPrice + b.BookingFee)
	b.RunnersNet = round2(b.TaskPrice + b.TotalSurcharges - b.Commission)

	return b, nil
}

func validate(cfg Config) error {
	if cfg.BaseCurrency == "" {
		return fmt.Errorf("%w: missing base currency", ErrInvalidConfig)
	}
	base, ok := cfg.Rates[cfg.BaseCurrency]
	if !ok || base <= 0 {
		return fmt.Errorf("%w: base currency %s has no positive rate", ErrInvalidConfig, cfg.BaseCurrency)
	}
	for code, rate := range cfg.Rates {
		if rate <= 0 {
			return fmt.Errorf("%w: currency %s has non-positive rate", ErrInvalidConfig, code)
		}
	}
	if cfg.CommissionRate < 0 || cfg.CommissionRate >= 1 {
		return fmt.Errorf("%w: commission rate out of range", ErrInvalidConfig)
	}
	if cfg.BookingFee < 0 || cfg.PerKmRate < 0 || cfg.HeavyFee < 0 || cfg.UrgentFee < 0 {
		return fmt.Errorf("%w: negative flat fee", ErrInvalidConfig)
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
