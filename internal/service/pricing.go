package service

import (
	"fmt"
	"math"

	"cinebook/internal/config"
	"cinebook/internal/domain"
	"cinebook/internal/models"
)

// DefaultMultipliers apply when the configuration leaves a tier unset.
var DefaultMultipliers = map[models.SeatTier]float64{
	models.TierRegular: 1.0,
	models.TierPremium: 1.5,
	models.TierVIP:     2.0,
}

// Pricing turns a showtime base price into a per seat price.
type Pricing struct {
	multipliers map[models.SeatTier]float64
}

func NewPricing(cfg config.PricingConfig) *Pricing {
	m := make(map[models.SeatTier]float64, len(DefaultMultipliers))
	for tier, mult := range DefaultMultipliers {
		m[tier] = mult
	}
	for tier, mult := range cfg.TierMultipliers {
		if mult > 0 {
			m[models.SeatTier(tier)] = mult
		}
	}
	return &Pricing{multipliers: m}
}

func (p *Pricing) Multiplier(tier models.SeatTier) (float64, error) {
	m, ok := p.multipliers[tier]
	if !ok {
		return 0, fmt.Errorf("%w: no multiplier for tier %q", domain.ErrInvalidArgument, tier)
	}
	return m, nil
}

// SeatPrice returns round(base * multiplier) in minor units.
func (p *Pricing) SeatPrice(basePrice int64, tier models.SeatTier) (int64, error) {
	m, err := p.Multiplier(tier)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(float64(basePrice) * m)), nil
}
