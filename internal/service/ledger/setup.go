package ledger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"wallet-ledger/pkg/config"
)

// NewFromConfig 按配置组装费率表、等级表和计算器
func NewFromConfig(cfg config.LedgerConfig, store RecordStore) (*Calculator, error) {
	rates, err := RateTableFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	tiers, err := TierTableFromConfig(cfg.Tiers)
	if err != nil {
		return nil, err
	}
	impact := NewImpactCalculator(ImpactFactors{
		CO2PerKg:      cfg.Impact.CO2PerKg,
		WaterPerKg:    cfg.Impact.WaterPerKg,
		LandfillPerKg: cfg.Impact.LandfillPerKg,
	}, cfg.Impact.PerMaterial, rates)

	return NewCalculator(store, rates, tiers, impact), nil
}

func RateTableFromConfig(cfg config.LedgerConfig) (*RateTable, error) {
	match, err := ParseMatchStrategy(cfg.Exclusion.Match)
	if err != nil {
		return nil, err
	}

	entries := make([]RateEntry, 0, len(cfg.Rates))
	for _, r := range cfg.Rates {
		e, err := rateFromConfig(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	fallback, err := rateFromConfig(cfg.DefaultRate)
	if err != nil {
		return nil, fmt.Errorf("default rate: %w", err)
	}

	return NewRateTable(entries, fallback, Exclusion{Markers: cfg.Exclusion.Markers, Match: match})
}

func TierTableFromConfig(cfg []config.TierConfig) (*TierTable, error) {
	tiers := make([]Tier, 0, len(cfg))
	for _, t := range cfg {
		tiers = append(tiers, Tier{Name: t.Name, MinWeightKg: t.MinWeightKg})
	}
	return NewTierTable(tiers)
}

func rateFromConfig(r config.RateConfig) (RateEntry, error) {
	price := decimal.Zero
	if r.PricePerKg != "" {
		p, err := decimal.NewFromString(r.PricePerKg)
		if err != nil {
			return RateEntry{}, fmt.Errorf("rate %q: invalid price %q: %w", r.Name, r.PricePerKg, err)
		}
		price = p
	}
	if price.IsNegative() {
		return RateEntry{}, fmt.Errorf("rate %q: negative price", r.Name)
	}
	return RateEntry{
		Category:      r.Name,
		PricePerKg:    price,
		PointsPerKg:   r.PointsPerKg,
		CO2PerKg:      r.CO2PerKg,
		WaterPerKg:    r.WaterPerKg,
		LandfillPerKg: r.LandfillPerKg,
	}, nil
}

// MergePrices 用 materials 表的单价覆盖配置中的单价; 只在表中出现的物料沿用默认费率的环保系数
func MergePrices(base []RateEntry, prices map[string]decimal.Decimal, fallback RateEntry) []RateEntry {
	byKey := make(map[string]decimal.Decimal, len(prices))
	names := make(map[string]string, len(prices))
	for name, price := range prices {
		key := normalize(name)
		if key == "" {
			continue
		}
		byKey[key] = price
		names[key] = strings.TrimSpace(name)
	}

	out := make([]RateEntry, 0, len(base)+len(byKey))
	seen := make(map[string]bool, len(base))
	for _, e := range base {
		key := normalize(e.Category)
		if price, ok := byKey[key]; ok {
			e.PricePerKg = price
		}
		seen[key] = true
		out = append(out, e)
	}

	extra := make([]string, 0, len(byKey))
	for key := range byKey {
		if !seen[key] {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		e := fallback
		e.Category = names[key]
		e.PricePerKg = byKey[key]
		out = append(out, e)
	}
	return out
}
