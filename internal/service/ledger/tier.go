package ledger

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Tier 奖励等级, MinWeightKg 为进入该等级所需的累计回收重量
type Tier struct {
	Name        string  `json:"name"`
	MinWeightKg float64 `json:"min_weight_kg"`
}

// TierTable 按最低重量升序排列的等级表
type TierTable struct {
	tiers []Tier
}

func NewTierTable(tiers []Tier) (*TierTable, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("tier table is empty")
	}

	sorted := append([]Tier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinWeightKg < sorted[j].MinWeightKg
	})

	seen := make(map[string]bool, len(sorted))
	for i, t := range sorted {
		name := strings.ToLower(strings.TrimSpace(t.Name))
		if name == "" {
			return nil, fmt.Errorf("tier #%d has empty name", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate tier %q", t.Name)
		}
		seen[name] = true
		if t.MinWeightKg < 0 || math.IsNaN(t.MinWeightKg) || math.IsInf(t.MinWeightKg, 0) {
			return nil, fmt.Errorf("tier %q has invalid minimum %v", t.Name, t.MinWeightKg)
		}
		if i > 0 && t.MinWeightKg == sorted[i-1].MinWeightKg {
			return nil, fmt.Errorf("tiers %q and %q share minimum %v", sorted[i-1].Name, t.Name, t.MinWeightKg)
		}
	}
	if sorted[0].MinWeightKg != 0 {
		return nil, fmt.Errorf("lowest tier %q must start at 0kg", sorted[0].Name)
	}

	return &TierTable{tiers: sorted}, nil
}

func (t *TierTable) Tiers() []Tier {
	return append([]Tier(nil), t.tiers...)
}

// TierFor 返回最低重量 <= weightKg 的最高等级
func (t *TierTable) TierFor(weightKg float64) Tier {
	return t.tiers[t.index(weightKg)]
}

// Rank 等级序号, 未知等级返回 -1
func (t *TierTable) Rank(name string) int {
	for i, tier := range t.tiers {
		if strings.EqualFold(tier.Name, name) {
			return i
		}
	}
	return -1
}

// NextTier 计算升级进度. 已是最高等级时 Next 为 nil, 进度 100%
func (t *TierTable) NextTier(weightKg float64) TierProgress {
	i := t.index(weightKg)
	current := t.tiers[i]

	if i == len(t.tiers)-1 {
		return TierProgress{
			Current:            current.Name,
			ProgressPercentage: 100,
		}
	}

	next := t.tiers[i+1]
	name := next.Name
	span := next.MinWeightKg - current.MinWeightKg
	pct := (weightKg - current.MinWeightKg) / span * 100

	return TierProgress{
		Current:            current.Name,
		Next:               &name,
		WeightNeededKg:     round(math.Max(0, next.MinWeightKg-weightKg), 3),
		ProgressPercentage: round(clamp(pct, 0, 100), 2),
	}
}

func (t *TierTable) index(weightKg float64) int {
	if math.IsNaN(weightKg) || weightKg < 0 {
		weightKg = 0
	}
	// 第一个最低重量 > weightKg 的位置, 前一个即当前等级
	i := sort.Search(len(t.tiers), func(i int) bool {
		return t.tiers[i].MinWeightKg > weightKg
	})
	return i - 1
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
