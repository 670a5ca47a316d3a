package ledger

import "sort"

// ImpactFactors 每公斤回收物对应的减排系数
type ImpactFactors struct {
	CO2PerKg      float64
	WaterPerKg    float64
	LandfillPerKg float64
}

// ImpactCalculator 环保效益估算. 默认使用单一混合系数;
// perMaterial 打开时按物料分别取费率表中的系数
type ImpactCalculator struct {
	blended     ImpactFactors
	perMaterial bool
	rates       *RateTable
}

func NewImpactCalculator(blended ImpactFactors, perMaterial bool, rates *RateTable) *ImpactCalculator {
	return &ImpactCalculator{
		blended:     blended,
		perMaterial: perMaterial && rates != nil,
		rates:       rates,
	}
}

func (c *ImpactCalculator) Calculate(weightKg float64) Impact {
	if weightKg < 0 {
		weightKg = 0
	}
	return Impact{
		CO2SavedKg:       round(weightKg*c.blended.CO2PerKg, 2),
		WaterSavedLiters: round(weightKg*c.blended.WaterPerKg, 2),
		LandfillSavedKg:  round(weightKg*c.blended.LandfillPerKg, 2),
	}
}

// CalculateMix weights: 物料名 -> 重量. unattributed 为没有明细的回收单重量, 按混合系数计算
func (c *ImpactCalculator) CalculateMix(weights map[string]float64, unattributed float64) Impact {
	// 固定顺序累加, 保证同样输入得到完全一致的结果
	categories := make([]string, 0, len(weights))
	for category := range weights {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	if !c.perMaterial {
		total := unattributed
		for _, category := range categories {
			total += weights[category]
		}
		return c.Calculate(total)
	}

	base := c.Calculate(unattributed)
	var co2, water, landfill float64
	for _, category := range categories {
		w := weights[category]
		if w <= 0 {
			continue
		}
		r := c.rates.RateFor(category)
		co2 += w * r.CO2PerKg
		water += w * r.WaterPerKg
		landfill += w * r.LandfillPerKg
	}
	return Impact{
		CO2SavedKg:       round(base.CO2SavedKg+co2, 2),
		WaterSavedLiters: round(base.WaterSavedLiters+water, 2),
		LandfillSavedKg:  round(base.LandfillSavedKg+landfill, 2),
	}
}
