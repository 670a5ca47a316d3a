package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierTable_TierFor(t *testing.T) {
	tiers := testTiers(t)

	tests := []struct {
		weight float64
		want   string
	}{
		{0, "bronze"},
		{10, "bronze"},
		{49.999, "bronze"},
		{50, "silver"},
		{149.9, "silver"},
		{150, "gold"},
		{300, "platinum"},
		{500, "diamond"},
		{12000, "diamond"},
		{-5, "bronze"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tiers.TierFor(tt.weight).Name, "weight=%v", tt.weight)
	}
}

func TestTierTable_NextTier(t *testing.T) {
	tiers := testTiers(t)

	t.Run("exactly on gold threshold", func(t *testing.T) {
		p := tiers.NextTier(150)
		assert.Equal(t, "gold", p.Current)
		require.NotNil(t, p.Next)
		assert.Equal(t, "platinum", *p.Next)
		assert.Equal(t, 0.0, p.ProgressPercentage)
		assert.Equal(t, 150.0, p.WeightNeededKg)
	})

	t.Run("halfway to silver", func(t *testing.T) {
		p := tiers.NextTier(25)
		assert.Equal(t, "bronze", p.Current)
		require.NotNil(t, p.Next)
		assert.Equal(t, "silver", *p.Next)
		assert.Equal(t, 50.0, p.ProgressPercentage)
		assert.Equal(t, 25.0, p.WeightNeededKg)
	})

	t.Run("top tier is terminal", func(t *testing.T) {
		for _, w := range []float64{500, 750.5} {
			p := tiers.NextTier(w)
			assert.Equal(t, "diamond", p.Current)
			assert.Nil(t, p.Next)
			assert.Equal(t, 100.0, p.ProgressPercentage)
			assert.Equal(t, 0.0, p.WeightNeededKg)
		}
	})
}

func TestTierTable_Monotonic(t *testing.T) {
	tiers := testTiers(t)

	prev := tiers.Rank(tiers.TierFor(0).Name)
	for w := 0.0; w <= 800; w += 0.5 {
		rank := tiers.Rank(tiers.TierFor(w).Name)
		require.GreaterOrEqual(t, rank, prev, "weight=%v", w)
		prev = rank

		p := tiers.NextTier(w)
		require.GreaterOrEqual(t, p.ProgressPercentage, 0.0)
		require.LessOrEqual(t, p.ProgressPercentage, 100.0)
	}
}

func TestNewTierTable_Validation(t *testing.T) {
	tests := []struct {
		name  string
		tiers []Tier
	}{
		{"empty", nil},
		{"no zero tier", []Tier{{Name: "silver", MinWeightKg: 50}}},
		{"duplicate name", []Tier{{Name: "bronze"}, {Name: "Bronze", MinWeightKg: 10}}},
		{"shared minimum", []Tier{{Name: "bronze"}, {Name: "silver", MinWeightKg: 10}, {Name: "gold", MinWeightKg: 10}}},
		{"negative minimum", []Tier{{Name: "bronze"}, {Name: "silver", MinWeightKg: -1}}},
		{"empty name", []Tier{{Name: " "}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTierTable(tt.tiers)
			assert.Error(t, err)
		})
	}
}

func TestNewTierTable_SortsInput(t *testing.T) {
	tiers, err := NewTierTable([]Tier{
		{Name: "gold", MinWeightKg: 100},
		{Name: "starter", MinWeightKg: 0},
		{Name: "silver", MinWeightKg: 20},
	})
	require.NoError(t, err)

	assert.Equal(t, "starter", tiers.Tiers()[0].Name)
	assert.Equal(t, "silver", tiers.TierFor(20).Name)
	assert.Equal(t, 2, tiers.Rank("GOLD"))
	assert.Equal(t, -1, tiers.Rank("diamond"))
}
