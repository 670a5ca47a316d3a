package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("connection refused")

// fakeStore 内存版 RecordStore
type fakeStore struct {
	mu sync.Mutex

	identity    Identity
	identityErr error

	collections   map[IdentityKey]map[string][]CollectionEvent
	collectionErr map[IdentityKey]error

	withdrawals   []SpendEvent
	withdrawalErr error
	adjustments   []SpendEvent
	adjustmentErr error

	collectionCalls int
}

func newFakeStore(userID string) *fakeStore {
	return &fakeStore{
		identity:      Identity{UserID: userID},
		collections:   make(map[IdentityKey]map[string][]CollectionEvent),
		collectionErr: make(map[IdentityKey]error),
	}
}

func (s *fakeStore) addCollection(key IdentityKey, value string, ev CollectionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collections[key] == nil {
		s.collections[key] = make(map[string][]CollectionEvent)
	}
	s.collections[key][value] = append(s.collections[key][value], ev)
}

func (s *fakeStore) LookupIdentity(ctx context.Context, userID string) (Identity, error) {
	if s.identityErr != nil {
		return Identity{}, s.identityErr
	}
	return s.identity, nil
}

func (s *fakeStore) CollectionsBy(ctx context.Context, key IdentityKey, value string, statuses []CollectionStatus) ([]CollectionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collectionCalls++
	if err := s.collectionErr[key]; err != nil {
		return nil, err
	}
	return append([]CollectionEvent(nil), s.collections[key][value]...), nil
}

func (s *fakeStore) Withdrawals(ctx context.Context, userID string, statuses []SpendStatus) ([]SpendEvent, error) {
	if s.withdrawalErr != nil {
		return nil, s.withdrawalErr
	}
	return s.withdrawals, nil
}

func (s *fakeStore) Adjustments(ctx context.Context, userID string) ([]SpendEvent, error) {
	if s.adjustmentErr != nil {
		return nil, s.adjustmentErr
	}
	return s.adjustments, nil
}

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func collection(id string, status CollectionStatus, lines ...MaterialLine) CollectionEvent {
	for i := range lines {
		lines[i].CollectionID = id
	}
	return CollectionEvent{ID: id, Status: status, StatusChangedAt: baseTime, Lines: lines}
}

func line(category string, kg float64) MaterialLine {
	return MaterialLine{Category: category, QuantityKg: kg}
}

func withdrawal(id string, amount string, status SpendStatus) SpendEvent {
	return SpendEvent{ID: id, Amount: decimal.RequireFromString(amount), Status: status, Kind: SpendWithdrawal}
}

func testRates(t *testing.T, match MatchStrategy) *RateTable {
	t.Helper()
	rates, err := NewRateTable([]RateEntry{
		{Category: "PET", PricePerKg: decimal.RequireFromString("15.00"), CO2PerKg: 1.5, WaterPerKg: 17, LandfillPerKg: 1},
		{Category: "Glass", PricePerKg: decimal.RequireFromString("2.00"), CO2PerKg: 0.3, WaterPerKg: 2, LandfillPerKg: 1},
		{Category: "Aluminium", PricePerKg: decimal.RequireFromString("18.00"), CO2PerKg: 9, WaterPerKg: 40, LandfillPerKg: 1},
		{Category: "Carpet", PricePerKg: decimal.RequireFromString("0.50"), CO2PerKg: 0.2, WaterPerKg: 1, LandfillPerKg: 1},
	}, RateEntry{Category: "default", PricePerKg: decimal.RequireFromString("1.00")}, Exclusion{Markers: []string{"pet"}, Match: match})
	require.NoError(t, err)
	return rates
}

func testTiers(t *testing.T) *TierTable {
	t.Helper()
	tiers, err := NewTierTable([]Tier{
		{Name: "bronze", MinWeightKg: 0},
		{Name: "silver", MinWeightKg: 50},
		{Name: "gold", MinWeightKg: 150},
		{Name: "platinum", MinWeightKg: 300},
		{Name: "diamond", MinWeightKg: 500},
	})
	require.NoError(t, err)
	return tiers
}

func testCalculator(t *testing.T, store RecordStore) *Calculator {
	t.Helper()
	rates := testRates(t, MatchSubstring)
	impact := NewImpactCalculator(ImpactFactors{CO2PerKg: 0.5, WaterPerKg: 3.5, LandfillPerKg: 1}, false, rates)
	c := NewCalculator(store, rates, testTiers(t), impact)
	c.now = func() time.Time { return baseTime }
	return c
}
