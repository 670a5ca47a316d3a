package ledger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/shopspring/decimal"
)

// RateEntry 物料单价及环保系数
type RateEntry struct {
	Category      string          `json:"category"`
	PricePerKg    decimal.Decimal `json:"price_per_kg"`
	PointsPerKg   float64         `json:"points_per_kg"`
	CO2PerKg      float64         `json:"co2_per_kg"`
	WaterPerKg    float64         `json:"water_per_kg"`
	LandfillPerKg float64         `json:"landfill_per_kg"`
	Excluded      bool            `json:"excluded"`
	// Known 为 false 表示命中了默认费率
	Known bool `json:"known"`
}

// MatchStrategy 判断物料是否属于基金专项 (excluded) 的匹配方式
type MatchStrategy string

const (
	// MatchSubstring 名称包含标记即可, 上游数据命名混乱时的历史行为
	MatchSubstring MatchStrategy = "substring"
	MatchExact     MatchStrategy = "exact"
	// MatchWord 名称按非字母数字切词后任一词等于标记
	MatchWord MatchStrategy = "word"
)

func ParseMatchStrategy(s string) (MatchStrategy, error) {
	switch MatchStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MatchSubstring:
		return MatchSubstring, nil
	case MatchExact:
		return MatchExact, nil
	case MatchWord:
		return MatchWord, nil
	}
	return "", fmt.Errorf("unknown exclusion match strategy %q", s)
}

type Exclusion struct {
	Markers []string
	Match   MatchStrategy
}

type RateTable struct {
	mu       sync.RWMutex
	entries  map[string]RateEntry
	fallback RateEntry
	markers  []string
	match    MatchStrategy
}

func NewRateTable(entries []RateEntry, fallback RateEntry, ex Exclusion) (*RateTable, error) {
	t := &RateTable{match: ex.Match}
	if t.match == "" {
		t.match = MatchSubstring
	}
	for _, m := range ex.Markers {
		if m = normalize(m); m != "" {
			t.markers = append(t.markers, m)
		}
	}

	fallback.Known = false
	fallback.Excluded = false
	t.fallback = fallback

	if err := t.Replace(entries); err != nil {
		return nil, err
	}
	return t, nil
}

// Replace 整体替换费率 (materials 表同步时调用), 同一物料只能有一条
func (t *RateTable) Replace(entries []RateEntry) error {
	next := make(map[string]RateEntry, len(entries))
	for _, e := range entries {
		key := normalize(e.Category)
		if key == "" {
			return fmt.Errorf("rate entry with empty category")
		}
		if _, dup := next[key]; dup {
			return fmt.Errorf("duplicate rate entry for category %q", e.Category)
		}
		e.Known = true
		e.Excluded = t.isExcluded(key)
		next[key] = e
	}

	t.mu.Lock()
	t.entries = next
	t.mu.Unlock()
	return nil
}

// RateFor 不区分大小写查找费率, 未知物料返回默认费率而不是报错
func (t *RateTable) RateFor(category string) RateEntry {
	key := normalize(category)
	excluded := t.isExcluded(key)

	t.mu.RLock()
	defer t.mu.RUnlock()

	if e, ok := t.entries[key]; ok {
		return e
	}

	if excluded {
		// 标签写法不一致的专项物料 (如 "PET bottles 1.5L"), 按表中的专项物料估值
		for _, m := range t.markers {
			if e, ok := t.entries[m]; ok {
				e.Category = category
				return e
			}
		}
		for _, name := range t.sortedKeysLocked() {
			if e := t.entries[name]; e.Excluded {
				e.Category = category
				return e
			}
		}
	}

	e := t.fallback
	e.Category = category
	e.Excluded = excluded
	return e
}

func (t *RateTable) IsExcluded(category string) bool {
	return t.isExcluded(normalize(category))
}

func (t *RateTable) Entries() []RateEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]RateEntry, 0, len(t.entries))
	for _, k := range t.sortedKeysLocked() {
		out = append(out, t.entries[k])
	}
	return out
}

func (t *RateTable) Default() RateEntry {
	return t.fallback
}

func (t *RateTable) sortedKeysLocked() []string {
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *RateTable) isExcluded(name string) bool {
	if name == "" {
		return false
	}
	for _, m := range t.markers {
		switch t.match {
		case MatchExact:
			if name == m {
				return true
			}
		case MatchWord:
			for _, w := range strings.FieldsFunc(name, func(r rune) bool {
				return !unicode.IsLetter(r) && !unicode.IsDigit(r)
			}) {
				if w == m {
					return true
				}
			}
		default:
			if strings.Contains(name, m) {
				return true
			}
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
