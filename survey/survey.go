package survey

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Answers is a participant's raw survey answer mapping as it comes out of the
// store: keys carry the question index ("question3", "3"), values are
// anything that can be read as an integer.
type Answers map[string]any

// Vector turns raw survey answers into an ordered trait vector, sorted by
// question index ascending.
//
// Entries whose key has no question index or whose value is not an integer
// are skipped, so the result may be shorter than the questionnaire.
func Vector(answers Answers) []int {
	type entry struct {
		index int
		value int
	}

	entries := make([]entry, 0, len(answers))
	for key, raw := range answers {
		index, ok := questionIndex(key)
		if !ok {
			continue
		}
		value, ok := toInt(raw)
		if !ok {
			continue
		}
		entries = append(entries, entry{index: index, value: value})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].index < entries[j].index
	})

	vec := make([]int, len(entries))
	for i, e := range entries {
		vec[i] = e.value
	}
	return vec
}

// Complete reports whether answers yield exactly n trait values.
func Complete(answers Answers, n int) bool {
	return len(Vector(answers)) == n
}

// questionIndex extracts the trailing decimal index of a key.
func questionIndex(key string) (int, bool) {
	end := len(key)
	start := strings.LastIndexFunc(key, func(r rune) bool {
		return !unicode.IsDigit(r)
	}) + 1
	if start >= end {
		return 0, false
	}
	n, err := strconv.Atoi(key[start:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		if int64(int(x)) != x {
			return 0, false
		}
		return int(x), true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) || x != math.Trunc(x) {
			return 0, false
		}
		// float64(math.MaxInt) rounds up to 2^63, so the upper bound is exclusive.
		if x < float64(math.MinInt) || x >= -float64(math.MinInt) {
			return 0, false
		}
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
