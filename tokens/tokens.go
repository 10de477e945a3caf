package tokens

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/kyokomi/emoji/v2"
	"github.com/samber/lo"
)

// ErrEmptyPool is returned when no usable token is left after filtering.
var ErrEmptyPool = errors.New("token pool is empty")

const (
	zeroWidthJoiner   = '\u200d'
	variationSelector = '\ufe0f'
	femaleSign        = '\u2640'
	maleSign          = '\u2642'
	skinToneFirst     = '\U0001f3fb'
	skinToneLast      = '\U0001f3ff'
	regionalFirst     = '\U0001f1e6'
	regionalLast      = '\U0001f1ff'
)

var defaultPool = sync.OnceValue(func() []string {
	return Filter(lo.Values(emoji.CodeMap()))
})

// DefaultPool returns the filtered emoji catalogue. It is built once per
// process and must not be modified by callers.
func DefaultPool() []string {
	return defaultPool()
}

// Filter keeps the visually simple symbols of a catalogue: a single code
// point, no joiners, modifiers, variation selectors, gender signs or
// regional indicators. The result is sorted and deduplicated.
func Filter(catalogue []string) []string {
	pool := lo.Uniq(lo.FilterMap(catalogue, func(s string, _ int) (string, bool) {
		s = strings.TrimSpace(s)
		return s, IsSimple(s)
	}))
	sort.Strings(pool)
	return pool
}

// IsSimple reports whether s is a single printable code point that is not a
// combining or modifier character.
func IsSimple(s string) bool {
	if utf8.RuneCountInString(s) != 1 {
		return false
	}
	r, _ := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || !unicode.IsGraphic(r) || unicode.IsSpace(r) {
		return false
	}
	switch {
	case r == zeroWidthJoiner, r == variationSelector:
		return false
	case r == femaleSign, r == maleSign:
		return false
	case r >= skinToneFirst && r <= skinToneLast:
		return false
	case r >= regionalFirst && r <= regionalLast:
		return false
	case unicode.In(r, unicode.Mn, unicode.Me, unicode.Cf):
		return false
	}
	return true
}

// Issuer draws anonymity tokens for a batch.
type Issuer struct {
	pool   []string
	random io.Reader
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithRandom sets the randomness source (for testing). Defaults to crypto/rand.
func WithRandom(r io.Reader) Option {
	return func(i *Issuer) {
		i.random = r
	}
}

// NewIssuer creates an issuer over an already filtered pool.
func NewIssuer(pool []string, opts ...Option) (*Issuer, error) {
	if len(pool) == 0 {
		return nil, ErrEmptyPool
	}
	i := &Issuer{
		pool:   pool,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue draws n tokens uniformly and independently from the pool.
// Draws are with replacement: two participants of one batch may receive
// the same token.
func (i *Issuer) Issue(n int) ([]string, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative token count %d", n)
	}

	size := big.NewInt(int64(len(i.pool)))
	out := make([]string, n)
	for k := range out {
		idx, err := rand.Int(i.random, size)
		if err != nil {
			return nil, fmt.Errorf("draw token: %w", err)
		}
		out[k] = i.pool[idx.Int64()]
	}
	return out, nil
}

// PoolSize returns the number of distinct tokens available.
func (i *Issuer) PoolSize() int {
	return len(i.pool)
}

// Duplicates counts tokens that were issued more than once.
func Duplicates(issued []string) int {
	seen := make(map[string]int, len(issued))
	for _, t := range issued {
		seen[t]++
	}
	dup := 0
	for _, c := range seen {
		if c > 1 {
			dup += c - 1
		}
	}
	return dup
}
