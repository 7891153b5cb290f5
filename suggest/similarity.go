package suggest

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"github.com/mmdatafocus/vendsync/config"
	"github.com/xrash/smetrics"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Similarity decides whether two normalized names sound alike. Ranking never
// depends on which strategy is plugged in.
type Similarity interface {
	Name() string
	Similar(a, b string) bool
}

var folder = cases.Fold()

// Normalize applies NFKC, case folding and whitespace collapsing.
func Normalize(s string) string {
	s = folder.String(norm.NFKC.String(s))
	return strings.Join(strings.Fields(s), " ")
}

// SoundexMatcher compares the Soundex codes of the ASCII letters of each
// name. Other scripts are ignored, so a name without Latin letters never
// sounds like anything; LevenshteinMatcher works on any script.
type SoundexMatcher struct{}

func (SoundexMatcher) Name() string { return config.StrategySoundex }

func (SoundexMatcher) Similar(a, b string) bool {
	la, lb := asciiLetters(a), asciiLetters(b)
	if la == "" || lb == "" {
		return false
	}
	return smetrics.Soundex(la) == smetrics.Soundex(lb)
}

func asciiLetters(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < unicode.MaxASCII && unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LevenshteinMatcher treats names as similar when their edit distance relative
// to the longer name is at most 1-MinRatio.
type LevenshteinMatcher struct {
	MinRatio float64
}

const defaultLevenshteinRatio = 0.75

func (LevenshteinMatcher) Name() string { return config.StrategyLevenshtein }

func (m LevenshteinMatcher) Similar(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	minRatio := m.MinRatio
	if minRatio <= 0 {
		minRatio = defaultLevenshteinRatio
	}
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	ratio := 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
	return ratio >= minRatio
}

// StrategyFor maps a configured strategy name to its matcher.
func StrategyFor(name string) Similarity {
	switch name {
	case config.StrategyLevenshtein:
		return LevenshteinMatcher{}
	default:
		return SoundexMatcher{}
	}
}
