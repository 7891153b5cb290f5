package suggest

import (
	"context"
	"testing"

	"github.com/mmdatafocus/vendsync/models"
	"github.com/stretchr/testify/require"
)

func code(id int, machine, itemCode, name string) models.MachineItemCode {
	return models.MachineItemCode{
		ID:           id,
		ItemCode:     itemCode,
		ReportedName: name,
		Machine:      models.Machine{ExternalId: machine},
	}
}

type staticSource struct {
	items []models.CatalogItem
	codes []models.MachineItemCode
}

func (s staticSource) ListUnmappedCatalogItems(context.Context, string) ([]models.CatalogItem, error) {
	return s.items, nil
}

func (s staticSource) ListUnmappedCodes(context.Context, string) ([]models.MachineItemCode, error) {
	return s.codes, nil
}

func TestSuggest_PhoneticRanksBelowExact(t *testing.T) {
	src := staticSource{
		items: []models.CatalogItem{{ID: 1, Name: "Chips"}, {ID: 2, Name: "Water"}, {ID: 3, Name: "Gum"}},
		codes: []models.MachineItemCode{
			code(10, "M1", "B2", "Chipz"),
			code(11, "M1", "C1", "WATER"),
			code(12, "M2", "D4", "Energy Bar"),
		},
	}
	engine := NewEngine(src, SoundexMatcher{}, 1.0, 0.6)

	res, err := engine.Suggest(context.Background(), "biz-1")
	require.NoError(t, err)
	require.Len(t, res.Suggestions, 2)

	require.Equal(t, "Water", res.Suggestions[0].CatalogItemName)
	require.Equal(t, MatchExact, res.Suggestions[0].Match)
	require.Equal(t, 1.0, res.Suggestions[0].Confidence)

	require.Equal(t, "Chips", res.Suggestions[1].CatalogItemName)
	require.Equal(t, "B2", res.Suggestions[1].ItemCode)
	require.Equal(t, MatchPhonetic, res.Suggestions[1].Match)
	require.Equal(t, 0.6, res.Suggestions[1].Confidence)

	require.Equal(t, []TerminalItem{{MachineItemCodeId: 12, MachineId: "M2", ItemCode: "D4", ReportedName: "Energy Bar"}}, res.NewTerminalItems)
	require.Equal(t, []CatalogRef{{CatalogItemId: 3, Name: "Gum"}}, res.UnmatchedCatalogItems)
}

func TestRank_IsDeterministic(t *testing.T) {
	items := []models.CatalogItem{{ID: 2, Name: "Cola"}, {ID: 1, Name: "Cola"}, {ID: 3, Name: "Chips"}}
	codes := []models.MachineItemCode{
		code(20, "M2", "A3", "cola"),
		code(21, "M1", "A3", "Cola"),
		code(22, "M1", "B2", "Chipz"),
	}
	engine := NewEngine(nil, SoundexMatcher{}, 1.0, 0.6)

	first := engine.Rank(items, codes)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, engine.Rank(items, codes))
	}
	// reversed input order must not change the ranking
	reversedItems := []models.CatalogItem{items[2], items[1], items[0]}
	reversedCodes := []models.MachineItemCode{codes[2], codes[1], codes[0]}
	require.Equal(t, first, engine.Rank(reversedItems, reversedCodes))

	got := first.Suggestions
	require.Len(t, got, 5)
	require.Equal(t, 1, got[0].CatalogItemId)
	require.Equal(t, "M1", got[0].MachineId)
	require.Equal(t, 2, got[1].CatalogItemId)
	require.Equal(t, "M1", got[1].MachineId)
	require.Equal(t, 1, got[2].CatalogItemId)
	require.Equal(t, "M2", got[2].MachineId)
	require.Equal(t, "Chips", got[4].CatalogItemName)
}

func TestNormalize_FoldsWidthAndCase(t *testing.T) {
	require.Equal(t, "cola zero", Normalize("  ＣＯＬＡ   Zero "))
	require.Equal(t, Normalize("STRASSE"), Normalize("straße"))
}

func TestStrategies(t *testing.T) {
	require.True(t, SoundexMatcher{}.Similar("chips", "chipz"))
	require.False(t, SoundexMatcher{}.Similar("chips", "water"))
	require.False(t, SoundexMatcher{}.Similar("", "water"))
	require.False(t, SoundexMatcher{}.Similar("123", "123"))

	lev := LevenshteinMatcher{}
	require.True(t, lev.Similar("chips", "chipz"))
	require.False(t, lev.Similar("chips", "crisps"))

	require.IsType(t, LevenshteinMatcher{}, StrategyFor("levenshtein"))
	require.IsType(t, SoundexMatcher{}, StrategyFor("soundex"))
}

func TestSoundex_IgnoresNonLatinLetters(t *testing.T) {
	coffee, coffeeAlt := Normalize("ကော်ဖီ"), Normalize("ကော်ဖီး")
	require.False(t, SoundexMatcher{}.Similar(coffee, coffeeAlt))
	require.False(t, SoundexMatcher{}.Similar(coffee, coffee))
	// mixed names compare on their Latin letters only
	require.True(t, SoundexMatcher{}.Similar(Normalize("Cola ကော"), Normalize("Colla")))

	require.True(t, LevenshteinMatcher{}.Similar(coffee, coffeeAlt))

	soundex := NewEngine(nil, SoundexMatcher{}, 1.0, 0.6).Rank(
		[]models.CatalogItem{{ID: 1, Name: "ကော်ဖီ"}, {ID: 2, Name: "ရေ"}},
		[]models.MachineItemCode{code(10, "M1", "B2", "ကော်ဖီး"), code(11, "M1", "C1", "ရေ")},
	)
	require.Len(t, soundex.Suggestions, 1)
	require.Equal(t, "ရေ", soundex.Suggestions[0].CatalogItemName)
	require.Equal(t, MatchExact, soundex.Suggestions[0].Match)
	require.Len(t, soundex.NewTerminalItems, 1)
	require.Equal(t, "B2", soundex.NewTerminalItems[0].ItemCode)

	lev := NewEngine(nil, LevenshteinMatcher{}, 1.0, 0.6).Rank(
		[]models.CatalogItem{{ID: 1, Name: "ကော်ဖီ"}},
		[]models.MachineItemCode{code(10, "M1", "B2", "ကော်ဖီး")},
	)
	require.Len(t, lev.Suggestions, 1)
	require.Equal(t, 0.6, lev.Suggestions[0].Confidence)
}

func TestRank_LevenshteinStrategyKeepsContract(t *testing.T) {
	engine := NewEngine(nil, LevenshteinMatcher{}, 1.0, 0.6)
	res := engine.Rank(
		[]models.CatalogItem{{ID: 1, Name: "Chips"}},
		[]models.MachineItemCode{code(10, "M1", "B2", "Chipz")},
	)
	require.Len(t, res.Suggestions, 1)
	require.Equal(t, "levenshtein", res.Suggestions[0].Strategy)
	require.Equal(t, 0.6, res.Suggestions[0].Confidence)
}
