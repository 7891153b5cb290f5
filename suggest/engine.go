// Package suggest proposes links between unmapped catalog items and unmapped
// machine item codes. It reads state and never writes it; confirmation goes
// through mappingstore.
package suggest

import (
	"context"
	"sort"

	"github.com/mmdatafocus/vendsync/models"
)

// Source is the read side of the mapping store the engine needs.
type Source interface {
	ListUnmappedCatalogItems(ctx context.Context, businessId string) ([]models.CatalogItem, error)
	ListUnmappedCodes(ctx context.Context, businessId string) ([]models.MachineItemCode, error)
}

type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchPhonetic MatchKind = "phonetic"
)

type Suggestion struct {
	CatalogItemId     int       `json:"catalog_item_id"`
	CatalogItemName   string    `json:"catalog_item_name"`
	MachineItemCodeId int       `json:"machine_item_code_id"`
	MachineId         string    `json:"machine_id"`
	ItemCode          string    `json:"item_code"`
	ReportedName      string    `json:"reported_name"`
	Confidence        float64   `json:"confidence"`
	Match             MatchKind `json:"match"`
	Strategy          string    `json:"strategy"`
}

// TerminalItem is a code with no catalog counterpart.
type TerminalItem struct {
	MachineItemCodeId int    `json:"machine_item_code_id"`
	MachineId         string `json:"machine_id"`
	ItemCode          string `json:"item_code"`
	ReportedName      string `json:"reported_name"`
}

type CatalogRef struct {
	CatalogItemId int    `json:"catalog_item_id"`
	Name          string `json:"name"`
}

type Result struct {
	Suggestions           []Suggestion   `json:"suggestions"`
	NewTerminalItems      []TerminalItem `json:"new_terminal_items"`
	UnmatchedCatalogItems []CatalogRef   `json:"unmatched_catalog_items"`
}

type Engine struct {
	source             Source
	similarity         Similarity
	exactConfidence    float64
	phoneticConfidence float64
}

func NewEngine(source Source, similarity Similarity, exactConfidence, phoneticConfidence float64) *Engine {
	if similarity == nil {
		similarity = SoundexMatcher{}
	}
	return &Engine{
		source:             source,
		similarity:         similarity,
		exactConfidence:    exactConfidence,
		phoneticConfidence: phoneticConfidence,
	}
}

func (e *Engine) Suggest(ctx context.Context, businessId string) (*Result, error) {
	items, err := e.source.ListUnmappedCatalogItems(ctx, businessId)
	if err != nil {
		return nil, err
	}
	codes, err := e.source.ListUnmappedCodes(ctx, businessId)
	if err != nil {
		return nil, err
	}
	return e.Rank(items, codes), nil
}

// Rank is the pure part of Suggest. Identical inputs give identical output.
func (e *Engine) Rank(items []models.CatalogItem, codes []models.MachineItemCode) *Result {
	res := &Result{
		Suggestions:           []Suggestion{},
		NewTerminalItems:      []TerminalItem{},
		UnmatchedCatalogItems: []CatalogRef{},
	}

	codeNames := make([]string, len(codes))
	for i, c := range codes {
		codeNames[i] = Normalize(c.ReportedName)
	}
	codeMatched := make([]bool, len(codes))

	for _, item := range items {
		name := Normalize(item.Name)
		matched := false
		for i, code := range codes {
			if name == "" || codeNames[i] == "" {
				continue
			}
			var kind MatchKind
			var confidence float64
			switch {
			case name == codeNames[i]:
				kind, confidence = MatchExact, e.exactConfidence
			case e.similarity.Similar(name, codeNames[i]):
				kind, confidence = MatchPhonetic, e.phoneticConfidence
			default:
				continue
			}
			matched = true
			codeMatched[i] = true
			res.Suggestions = append(res.Suggestions, Suggestion{
				CatalogItemId:     item.ID,
				CatalogItemName:   item.Name,
				MachineItemCodeId: code.ID,
				MachineId:         code.Machine.ExternalId,
				ItemCode:          code.ItemCode,
				ReportedName:      code.ReportedName,
				Confidence:        confidence,
				Match:             kind,
				Strategy:          e.similarity.Name(),
			})
		}
		if !matched {
			res.UnmatchedCatalogItems = append(res.UnmatchedCatalogItems, CatalogRef{CatalogItemId: item.ID, Name: item.Name})
		}
	}

	for i, code := range codes {
		if codeMatched[i] {
			continue
		}
		res.NewTerminalItems = append(res.NewTerminalItems, TerminalItem{
			MachineItemCodeId: code.ID,
			MachineId:         code.Machine.ExternalId,
			ItemCode:          code.ItemCode,
			ReportedName:      code.ReportedName,
		})
	}

	sort.SliceStable(res.Suggestions, func(i, j int) bool {
		a, b := res.Suggestions[i], res.Suggestions[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.CatalogItemName != b.CatalogItemName {
			return a.CatalogItemName < b.CatalogItemName
		}
		if a.MachineId != b.MachineId {
			return a.MachineId < b.MachineId
		}
		if a.ItemCode != b.ItemCode {
			return a.ItemCode < b.ItemCode
		}
		if a.CatalogItemId != b.CatalogItemId {
			return a.CatalogItemId < b.CatalogItemId
		}
		return a.MachineItemCodeId < b.MachineItemCodeId
	})
	sort.SliceStable(res.NewTerminalItems, func(i, j int) bool {
		a, b := res.NewTerminalItems[i], res.NewTerminalItems[j]
		if a.MachineId != b.MachineId {
			return a.MachineId < b.MachineId
		}
		if a.ItemCode != b.ItemCode {
			return a.ItemCode < b.ItemCode
		}
		return a.MachineItemCodeId < b.MachineItemCodeId
	})
	sort.SliceStable(res.UnmatchedCatalogItems, func(i, j int) bool {
		a, b := res.UnmatchedCatalogItems[i], res.UnmatchedCatalogItems[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.CatalogItemId < b.CatalogItemId
	})
	return res
}
