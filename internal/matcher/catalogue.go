// Catalogue loading for stages 1 and 2: the precomputed
// {intent_id -> (keywords, reply_template, threshold)} table and the
// synonym dictionary. The catalogue lives in a JSON content file rather
// than process configuration, since it is operator-editable content.
package matcher

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Intent is one static catalogue entry.
type Intent struct {
	ID        string   `json:"id"`
	Keywords  []string `json:"keywords"`
	Reply     string   `json:"reply"`
	Threshold float64  `json:"threshold"`
}

// Catalogue is the full intent table plus the synonym dictionary stage 2
// expands messages with.
type Catalogue struct {
	Intents  []Intent            `json:"intents"`
	Synonyms map[string][]string `json:"synonyms"`
}

// LoadCatalogue reads a JSON catalogue file from disk.
func LoadCatalogue(path string) (Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalogue{}, fmt.Errorf("read catalogue %s: %w", path, err)
	}
	var c Catalogue
	if err := json.Unmarshal(data, &c); err != nil {
		return Catalogue{}, fmt.Errorf("decode catalogue %s: %w", path, err)
	}
	return c, nil
}

// DefaultCatalogue is a tiny built-in catalogue so the server can serve
// something meaningful with zero configuration; operators are expected to
// replace it via LoadCatalogue in production.
func DefaultCatalogue() Catalogue {
	return Catalogue{
		Intents: []Intent{
			{ID: "greeting", Keywords: []string{"merhaba", "selam"}, Reply: "Merhaba!", Threshold: 0.6},
			{ID: "farewell", Keywords: []string{"hoscakal", "gorusuruz"}, Reply: "Görüşmek üzere!", Threshold: 0.6},
		},
		Synonyms: map[string][]string{
			"merhaba": {"selam", "selamlar"},
		},
	}
}

// sortedIntentIDs returns intent ids in lexicographic order, used to break
// ties between equal-confidence candidates.
func sortedIntentIDs(intents []Intent) []int {
	idx := make([]int, len(intents))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return intents[idx[i]].ID < intents[idx[j]].ID })
	return idx
}
