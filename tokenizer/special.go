package tokenizer

import (
	"slices"
	"strings"
)

// fragment is a piece of input text. Fragments that are special tokens
// carry their id and skip the normalizer.
type fragment struct {
	value string
	ids   []int32
}

// splitSpecialTokens splits s around the special pieces of vocab. Pieces
// are tried in vocabulary order, so earlier ones win at overlapping
// positions.
func splitSpecialTokens(s string, vocab *Vocabulary) []fragment {
	fragments := []fragment{{value: s}}
	for _, special := range vocab.SpecialVocabulary() {
		if !strings.Contains(s, special) {
			continue
		}

		id := vocab.Encode(special)
		for i := 0; i < len(fragments); i++ {
			frag := fragments[i]
			if len(frag.ids) > 0 {
				continue
			}

			idx := strings.Index(frag.value, special)
			if idx < 0 {
				continue
			}

			var split []fragment
			if idx > 0 {
				split = append(split, fragment{value: frag.value[:idx]})
			}
			split = append(split, fragment{value: special, ids: []int32{id}})
			if rest := frag.value[idx+len(special):]; rest != "" {
				split = append(split, fragment{value: rest})
			}

			fragments = slices.Replace(fragments, i, i+1, split...)
		}
	}
	return fragments
}
