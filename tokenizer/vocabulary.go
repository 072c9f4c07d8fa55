package tokenizer

import (
	"slices"
	"sync"
)

const (
	TOKEN_TYPE_NORMAL = iota + 1
	TOKEN_TYPE_UNKNOWN
	TOKEN_TYPE_CONTROL
	TOKEN_TYPE_USER_DEFINED
	TOKEN_TYPE_UNUSED
	TOKEN_TYPE_BYTE
)

type Special int32

const (
	SpecialBOS Special = iota
	SpecialEOS
	SpecialPAD
	SpecialUNK
)

// Vocabulary is a scored piece table together with its special ids and
// the whitespace handling of the normalizer.
type Vocabulary struct {
	Values []string
	Types  []int32
	Scores []float32

	BOS, EOS       []int32
	PAD, UNK       int32
	AddBOS, AddEOS bool

	AddSpacePrefix          bool
	RemoveExtraWhitespaces  bool
	TreatWhitespaceAsSuffix bool

	specialOnce sync.Once
	special     []string

	valuesOnce sync.Once
	values     map[string]int32
}

func (v *Vocabulary) Is(id int32, special Special) bool {
	switch special {
	case SpecialBOS:
		return slices.Contains(v.BOS, id)
	case SpecialEOS:
		return slices.Contains(v.EOS, id)
	case SpecialPAD:
		return id == v.PAD
	case SpecialUNK:
		return id == v.UNK
	default:
		return false
	}
}

// Encode returns the id of piece s, or -1.
func (v *Vocabulary) Encode(s string) int32 {
	v.valuesOnce.Do(func() {
		v.values = make(map[string]int32, len(v.Values))
		for i, value := range v.Values {
			v.values[value] = int32(i)
		}
	})

	if id, ok := v.values[s]; ok {
		return id
	}
	return -1
}

func (v *Vocabulary) Decode(id int32) string {
	return v.Values[id]
}

// SpecialVocabulary lists the control and user defined pieces, which are
// matched verbatim before normalization.
func (v *Vocabulary) SpecialVocabulary() []string {
	v.specialOnce.Do(func() {
		for i := range v.Values {
			if v.Types[i] == TOKEN_TYPE_CONTROL || v.Types[i] == TOKEN_TYPE_USER_DEFINED {
				v.special = append(v.special, v.Values[i])
			}
		}
	})
	return v.special
}
