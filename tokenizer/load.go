package tokenizer

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

type tokenizerFile struct {
	AddedTokens []struct {
		ID      int32  `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	Normalizer   *normalizer   `json:"normalizer"`
	PreTokenizer *preTokenizer `json:"pre_tokenizer"`
	Model        struct {
		Type  string        `json:"type"`
		UnkID *int32        `json:"unk_id"`
		Vocab []scoredPiece `json:"vocab"`
	} `json:"model"`
}

type normalizer struct {
	Type                string       `json:"type"`
	PrecompiledCharsmap string       `json:"precompiled_charsmap"`
	Normalizers         []normalizer `json:"normalizers"`
}

// charsmap finds the first precompiled table in a possibly nested
// sequence.
func (n *normalizer) charsmap() string {
	if n == nil {
		return ""
	}
	if n.Type == "Precompiled" {
		return n.PrecompiledCharsmap
	}
	for i := range n.Normalizers {
		if s := n.Normalizers[i].charsmap(); s != "" {
			return s
		}
	}
	return ""
}

type preTokenizer struct {
	Type           string         `json:"type"`
	AddPrefixSpace *bool          `json:"add_prefix_space"`
	PrependScheme  string         `json:"prepend_scheme"`
	PreTokenizers  []preTokenizer `json:"pretokenizers"`
}

func (p *preTokenizer) walk(fn func(*preTokenizer)) {
	if p == nil {
		return
	}
	fn(p)
	for i := range p.PreTokenizers {
		p.PreTokenizers[i].walk(fn)
	}
}

// scoredPiece decodes the ["piece", score] pairs of a Unigram vocab.
type scoredPiece struct {
	Piece string
	Score float32
}

func (p *scoredPiece) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("vocab entry has %d elements, expected 2", len(pair))
	}
	if err := json.Unmarshal(pair[0], &p.Piece); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &p.Score)
}

// Load reads a Hugging Face tokenizer.json holding a Unigram model.
func Load(path string) (*Unigram, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes a Hugging Face tokenizer.json holding a Unigram model.
// Special added tokens become control pieces and the others user defined
// pieces. The model appends </s> to every sequence.
func Parse(r io.Reader) (*Unigram, error) {
	var tf tokenizerFile
	if err := json.NewDecoder(r).Decode(&tf); err != nil {
		return nil, fmt.Errorf("decode tokenizer: %w", err)
	}
	if tf.Model.Type != "Unigram" {
		return nil, fmt.Errorf("unsupported tokenizer model %q", tf.Model.Type)
	}
	if len(tf.Model.Vocab) == 0 {
		return nil, errors.New("tokenizer has an empty vocabulary")
	}

	vocab := &Vocabulary{
		Values:                 make([]string, len(tf.Model.Vocab)),
		Types:                  make([]int32, len(tf.Model.Vocab)),
		Scores:                 make([]float32, len(tf.Model.Vocab)),
		RemoveExtraWhitespaces: true,
		UNK:                    -1,
	}
	for i, p := range tf.Model.Vocab {
		vocab.Values[i] = p.Piece
		vocab.Scores[i] = p.Score
		vocab.Types[i] = TOKEN_TYPE_NORMAL
	}

	if tf.Model.UnkID != nil {
		vocab.UNK = *tf.Model.UnkID
	} else {
		vocab.UNK = vocab.Encode("<unk>")
	}
	if vocab.UNK < 0 || int(vocab.UNK) >= len(vocab.Values) {
		return nil, fmt.Errorf("tokenizer unknown id %d out of range", vocab.UNK)
	}
	vocab.Types[vocab.UNK] = TOKEN_TYPE_UNKNOWN

	for _, t := range tf.AddedTokens {
		if t.ID < 0 || int(t.ID) >= len(vocab.Values) {
			slog.Warn("ignoring added token outside the vocabulary", "id", t.ID, "content", t.Content)
			continue
		}
		if t.ID == vocab.UNK {
			continue
		}
		if t.Special {
			vocab.Types[t.ID] = TOKEN_TYPE_CONTROL
		} else {
			vocab.Types[t.ID] = TOKEN_TYPE_USER_DEFINED
		}
	}

	if id := vocab.Encode("<pad>"); id >= 0 {
		vocab.PAD = id
	}
	if id := vocab.Encode("</s>"); id >= 0 {
		vocab.EOS = []int32{id}
		vocab.AddEOS = true
	}

	vocab.AddSpacePrefix = true
	tf.PreTokenizer.walk(func(p *preTokenizer) {
		if p.Type != "Metaspace" {
			return
		}
		if p.AddPrefixSpace != nil {
			vocab.AddSpacePrefix = *p.AddPrefixSpace
		}
		if p.PrependScheme == "never" {
			vocab.AddSpacePrefix = false
		}
	})

	var charsMap []byte
	if s := tf.Normalizer.charsmap(); s != "" {
		var err error
		if charsMap, err = base64.StdEncoding.DecodeString(s); err != nil {
			return nil, fmt.Errorf("decode precompiled charsmap: %w", err)
		}
	}

	slog.Debug("loaded tokenizer", "vocab", len(vocab.Values), "specials", len(vocab.SpecialVocabulary()), "charsmap", len(charsMap))
	return NewUnigram(vocab, charsMap)
}
