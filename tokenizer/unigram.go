// Package tokenizer implements the SentencePiece Unigram model used by the
// UMT5 text encoder: charsmap normalization, Viterbi segmentation over the
// scored vocabulary, and fixed-length padding for the encoder input.
package tokenizer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf8"
)

const (
	spaceMarker    = "▁"
	unknownPenalty = 10.0
)

type trie struct {
	children map[byte]*trie
	hasValue bool
	value    int32
}

func (n *trie) insert(key string, value int32) {
	for i := 0; i < len(key); i++ {
		if n.children == nil {
			n.children = make(map[byte]*trie)
		}
		child, ok := n.children[key[i]]
		if !ok {
			child = &trie{}
			n.children[key[i]] = child
		}
		n = child
	}
	n.hasValue = true
	n.value = value
}

// longestPrefix returns the length of the longest prefix of key that is a
// stored key.
func (n *trie) longestPrefix(key string) int {
	longest := 0
	for i := 0; i < len(key) && n != nil; i++ {
		n = n.next(key[i])
		if n != nil && n.hasValue {
			longest = i + 1
		}
	}
	return longest
}

func (n *trie) next(c byte) *trie {
	if n.children == nil {
		return nil
	}
	return n.children[c]
}

// charsMap is a compiled SentencePiece normalization table: a
// double-array trie over input bytes whose leaves point into a block of
// NUL-terminated replacement strings.
type charsMap struct {
	nodes        []uint32
	replacements []byte
}

func parseCharsMap(blob []byte) (charsMap, error) {
	if len(blob) == 0 {
		return charsMap{}, nil
	}
	if len(blob) < 4 {
		return charsMap{}, errors.New("precompiled charsmap too short")
	}

	size := int(binary.LittleEndian.Uint32(blob))
	if size+4 > len(blob) || size%4 != 0 {
		return charsMap{}, fmt.Errorf("precompiled charsmap trie of %d bytes exceeds blob of %d", size, len(blob))
	}

	nodes := make([]uint32, size/4)
	for i := range nodes {
		nodes[i] = binary.LittleEndian.Uint32(blob[4+4*i:])
	}
	return charsMap{nodes: nodes, replacements: blob[4+size:]}, nil
}

func (m charsMap) node(i uint32) (uint32, error) {
	if int(i) >= len(m.nodes) {
		return 0, fmt.Errorf("charsmap node %d out of range (%d nodes)", i, len(m.nodes))
	}
	return m.nodes[i], nil
}

func nodeBase(n uint32) uint32  { return (n >> 10) << ((n & (1 << 9)) >> 6) }
func nodeCheck(n uint32) uint32 { return n & ((1 << 31) | 0xff) }
func nodeLeaf(n uint32) bool    { return (n>>8)&1 == 1 }
func nodeValue(n uint32) uint32 { return n & ((1 << 31) - 1) }

// match returns the length of the longest normalizable prefix of input and
// its replacement. A zero length means no rule applies.
func (m charsMap) match(input string) (int, string, error) {
	if len(m.nodes) == 0 {
		return 0, "", nil
	}

	root, err := m.node(0)
	if err != nil {
		return 0, "", err
	}
	index := nodeBase(root)

	var length int
	var offset uint32
	for i := 0; i < len(input); i++ {
		c := uint32(input[i])
		if c == 0 {
			break
		}

		index ^= c
		n, err := m.node(index)
		if err != nil {
			return 0, "", err
		}
		if nodeCheck(n) != c {
			break
		}

		index ^= nodeBase(n)
		if nodeLeaf(n) {
			v, err := m.node(index)
			if err != nil {
				return 0, "", err
			}
			length, offset = i+1, nodeValue(v)
		}
	}

	if length == 0 {
		return 0, "", nil
	}

	if int(offset) >= len(m.replacements) {
		return 0, "", fmt.Errorf("charsmap replacement %d out of range", offset)
	}
	repl := m.replacements[offset:]
	end := bytes.IndexByte(repl, 0)
	if end < 0 {
		return 0, "", errors.New("unterminated replacement in charsmap")
	}
	return length, string(repl[:end]), nil
}

// Unigram segments text into the highest scoring sequence of vocabulary
// pieces.
type Unigram struct {
	vocab        *Vocabulary
	norm         charsMap
	pieces       trie
	userDefined  trie
	unknownScore float32
}

// NewUnigram builds a tokenizer over vocab. An empty charsMap disables
// normalization beyond whitespace handling.
func NewUnigram(vocab *Vocabulary, charsMap []byte) (*Unigram, error) {
	norm, err := parseCharsMap(charsMap)
	if err != nil {
		return nil, fmt.Errorf("unigram: %w", err)
	}

	u := &Unigram{vocab: vocab, norm: norm}

	minScore := float32(math.MaxFloat32)
	for id, typ := range vocab.Types {
		switch typ {
		case TOKEN_TYPE_NORMAL:
			minScore = min(minScore, vocab.Scores[id])
			u.pieces.insert(vocab.Values[id], int32(id))
		case TOKEN_TYPE_UNUSED:
			u.pieces.insert(vocab.Values[id], int32(id))
		case TOKEN_TYPE_USER_DEFINED:
			u.pieces.insert(vocab.Values[id], int32(id))
			u.userDefined.insert(vocab.Values[id], int32(id))
		}
	}
	if minScore == math.MaxFloat32 {
		minScore = 0
	}
	u.unknownScore = minScore - unknownPenalty

	return u, nil
}

func (u *Unigram) Vocabulary() *Vocabulary { return u.vocab }

func (u *Unigram) Is(id int32, special Special) bool { return u.vocab.Is(id, special) }

// normalizePrefix consumes one unit of input and returns its normalized
// form.
func (u *Unigram) normalizePrefix(input string) (string, int, error) {
	if n := u.userDefined.longestPrefix(input); n > 0 {
		return input[:n], n, nil
	}

	n, repl, err := u.norm.match(input)
	if err != nil {
		return "", 0, err
	}
	if n > 0 {
		return repl, n, nil
	}

	r, size := utf8.DecodeRuneInString(input)
	if r == utf8.RuneError {
		return "�", 1, nil
	}
	return string(r), size, nil
}

// normalize applies the charsmap and rewrites spaces as the space marker.
func (u *Unigram) normalize(input string) (string, error) {
	var sb strings.Builder
	sb.Grow(len(input) + 8)

	prepend := u.vocab.AddSpacePrefix && !u.vocab.TreatWhitespaceAsSuffix
	appendSpace := u.vocab.AddSpacePrefix && u.vocab.TreatWhitespaceAsSuffix
	merge := u.vocab.RemoveExtraWhitespaces

	var prepended, inWord bool
	for len(input) > 0 {
		norm, n, err := u.normalizePrefix(input)
		if err != nil {
			return "", err
		}

		for i := 0; i < len(norm); i++ {
			if c := norm[i]; c != ' ' {
				if !inWord {
					inWord = true
					if (prepend && !prepended) || merge {
						sb.WriteString(spaceMarker)
						prepended = true
					}
				}
				sb.WriteByte(c)
			} else {
				inWord = false
				if !merge {
					sb.WriteString(spaceMarker)
				}
			}
		}
		input = input[n:]
	}

	if appendSpace {
		sb.WriteString(spaceMarker)
	}
	return sb.String(), nil
}

type latticeNode struct {
	id    int32
	start int
	score float64
}

// segment runs Viterbi over the byte positions of normalized.
func (u *Unigram) segment(normalized string) []int32 {
	if normalized == "" {
		return nil
	}

	best := make([]latticeNode, len(normalized)+1)
	for i := range best {
		best[i] = latticeNode{id: u.vocab.UNK, score: math.Inf(-1)}
	}
	best[0].score = 0

	for start := 0; start < len(normalized); {
		width := min(runeWidth(normalized[start]), len(normalized)-start)
		from := best[start].score

		covered := false
		node := u.pieces.next(normalized[start])
		for end := start + 1; node != nil; end++ {
			if node.hasValue {
				id := node.value
				if end-start == width {
					covered = true
				}

				score := from
				if u.vocab.Types[id] != TOKEN_TYPE_USER_DEFINED {
					score += float64(u.vocab.Scores[id])
				}
				if score > best[end].score {
					best[end] = latticeNode{id: id, start: start, score: score}
				}
			}
			if end >= len(normalized) {
				break
			}
			node = node.next(normalized[end])
		}

		if !covered {
			end := start + width
			if score := from + float64(u.unknownScore); score > best[end].score {
				best[end] = latticeNode{id: u.vocab.UNK, start: start, score: score}
			}
		}

		start += width
	}

	var ids []int32
	prevUnknown := false
	for n := best[len(normalized)]; ; n = best[n.start] {
		unknown := n.id == u.vocab.UNK
		// consecutive unknown runes collapse into one piece
		if !unknown || !prevUnknown {
			ids = append(ids, n.id)
		}
		if n.start == 0 {
			break
		}
		prevUnknown = unknown
	}

	slices.Reverse(ids)
	return ids
}

func runeWidth(c byte) int {
	return [16]int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 2, 2, 3, 4}[c>>4]
}

// Encode tokenizes s. Special pieces in s map directly to their ids. With
// addSpecial the vocabulary's BOS and EOS are added where configured.
func (u *Unigram) Encode(s string, addSpecial bool) ([]int32, error) {
	var ids []int32
	if addSpecial && u.vocab.AddBOS && len(u.vocab.BOS) > 0 {
		ids = append(ids, u.vocab.BOS[0])
	}

	for _, frag := range splitSpecialTokens(s, u.vocab) {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}

		normalized, err := u.normalize(frag.value)
		if err != nil {
			return nil, err
		}
		ids = append(ids, u.segment(normalized)...)
	}

	if addSpecial && u.vocab.AddEOS && len(u.vocab.EOS) > 0 {
		ids = append(ids, u.vocab.EOS[0])
	}
	return ids, nil
}

// EncodePadded tokenizes s with special tokens into exactly length ids,
// truncating the text so the closing EOS survives and padding with PAD.
// The mask is 1 for real tokens and 0 for padding.
func (u *Unigram) EncodePadded(s string, length int) (ids, mask []int32, err error) {
	if length <= 0 {
		return nil, nil, fmt.Errorf("unigram: invalid length %d", length)
	}

	ids, err = u.Encode(s, true)
	if err != nil {
		return nil, nil, err
	}

	if len(ids) > length {
		last := ids[len(ids)-1]
		ids = ids[:length]
		if u.vocab.AddEOS && u.vocab.Is(last, SpecialEOS) {
			ids[length-1] = last
		}
	}

	mask = make([]int32, length)
	for i := range ids {
		mask[i] = 1
	}
	for len(ids) < length {
		ids = append(ids, u.vocab.PAD)
	}
	return ids, mask, nil
}

// Decode maps ids back to text, dropping control pieces.
func (u *Unigram) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	sb.Grow(len(ids) * 4)

	for _, id := range ids {
		if id < 0 || int(id) >= len(u.vocab.Values) {
			return "", fmt.Errorf("invalid token id: %d", id)
		}
		if u.vocab.Types[id] == TOKEN_TYPE_CONTROL {
			continue
		}
		sb.WriteString(strings.ReplaceAll(u.vocab.Values[id], spaceMarker, " "))
	}

	return strings.TrimPrefix(sb.String(), " "), nil
}
