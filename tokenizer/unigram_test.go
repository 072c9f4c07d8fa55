package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const testTokenizerJSON = `{
  "added_tokens": [
    {"id": 0, "content": "<pad>", "special": true},
    {"id": 1, "content": "</s>", "special": true},
    {"id": 2, "content": "<unk>", "special": true},
    {"id": 11, "content": "<extra_id_0>", "special": true}
  ],
  "normalizer": {"type": "Sequence", "normalizers": [{"type": "Replace"}]},
  "pre_tokenizer": {"type": "Sequence", "pretokenizers": [
    {"type": "WhitespaceSplit"},
    {"type": "Metaspace", "replacement": "▁", "prepend_scheme": "always"}
  ]},
  "model": {
    "type": "Unigram",
    "unk_id": 2,
    "vocab": [
      ["<pad>", 0.0], ["</s>", 0.0], ["<unk>", 0.0],
      ["▁a", -1.0], ["▁cat", -2.0], ["▁c", -3.0], ["at", -3.0],
      ["▁", -4.0], ["a", -5.0], ["c", -5.0], ["t", -5.0],
      ["<extra_id_0>", 0.0]
    ]
  }
}`

func testTokenizer(t testing.TB) *Unigram {
	t.Helper()
	u, err := Parse(strings.NewReader(testTokenizerJSON))
	require.NoError(t, err)
	return u
}

func TestParse(t *testing.T) {
	u := testTokenizer(t)
	v := u.Vocabulary()

	assert.Len(t, v.Values, 12)
	assert.Equal(t, int32(2), v.UNK)
	assert.Equal(t, int32(0), v.PAD)
	assert.Equal(t, []int32{1}, v.EOS)
	assert.True(t, v.AddEOS)
	assert.False(t, v.AddBOS)
	assert.True(t, u.Is(1, SpecialEOS))
	assert.EqualValues(t, TOKEN_TYPE_UNKNOWN, v.Types[2])
	assert.EqualValues(t, TOKEN_TYPE_CONTROL, v.Types[11])
	assert.Equal(t, []string{"<pad>", "</s>", "<extra_id_0>"}, v.SpecialVocabulary())
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"not json":   `{`,
		"bpe model":  `{"model": {"type": "BPE", "vocab": []}}`,
		"empty":      `{"model": {"type": "Unigram", "vocab": []}}`,
		"bad entry":  `{"model": {"type": "Unigram", "vocab": [["a"]]}}`,
		"no unknown": `{"model": {"type": "Unigram", "vocab": [["a", 0.0]]}}`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestEncode(t *testing.T) {
	u := testTokenizer(t)

	cases := []struct {
		input string
		want  []int32
	}{
		{"a cat", []int32{3, 4, 1}},
		{"  a   cat ", []int32{3, 4, 1}},
		{"at", []int32{3, 10, 1}},
		{"a dog", []int32{3, 7, 2, 1}},
		{"a<extra_id_0>cat", []int32{3, 11, 4, 1}},
		{"", []int32{1}},
	}

	for _, tt := range cases {
		t.Run(tt.input, func(t *testing.T) {
			ids, err := u.Encode(tt.input, true)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids)
		})
	}

	ids, err := u.Encode("a cat", false)
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 4}, ids)
}

func TestEncodePadded(t *testing.T) {
	u := testTokenizer(t)

	ids, mask, err := u.EncodePadded("a cat", 6)
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 4, 1, 0, 0, 0}, ids)
	assert.Equal(t, []int32{1, 1, 1, 0, 0, 0}, mask)

	ids, mask, err = u.EncodePadded("a cat a cat", 3)
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 4, 1}, ids)
	assert.Equal(t, []int32{1, 1, 1}, mask)

	_, _, err = u.EncodePadded("a", 0)
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	u := testTokenizer(t)

	s, err := u.Decode([]int32{3, 4, 1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, "a cat", s)

	_, err = u.Decode([]int32{99})
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	u := testTokenizer(t)

	rapid.Check(t, func(t *rapid.T) {
		words := rapid.SliceOfN(rapid.SampledFrom([]string{"a", "cat", "at", "c", "t", "tac"}), 1, 8).Draw(t, "words")
		text := strings.Join(words, " ")

		ids, err := u.Encode(text, true)
		if err != nil {
			t.Fatal(err)
		}
		got, err := u.Decode(ids)
		if err != nil {
			t.Fatal(err)
		}
		if got != text {
			t.Fatalf("Decode(Encode(%q)) = %q", text, got)
		}
	})
}

func TestCharsMap(t *testing.T) {
	_, err := parseCharsMap([]byte{1, 2})
	assert.Error(t, err)

	_, err = parseCharsMap([]byte{0xff, 0, 0, 0, 1, 2, 3, 4})
	assert.Error(t, err)

	m, err := parseCharsMap(nil)
	require.NoError(t, err)
	n, repl, err := m.match("abc")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, repl)
}

func TestClean(t *testing.T) {
	cases := map[string]string{
		"  a cat  ":             "a cat",
		"a\n\tcat":              "a cat",
		"fish &amp;amp; chips":  "fish & chips",
		"zero\u200bwidth\ufeff": "zerowidth",
		"":                      "",
	}

	for in, want := range cases {
		assert.Equal(t, want, Clean(in), "%q", in)
	}
}
