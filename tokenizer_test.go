package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestVocab writes a small wordpiece vocabulary and returns its path.
func writeTestVocab(t *testing.T) string {
	t.Helper()

	tokens := []string{
		"[PAD]", "[UNK]", "[CLS]", "[SEP]",
		"a", "the", "cat", "dog", "sat", "on", "mat",
		"un", "##aff", "##able", "##s",
		"hello", "world",
		".", ",",
	}

	path := filepath.Join(t.TempDir(), "vocab.txt")
	content := ""
	for _, tok := range tokens {
		content += tok + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func loadTestTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	tok, err := LoadVocab(writeTestVocab(t))
	require.NoError(t, err)
	return tok
}

func TestLoadVocab(t *testing.T) {
	tok := loadTestTokenizer(t)

	assert.Equal(t, 19, tok.VocabSize())
	assert.Equal(t, 0, tok.PadID())
	assert.Equal(t, 2, tok.ClsID())
	assert.Equal(t, 3, tok.SepID())
}

func TestLoadVocabMissingSpecial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte("[PAD]\n[UNK]\n[CLS]\n"), 0o644))

	_, err := LoadVocab(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[SEP]")
}

func TestSaveVocabRoundTrip(t *testing.T) {
	tok := loadTestTokenizer(t)

	path := filepath.Join(t.TempDir(), "saved.txt")
	require.NoError(t, tok.SaveVocab(path))

	loaded, err := LoadVocab(path)
	require.NoError(t, err)
	assert.Equal(t, tok.VocabSize(), loaded.VocabSize())
	assert.Equal(t, tok.Encode("the cat sat"), loaded.Encode("the cat sat"))
}

func TestBasicTokenize(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"simple", "The cat sat", []string{"the", "cat", "sat"}},
		{"punctuation", "Hello, world.", []string{"hello", ",", "world", "."}},
		{"extra whitespace", "  a \t the  ", []string{"a", "the"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, basicTokenize(tt.text))
		})
	}
}

func TestWordpiece(t *testing.T) {
	tok := loadTestTokenizer(t)

	tests := []struct {
		word string
		want []string
	}{
		{"cat", []string{"cat"}},
		{"unaffable", []string{"un", "##aff", "##able"}},
		{"cats", []string{"cat", "##s"}},
		{"xyz", []string{"[UNK]"}},
	}

	for _, tt := range tests {
		t.Run(tt.word, func(t *testing.T) {
			assert.Equal(t, tt.want, tok.wordpiece(tt.word))
		})
	}
}

func TestTokenizeSentence(t *testing.T) {
	tok := loadTestTokenizer(t)

	got := tok.Tokenize("The cat is unaffable.")
	// "is" has no vocab entry or fragments -> [UNK]
	want := []string{"the", "cat", "[UNK]", "un", "##aff", "##able", "."}
	assert.Equal(t, want, got)
}

func TestEncodePairLayout(t *testing.T) {
	tok := loadTestTokenizer(t)
	const maxSeqLen = 16

	ids, mask, segs := tok.EncodePair("the cat", "a dog", maxSeqLen)

	require.Len(t, ids, maxSeqLen)
	require.Len(t, mask, maxSeqLen)
	require.Len(t, segs, maxSeqLen)

	// [CLS] the cat [SEP] a dog [SEP] [PAD]...
	assert.Equal(t, tok.ClsID(), ids[0])
	assert.Equal(t, tok.SepID(), ids[3])
	assert.Equal(t, tok.SepID(), ids[6])

	// First segment (incl. both its delimiters) is 0, second is 1
	assert.Equal(t, []int{0, 0, 0, 0, 1, 1, 1}, segs[:7])

	// Mask covers exactly the 7 real tokens
	realTokens := 0
	for i, m := range mask {
		if m == 1 {
			realTokens++
			assert.NotEqual(t, tok.PadID(), ids[i], "real token at %d is padding", i)
		} else {
			assert.Equal(t, tok.PadID(), ids[i], "masked position %d must be padding", i)
			assert.Equal(t, 0, segs[i])
		}
	}
	assert.Equal(t, 7, realTokens)
}

func TestEncodePairTruncatesLongerFirst(t *testing.T) {
	tok := loadTestTokenizer(t)

	// Premise tokenizes much longer than hypothesis
	long := "the cat sat on the mat the cat sat on the mat the cat sat on the mat"
	short := "a dog"

	const maxSeqLen = 12
	ids, mask, segs := tok.EncodePair(long, short, maxSeqLen)

	require.Len(t, ids, maxSeqLen)
	require.Len(t, mask, maxSeqLen)
	require.Len(t, segs, maxSeqLen)

	// Everything is real tokens after truncation
	for i, m := range mask {
		assert.Equal(t, 1, m, "position %d should be a real token", i)
	}

	// The short hypothesis survives intact: "a", "dog" as segment 1
	hypothesisTokens := 0
	for i := range ids {
		if segs[i] == 1 && ids[i] != tok.SepID() {
			hypothesisTokens++
		}
	}
	assert.Equal(t, 2, hypothesisTokens)
}

func TestTruncatePair(t *testing.T) {
	a := []int{1, 2, 3, 4, 5, 6}
	b := []int{7, 8}

	ta, tb := truncatePair(a, b, 5)
	assert.Equal(t, []int{1, 2, 3}, ta)
	assert.Equal(t, []int{7, 8}, tb)

	// Equal lengths shrink together
	ta, tb = truncatePair([]int{1, 2, 3}, []int{4, 5, 6}, 4)
	assert.Len(t, ta, 2)
	assert.Len(t, tb, 2)
}
