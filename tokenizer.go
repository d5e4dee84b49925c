package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements WordPiece tokenization, the subword scheme used by
// BERT-style encoders. Text is first split into words (lowercased, with
// punctuation broken out), then each word is greedily matched against the
// vocabulary, longest piece first. Pieces that continue a word carry a
// "##" prefix:
//
//	"unaffable" → ["un", "##aff", "##able"]
//
// WHY SUBWORDS:
//
// A pure word-level vocabulary either explodes in size or maps every rare
// word to [UNK], losing information. A pure character-level vocabulary
// makes sequences very long. Subwords sit between the two: common words
// stay whole, rare words decompose into meaningful fragments.
//
// The vocabulary is read from a plain text file, one token per line; the
// token's line number is its ID. This is the format published alongside
// pretrained BERT checkpoints, so a real vocab file drops straight in.
//
// RECOMMENDED READING:
// - "Google's Neural Machine Translation System" (Wu et al., 2016)
//   Section 4.1 describes the wordpiece model.
// - "BERT: Pre-training of Deep Bidirectional Transformers" (2018)
//   Section 4 covers the input representation this tokenizer feeds.
//
// ===========================================================================

// Special tokens expected in the vocabulary.
const (
	PadToken = "[PAD]"
	UnkToken = "[UNK]"
	ClsToken = "[CLS]"
	SepToken = "[SEP]"
)

// maxWordChars caps the length of a word eligible for wordpiece matching.
// Longer words map to [UNK] directly (same cutoff as the original BERT
// tokenizer).
const maxWordChars = 100

// Tokenizer converts raw text into vocabulary token IDs using the
// WordPiece algorithm.
type Tokenizer struct {
	vocab   map[string]int // token -> ID
	inverse []string       // ID -> token

	padID int
	unkID int
	clsID int
	sepID int
}

// LoadVocab reads a vocabulary file (one token per line, line number =
// token ID) and returns a ready tokenizer. The four special tokens must
// all be present.
func LoadVocab(path string) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening vocab file: %w", err)
	}
	defer f.Close()

	t := &Tokenizer{
		vocab: make(map[string]int),
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		token := strings.TrimRight(scanner.Text(), "\r\n")
		if token == "" {
			continue
		}
		if _, dup := t.vocab[token]; dup {
			return nil, fmt.Errorf("duplicate vocab token %q at line %d", token, len(t.inverse)+1)
		}
		t.vocab[token] = len(t.inverse)
		t.inverse = append(t.inverse, token)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading vocab file: %w", err)
	}

	for _, sp := range []struct {
		token string
		id    *int
	}{
		{PadToken, &t.padID},
		{UnkToken, &t.unkID},
		{ClsToken, &t.clsID},
		{SepToken, &t.sepID},
	} {
		id, ok := t.vocab[sp.token]
		if !ok {
			return nil, fmt.Errorf("vocab file %s missing special token %s", path, sp.token)
		}
		*sp.id = id
	}

	return t, nil
}

// SaveVocab writes the vocabulary to a file, one token per line.
func (t *Tokenizer) SaveVocab(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating vocab file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, token := range t.inverse {
		if _, err := fmt.Fprintln(w, token); err != nil {
			return fmt.Errorf("writing vocab file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing vocab file: %w", err)
	}
	return nil
}

// VocabSize returns the number of tokens in the vocabulary.
func (t *Tokenizer) VocabSize() int {
	return len(t.inverse)
}

// PadID returns the ID of the [PAD] token.
func (t *Tokenizer) PadID() int { return t.padID }

// ClsID returns the ID of the [CLS] token.
func (t *Tokenizer) ClsID() int { return t.clsID }

// SepID returns the ID of the [SEP] token.
func (t *Tokenizer) SepID() int { return t.sepID }

// basicTokenize lowercases text and splits it into words, breaking
// punctuation out as standalone tokens.
func basicTokenize(text string) []string {
	var words []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			current.WriteRune(r)
		}
	}
	flush()

	return words
}

// wordpiece splits a single word into subword tokens using greedy
// longest-match-first against the vocabulary. Returns [UNK] if any
// remaining fragment has no match at all.
func (t *Tokenizer) wordpiece(word string) []string {
	runes := []rune(word)
	if len(runes) > maxWordChars {
		return []string{UnkToken}
	}

	var pieces []string
	start := 0

	for start < len(runes) {
		end := len(runes)
		match := ""

		for end > start {
			candidate := string(runes[start:end])
			if start > 0 {
				candidate = "##" + candidate
			}
			if _, ok := t.vocab[candidate]; ok {
				match = candidate
				break
			}
			end--
		}

		if match == "" {
			// No fragment matched; the whole word becomes [UNK]
			return []string{UnkToken}
		}

		pieces = append(pieces, match)
		start = end
	}

	return pieces
}

// Tokenize converts raw text into wordpiece token strings.
func (t *Tokenizer) Tokenize(text string) []string {
	var tokens []string
	for _, word := range basicTokenize(text) {
		tokens = append(tokens, t.wordpiece(word)...)
	}
	return tokens
}

// Encode converts raw text into token IDs (no special tokens added).
func (t *Tokenizer) Encode(text string) []int {
	tokens := t.Tokenize(text)
	ids := make([]int, len(tokens))
	for i, token := range tokens {
		id, ok := t.vocab[token]
		if !ok {
			id = t.unkID
		}
		ids[i] = id
	}
	return ids
}

// truncatePair trims two token sequences so their combined length fits
// maxTokens, removing from the end of the LONGER sequence first. This
// keeps the pair balanced instead of letting a long premise squeeze the
// hypothesis out entirely.
func truncatePair(a, b []int, maxTokens int) ([]int, []int) {
	for len(a)+len(b) > maxTokens {
		if len(a) > len(b) {
			a = a[:len(a)-1]
		} else {
			b = b[:len(b)-1]
		}
	}
	return a, b
}

// EncodePair converts a sentence pair into fixed-length model inputs:
//
//	[CLS] premise tokens [SEP] hypothesis tokens [SEP] [PAD]...
//
// Returns input IDs, attention mask (1 for real tokens, 0 for padding)
// and segment IDs (0 for the first sentence including both its
// delimiters, 1 for the second), each exactly maxSeqLen long.
func (t *Tokenizer) EncodePair(first, second string, maxSeqLen int) (inputIDs, attentionMask, segmentIDs []int) {
	a := t.Encode(first)
	b := t.Encode(second)

	// Three slots go to [CLS] and the two [SEP] delimiters
	a, b = truncatePair(a, b, maxSeqLen-3)

	inputIDs = make([]int, 0, maxSeqLen)
	segmentIDs = make([]int, 0, maxSeqLen)

	inputIDs = append(inputIDs, t.clsID)
	segmentIDs = append(segmentIDs, 0)

	for _, id := range a {
		inputIDs = append(inputIDs, id)
		segmentIDs = append(segmentIDs, 0)
	}
	inputIDs = append(inputIDs, t.sepID)
	segmentIDs = append(segmentIDs, 0)

	for _, id := range b {
		inputIDs = append(inputIDs, id)
		segmentIDs = append(segmentIDs, 1)
	}
	inputIDs = append(inputIDs, t.sepID)
	segmentIDs = append(segmentIDs, 1)

	attentionMask = make([]int, len(inputIDs), maxSeqLen)
	for i := range attentionMask {
		attentionMask[i] = 1
	}

	for len(inputIDs) < maxSeqLen {
		inputIDs = append(inputIDs, t.padID)
		attentionMask = append(attentionMask, 0)
		segmentIDs = append(segmentIDs, 0)
	}

	return inputIDs, attentionMask, segmentIDs
}
