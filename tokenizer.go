package gpt2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Tokenizer converts between text and token ids. Training data arrives
// pre-tokenized in shards; the tokenizer is only consulted by the
// periodic sampling step.
type Tokenizer interface {
	Encode(text string) ([]int32, error)
	Decode(tokens []int32) (string, error)
}

// BPETokenizer wraps the GPT-2 byte-pair encoding.
type BPETokenizer struct {
	enc *tiktoken.Tiktoken
}

func NewBPETokenizer() (*BPETokenizer, error) {
	enc, err := tiktoken.GetEncoding("r50k_base")
	if err != nil {
		return nil, fmt.Errorf("tokenizer: loading gpt-2 encoding: %w", err)
	}
	return &BPETokenizer{enc: enc}, nil
}

func (t *BPETokenizer) Encode(text string) ([]int32, error) {
	raw := t.enc.EncodeOrdinary(text)
	tokens := make([]int32, len(raw))
	for i, id := range raw {
		tokens[i] = int32(id)
	}
	return tokens, nil
}

func (t *BPETokenizer) Decode(tokens []int32) (string, error) {
	raw := make([]int, len(tokens))
	for i, id := range tokens {
		raw[i] = int(id)
	}
	return t.enc.Decode(raw), nil
}

const tokenizerMagic = 20240328

// TableTokenizer maps token ids through a fixed vocabulary table, the
// format the reference tokenizer file ships in.
type TableTokenizer struct {
	tokenTable []string
}

// NewTableTokenizer reads a binary vocabulary file: a 256-word uint32
// header (magic, version, vocab size) followed by length-prefixed token
// strings.
func NewTableTokenizer(filename string) (*TableTokenizer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	header := make([]uint32, 256)
	if err := binary.Read(f, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if header[0] != tokenizerMagic || header[1] != 1 {
		return nil, errors.New("tokenizer: bad vocabulary file header")
	}
	table := make([]string, header[2])
	var length byte
	for i := range table {
		if err := binary.Read(f, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		if length == 0 {
			return nil, fmt.Errorf("tokenizer: zero-length token at index %d", i)
		}
		tokenBytes := make([]byte, length)
		if err := binary.Read(f, binary.LittleEndian, tokenBytes); err != nil {
			return nil, err
		}
		table[i] = string(tokenBytes)
	}
	return &TableTokenizer{tokenTable: table}, nil
}

// newTableTokenizerFromVocab builds a tokenizer over an explicit table,
// for tests and toy models.
func newTableTokenizerFromVocab(vocab []string) *TableTokenizer {
	table := make([]string, len(vocab))
	copy(table, vocab)
	return &TableTokenizer{tokenTable: table}
}

// Encode greedily matches the longest table entry at each position.
// Unmatchable input is an error rather than a silent skip.
func (t *TableTokenizer) Encode(text string) ([]int32, error) {
	var tokens []int32
	for len(text) > 0 {
		best := -1
		bestLen := 0
		for id, tok := range t.tokenTable {
			if len(tok) > bestLen && strings.HasPrefix(text, tok) {
				best = id
				bestLen = len(tok)
			}
		}
		if best < 0 {
			return nil, fmt.Errorf("tokenizer: no vocabulary entry matches %q", text[:1])
		}
		tokens = append(tokens, int32(best))
		text = text[bestLen:]
	}
	return tokens, nil
}

func (t *TableTokenizer) Decode(tokens []int32) (string, error) {
	var sb strings.Builder
	for _, token := range tokens {
		if token < 0 || int(token) >= len(t.tokenTable) {
			return "", fmt.Errorf("tokenizer: token %d outside vocabulary of %d", token, len(t.tokenTable))
		}
		sb.WriteString(t.tokenTable[token])
	}
	return sb.String(), nil
}
