package tokenizer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/StoneLin0708/language-model-playground/core/models"
	"github.com/StoneLin0708/language-model-playground/storage"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Special tokens always occupy the first ids of every vocabulary
const (
	BOS = "[bos]"
	EOS = "[eos]"
	PAD = "[pad]"
	UNK = "[unk]"

	BOSID = 0
	EOSID = 1
	PADID = 2
	UNKID = 3
)

// Supported tokenizer classes
const (
	ClassCharDict       = "char_dict"
	ClassWhitespaceDict = "whitespace_dict"
	ClassBPE            = "bpe_cl100k"
)

const bpeEncodingName = "cl100k_base"

var specialTokens = []string{BOS, EOS, PAD, UNK}

// Encoding is the subset of a BPE encoding the tokenizer uses
type Encoding interface {
	EncodeOrdinary(text string) []int
	Decode(tokens []int) string
}

// Tokenizer maps text to a dense id space built from a training corpus.
// The bpe class keeps only BPE ids seen in the corpus, remapped to local ids.
type Tokenizer struct {
	class     string
	uncased   bool
	tokenToID map[string]int
	idToToken []string
	bpe       Encoding
}

// New creates a tokenizer holding only the special tokens
func New(cfg models.TokenizerConfig) (*Tokenizer, error) {
	switch cfg.Class {
	case ClassCharDict, ClassWhitespaceDict:
		return newTokenizer(cfg.Class, cfg.Uncased, nil), nil
	case ClassBPE:
		enc, err := tiktoken.GetEncoding(bpeEncodingName)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s encoding: %w", bpeEncodingName, err)
		}
		return newTokenizer(ClassBPE, cfg.Uncased, enc), nil
	default:
		return nil, fmt.Errorf("unsupported tokenizer class %q", cfg.Class)
	}
}

func newTokenizer(class string, uncased bool, bpe Encoding) *Tokenizer {
	t := &Tokenizer{
		class:     class,
		uncased:   uncased,
		tokenToID: make(map[string]int),
		bpe:       bpe,
	}
	for _, tok := range specialTokens {
		t.add(tok)
	}
	return t
}

func (t *Tokenizer) add(tok string) {
	if _, ok := t.tokenToID[tok]; ok {
		return
	}
	t.tokenToID[tok] = len(t.idToToken)
	t.idToToken = append(t.idToToken, tok)
}

// Class returns the tokenizer class name
func (t *Tokenizer) Class() string {
	return t.class
}

// VocabSize returns the number of ids, special tokens included
func (t *Tokenizer) VocabSize() int {
	return len(t.idToToken)
}

// BuildVocab adds every token that occurs at least minCount times in corpus.
// More frequent tokens get smaller ids; ties are broken lexically.
func (t *Tokenizer) BuildVocab(corpus []string, minCount int) {
	counts := make(map[string]int)
	for _, text := range corpus {
		for _, tok := range t.tokenize(text) {
			counts[tok]++
		}
	}

	tokens := make([]string, 0, len(counts))
	for tok, n := range counts {
		if n >= minCount {
			tokens = append(tokens, tok)
		}
	}
	sort.Slice(tokens, func(i, j int) bool {
		if counts[tokens[i]] != counts[tokens[j]] {
			return counts[tokens[i]] > counts[tokens[j]]
		}
		return tokens[i] < tokens[j]
	})

	for _, tok := range tokens {
		t.add(tok)
	}
}

// Encode converts text into [bos] tokens... [eos]. When maxSeqLen > 0 the
// result is truncated or padded to exactly maxSeqLen ids.
func (t *Tokenizer) Encode(text string, maxSeqLen int) []int {
	toks := t.tokenize(text)
	ids := make([]int, 0, len(toks)+2)
	ids = append(ids, BOSID)
	for _, tok := range toks {
		id, ok := t.tokenToID[tok]
		if !ok {
			id = UNKID
		}
		ids = append(ids, id)
	}
	ids = append(ids, EOSID)

	if maxSeqLen <= 0 {
		return ids
	}
	if len(ids) > maxSeqLen {
		return ids[:maxSeqLen]
	}
	for len(ids) < maxSeqLen {
		ids = append(ids, PADID)
	}
	return ids
}

// BatchEncode encodes every text with the same length bound
func (t *Tokenizer) BatchEncode(texts []string, maxSeqLen int) [][]int {
	out := make([][]int, len(texts))
	for i, text := range texts {
		out[i] = t.Encode(text, maxSeqLen)
	}
	return out
}

// Decode converts ids back into text. [bos] and [pad] are dropped; with
// stopAtEOS everything from the first [eos] on is dropped as well.
func (t *Tokenizer) Decode(ids []int, stopAtEOS bool) string {
	toks := make([]string, 0, len(ids))
	for _, id := range ids {
		switch id {
		case BOSID, PADID:
			continue
		case EOSID:
			if stopAtEOS {
				return t.detokenize(toks)
			}
			continue
		}
		if id < 0 || id >= len(t.idToToken) {
			toks = append(toks, UNK)
			continue
		}
		toks = append(toks, t.idToToken[id])
	}
	return t.detokenize(toks)
}

// BatchDecode decodes every id sequence
func (t *Tokenizer) BatchDecode(ids [][]int, stopAtEOS bool) []string {
	out := make([]string, len(ids))
	for i, seq := range ids {
		out[i] = t.Decode(seq, stopAtEOS)
	}
	return out
}

func (t *Tokenizer) normalize(text string) string {
	text = strings.TrimSpace(text)
	if t.uncased {
		text = strings.ToLower(text)
	}
	return text
}

func (t *Tokenizer) tokenize(text string) []string {
	text = t.normalize(text)
	switch t.class {
	case ClassWhitespaceDict:
		return strings.Fields(text)
	case ClassBPE:
		raw := t.bpe.EncodeOrdinary(text)
		toks := make([]string, len(raw))
		for i, id := range raw {
			toks[i] = strconv.Itoa(id)
		}
		return toks
	default:
		toks := make([]string, 0, utf8.RuneCountInString(text))
		for _, r := range text {
			toks = append(toks, string(r))
		}
		return toks
	}
}

func (t *Tokenizer) detokenize(toks []string) string {
	switch t.class {
	case ClassWhitespaceDict:
		return strings.Join(toks, " ")
	case ClassBPE:
		var b strings.Builder
		var run []int
		flush := func() {
			if len(run) > 0 {
				b.WriteString(t.bpe.Decode(run))
				run = run[:0]
			}
		}
		for _, tok := range toks {
			id, err := strconv.Atoi(tok)
			if err != nil {
				flush()
				b.WriteString(tok)
				continue
			}
			run = append(run, id)
		}
		flush()
		return b.String()
	default:
		return strings.Join(toks, "")
	}
}

type tokenizerFile struct {
	Class   string   `json:"class"`
	Uncased bool     `json:"uncased"`
	Tokens  []string `json:"tokens"`
}

// Save writes the vocabulary as JSON
func (t *Tokenizer) Save(path string) error {
	b, err := json.MarshalIndent(tokenizerFile{
		Class:   t.class,
		Uncased: t.uncased,
		Tokens:  t.idToToken,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode tokenizer: %w", err)
	}
	if err := storage.WriteArtifact(path, b); err != nil {
		return fmt.Errorf("failed to save tokenizer: %w", err)
	}
	return nil
}

// Load reads a vocabulary written by Save
func Load(path string) (*Tokenizer, error) {
	b, err := storage.ReadArtifact(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	var f tokenizerFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to decode tokenizer %s: %w", path, err)
	}
	if len(f.Tokens) < len(specialTokens) {
		return nil, fmt.Errorf("tokenizer %s has %d tokens, want at least %d", path, len(f.Tokens), len(specialTokens))
	}
	for i, tok := range specialTokens {
		if f.Tokens[i] != tok {
			return nil, fmt.Errorf("tokenizer %s: id %d is %q, want %q", path, i, f.Tokens[i], tok)
		}
	}

	t, err := New(models.TokenizerConfig{Class: f.Class, Uncased: f.Uncased})
	if err != nil {
		return nil, err
	}
	for _, tok := range f.Tokens {
		t.add(tok)
	}
	return t, nil
}
