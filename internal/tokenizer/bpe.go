package tokenizer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

const (
	// gpt2Pattern is the GPT-2 split regex without the \s+(?!\S) lookahead
	// branch, which RE2 cannot express. splitWords restores its effect.
	gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`
	// llama3Pattern is the llama.cpp rendition of the Llama 3 split regex.
	llama3Pattern = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`

	metaspace = "▁"
)

// Options configures a BPE tokenizer beyond its vocabulary and merges.
type Options struct {
	// Pattern overrides the pre-tokenizer split regex. Empty selects GPT-2.
	Pattern string
	// Normalize is applied to every non-special text segment before
	// pre-tokenization.
	Normalize func(string) string
	// Metaspace selects SentencePiece-style BPE: spaces are replaced by "▁"
	// and no byte-level mapping is applied.
	Metaspace bool
	// MetaspaceSplit splits metaspace text into words at each "▁".
	MetaspaceSplit bool
	// PrependSpace adds a leading space (or "▁") to each text segment and
	// strips it again on decode.
	PrependSpace bool
	// ByteFallback encodes unknown runes as <0xNN> byte tokens.
	ByteFallback bool
	IgnoreMerges bool

	AddBOS bool
	AddEOS bool
	BOSID  int
	EOSID  int
	PadID  int
	UnkID  int

	// Added lists tokens matched atomically ahead of pre-tokenization.
	Added []string
}

// BPE is a byte-pair-encoding tokenizer covering GPT-2 style byte-level
// vocabularies and SentencePiece-style metaspace vocabularies. It is safe for
// concurrent use.
type BPE struct {
	encoder     map[string]int
	decoder     []string
	bpeRanks    map[Pair]int
	byteEncoder map[byte]string
	byteDecoder map[string]byte
	pattern     *regexp.Regexp
	fixSpaces   bool
	special     []string
	specialSet  map[string]struct{}
	opts        Options

	mu    sync.Mutex
	cache map[string][]string
}

// NewBPE builds a tokenizer from a vocabulary and ranked merges.
func NewBPE(vocab map[string]int, merges []Pair, opts Options) (*BPE, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	maxID := -1
	for _, id := range vocab {
		if id < 0 {
			return nil, fmt.Errorf("negative token id %d", id)
		}
		maxID = max(maxID, id)
	}
	encoder := make(map[string]int, len(vocab))
	decoder := make([]string, maxID+1)
	for tok, id := range vocab {
		encoder[tok] = id
		decoder[id] = tok
	}

	bpeRanks := make(map[Pair]int, len(merges))
	rank := 0
	for _, p := range merges {
		if _, ok := bpeRanks[p]; !ok {
			bpeRanks[p] = rank
			rank++
		}
	}

	pat := opts.Pattern
	fix := false
	if pat == "" {
		pat = gpt2Pattern
		fix = true
	}
	if strings.Contains(pat, `\s+(?!\S)`) {
		fix = true
	}
	// Llama 3 style patterns use lookahead and inline flags RE2 rejects.
	if strings.Contains(pat, "(?!") || strings.Contains(pat, "(?i:") {
		pat = llama3Pattern
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, fmt.Errorf("compile pre-tokenizer pattern: %w", err)
	}

	specialSet := make(map[string]struct{}, len(opts.Added))
	for _, s := range opts.Added {
		specialSet[s] = struct{}{}
	}

	byteEncoder, byteDecoder := bytesToUnicode()
	return &BPE{
		encoder:     encoder,
		decoder:     decoder,
		bpeRanks:    bpeRanks,
		byteEncoder: byteEncoder,
		byteDecoder: byteDecoder,
		pattern:     re,
		fixSpaces:   fix,
		special:     collectSpecials(decoder, opts.Added),
		specialSet:  specialSet,
		opts:        opts,
		cache:       make(map[string][]string),
	}, nil
}

func (t *BPE) Encode(text string) ([]int, error) {
	var ids []int
	if t.opts.AddBOS && t.opts.BOSID >= 0 {
		ids = append(ids, t.opts.BOSID)
	}
	for _, part := range splitSpecials(text, t.special) {
		if part.isSpecial {
			id, ok := t.encoder[part.text]
			if !ok {
				return nil, fmt.Errorf("unknown special token: %q", part.text)
			}
			ids = append(ids, id)
			continue
		}
		seg := part.text
		if t.opts.Normalize != nil {
			seg = t.opts.Normalize(seg)
		}
		var err error
		if t.opts.Metaspace {
			ids, err = t.encodeMetaspace(ids, seg)
		} else {
			ids, err = t.encodeByteLevel(ids, seg)
		}
		if err != nil {
			return nil, err
		}
	}
	if t.opts.AddEOS && t.opts.EOSID >= 0 {
		ids = append(ids, t.opts.EOSID)
	}
	return ids, nil
}

func (t *BPE) encodeByteLevel(ids []int, seg string) ([]int, error) {
	if t.opts.PrependSpace && seg != "" && !strings.HasPrefix(seg, " ") {
		seg = " " + seg
	}
	for _, word := range t.splitWords(seg) {
		for _, tok := range t.bpe(t.byteEncode(word)) {
			id, ok := t.encoder[tok]
			if !ok {
				if t.opts.UnkID >= 0 {
					ids = append(ids, t.opts.UnkID)
					continue
				}
				return nil, fmt.Errorf("unknown token: %q", tok)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (t *BPE) encodeMetaspace(ids []int, seg string) ([]int, error) {
	if seg == "" {
		return ids, nil
	}
	seg = strings.ReplaceAll(seg, " ", metaspace)
	if t.opts.PrependSpace && !strings.HasPrefix(seg, metaspace) {
		seg = metaspace + seg
	}
	words := []string{seg}
	if t.opts.MetaspaceSplit {
		words = splitBefore(seg, metaspace)
	}
	for _, word := range words {
		for _, tok := range t.bpe(word) {
			if id, ok := t.encoder[tok]; ok {
				ids = append(ids, id)
				continue
			}
			if t.opts.ByteFallback {
				for _, b := range []byte(tok) {
					id, ok := t.encoder[byteToken(b)]
					if !ok {
						return nil, fmt.Errorf("missing byte fallback token %s", byteToken(b))
					}
					ids = append(ids, id)
				}
				continue
			}
			if t.opts.UnkID >= 0 {
				ids = append(ids, t.opts.UnkID)
				continue
			}
			return nil, fmt.Errorf("unknown token: %q", tok)
		}
	}
	return ids, nil
}

// splitWords applies the pre-tokenizer regex. When fixSpaces is set, a
// whitespace run followed by a non-space leaves its last rune to prefix the
// next word, matching the \s+(?!\S) branch of the reference pattern.
func (t *BPE) splitWords(text string) []string {
	var out []string
	for pos := 0; pos < len(text); {
		loc := t.pattern.FindStringIndex(text[pos:])
		if loc == nil || loc[1] == loc[0] {
			out = append(out, text[pos:])
			break
		}
		s, e := pos+loc[0], pos+loc[1]
		if s > pos {
			out = append(out, text[pos:s])
		}
		if t.fixSpaces && e < len(text) && isAllSpace(text[s:e]) {
			if _, size := utf8.DecodeLastRuneInString(text[s:e]); e-size > s {
				if r, _ := utf8.DecodeRuneInString(text[e:]); !unicode.IsSpace(r) {
					e -= size
				}
			}
		}
		out = append(out, text[s:e])
		pos = e
	}
	return out
}

func (t *BPE) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		token := t.decoder[id]
		if t.isSpecial(token) {
			b = append(b, token...)
			continue
		}
		if t.opts.Metaspace {
			if by, ok := parseByteToken(token); ok && t.opts.ByteFallback {
				b = append(b, by)
				continue
			}
			b = append(b, strings.ReplaceAll(token, metaspace, " ")...)
			continue
		}
		for _, r := range token {
			if by, ok := t.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	out := strings.ToValidUTF8(string(b), "�")
	if t.opts.Metaspace && t.opts.PrependSpace {
		out = strings.TrimPrefix(out, " ")
	}
	return out, nil
}

func (t *BPE) isSpecial(token string) bool {
	if _, ok := t.specialSet[token]; ok {
		return true
	}
	return isSpecialToken(token)
}

func (t *BPE) BOSID() int     { return t.opts.BOSID }
func (t *BPE) EOSID() int     { return t.opts.EOSID }
func (t *BPE) PadID() int     { return t.opts.PadID }
func (t *BPE) UnkID() int     { return t.opts.UnkID }
func (t *BPE) AddBOS() bool   { return t.opts.AddBOS }
func (t *BPE) AddEOS() bool   { return t.opts.AddEOS }
func (t *BPE) VocabSize() int { return len(t.decoder) }

func (t *BPE) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

// TokenID looks up the id of an exact vocabulary entry.
func (t *BPE) TokenID(token string) (int, bool) {
	id, ok := t.encoder[token]
	return id, ok
}

func (t *BPE) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

func (t *BPE) bpe(token string) []string {
	t.mu.Lock()
	v, ok := t.cache[token]
	t.mu.Unlock()
	if ok {
		return v
	}

	word := t.merge(token)

	t.mu.Lock()
	t.cache[token] = word
	t.mu.Unlock()
	return word
}

func (t *BPE) merge(token string) []string {
	if t.opts.IgnoreMerges {
		if _, ok := t.encoder[token]; ok {
			return []string{token}
		}
	}
	word := splitRunes(token)
	pairs := getPairs(word)
	for len(pairs) > 0 {
		bestRank := int(^uint(0) >> 1)
		bestPair := Pair{}
		found := false
		for p := range pairs {
			if rank, ok := t.bpeRanks[p]; ok && rank < bestRank {
				bestRank = rank
				bestPair = p
				found = true
			}
		}
		if !found {
			break
		}
		word = mergePair(word, bestPair)
		if len(word) == 1 {
			break
		}
		pairs = getPairs(word)
	}
	return word
}

func isAllSpace(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return s != ""
}

// splitBefore splits s before every occurrence of sep.
func splitBefore(s, sep string) []string {
	var out []string
	start := 0
	for i := 1; i <= len(s)-len(sep); {
		j := strings.Index(s[i:], sep)
		if j < 0 {
			break
		}
		out = append(out, s[start:i+j])
		start = i + j
		i = start + len(sep)
	}
	return append(out, s[start:])
}

func byteToken(b byte) string {
	return fmt.Sprintf("<0x%02X>", b)
}

func parseByteToken(tok string) (byte, bool) {
	if len(tok) != 6 || !strings.HasPrefix(tok, "<0x") || tok[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(tok[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}
