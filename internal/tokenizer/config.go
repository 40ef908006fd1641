package tokenizer

// TokenizerConfig summarises the special-token setup of a tokenizer. Ids
// are -1 when absent, except PADTokenID which falls back to EOS and then 0.
type TokenizerConfig struct {
	Model      string
	Pre        string
	Normalizer string
	AddBOS     bool
	AddEOS     bool
	BOSTokenID int
	EOSTokenID int
	PADTokenID int
	UNKTokenID int
	VocabSize  int
}

// Config reports the tokenizer's effective special-token setup.
func (t *BPE) Config() TokenizerConfig {
	return TokenizerConfig{
		Model:      "BPE",
		AddBOS:     t.opts.AddBOS,
		AddEOS:     t.opts.AddEOS,
		BOSTokenID: t.opts.BOSID,
		EOSTokenID: t.opts.EOSID,
		PADTokenID: t.opts.PadID,
		UNKTokenID: t.opts.UnkID,
		VocabSize:  t.VocabSize(),
	}
}
