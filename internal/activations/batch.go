package activations

// BatchTokenizer is the part of a Subject needed to build a padded batch.
type BatchTokenizer interface {
	Encode(text string) ([]int, error)
	PadTokenID() int
}

// Batch is a right padded batch of token ids.
type Batch struct {
	InputIDs      [][]int
	AttentionMask [][]int
	// Lengths holds the number of real tokens in each row.
	Lengths []int
}

// Size is the number of rows.
func (b Batch) Size() int { return len(b.InputIDs) }

// Width is the padded sequence length T.
func (b Batch) Width() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

// TokenizeBatch encodes each input independently and pads every row on the
// right to the longest one. Tokenizer errors are returned unchanged.
func TokenizeBatch(tok BatchTokenizer, inputs []string) (Batch, error) {
	if len(inputs) == 0 {
		return Batch{}, ErrEmptyInput
	}
	encoded := make([][]int, len(inputs))
	width := 0
	for i, text := range inputs {
		ids, err := tok.Encode(text)
		if err != nil {
			return Batch{}, err
		}
		encoded[i] = ids
		width = max(width, len(ids))
	}
	if width == 0 {
		return Batch{}, ErrEmptyInput
	}

	pad := tok.PadTokenID()
	b := Batch{
		InputIDs:      make([][]int, len(inputs)),
		AttentionMask: make([][]int, len(inputs)),
		Lengths:       make([]int, len(inputs)),
	}
	for i, ids := range encoded {
		row := make([]int, width)
		mask := make([]int, width)
		copy(row, ids)
		for t := range width {
			if t < len(ids) {
				mask[t] = 1
			} else {
				row[t] = pad
			}
		}
		b.InputIDs[i] = row
		b.AttentionMask[i] = mask
		b.Lengths[i] = len(ids)
	}
	return b, nil
}
