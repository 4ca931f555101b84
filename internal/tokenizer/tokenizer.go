// Package tokenizer maps between text and the token IDs consumed and emitted
// by the language model.
package tokenizer

// Tokenizer encodes text into token IDs and renders generated IDs back to
// text.
type Tokenizer interface {
	// Encode tokenizes text and returns token IDs.
	Encode(text string) ([]int64, error)
	// Decode renders IDs as text. Control pieces render as nothing.
	Decode(ids []int64) string
	// PieceID looks up the ID of an exact piece such as "<|im_start|>".
	PieceID(piece string) (int64, bool)
}
