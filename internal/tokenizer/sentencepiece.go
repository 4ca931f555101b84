package tokenizer

import (
	"errors"
	"fmt"
	"os"

	gosp "github.com/vikesh-raj/go-sentencepiece-encoder/sentencepiece"
	"google.golang.org/protobuf/proto"
)

// ErrEmptyPath is returned when NewSentencePieceTokenizer is called with an empty path.
var ErrEmptyPath = errors.New("tokenizer model path must not be empty")

// SentencePieceTokenizer implements Tokenizer over a SentencePiece model
// file. Encoding runs through the pure-Go encoder; decoding reads the piece
// table from the same model proto.
type SentencePieceTokenizer struct {
	proc  gosp.Sentencepiece
	vocab *Vocab
}

// NewSentencePieceTokenizer loads a SentencePiece model from the given path.
func NewSentencePieceTokenizer(modelPath string) (*SentencePieceTokenizer, error) {
	if modelPath == "" {
		return nil, ErrEmptyPath
	}

	data, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("read sentencepiece model %q: %w", modelPath, err)
	}

	vocab, err := vocabFromModel(data)
	if err != nil {
		return nil, fmt.Errorf("load sentencepiece model %q: %w", modelPath, err)
	}

	proc, err := gosp.NewSentencepieceFromFile(modelPath, false)
	if err != nil {
		return nil, fmt.Errorf("load sentencepiece model %q: %w", modelPath, err)
	}

	return &SentencePieceTokenizer{proc: proc, vocab: vocab}, nil
}

// Encode tokenizes text and returns SentencePiece token IDs as int64.
func (t *SentencePieceTokenizer) Encode(text string) ([]int64, error) {
	if text == "" {
		return []int64{}, nil
	}

	ids := t.proc.TokenizeToIDs(text)

	result := make([]int64, len(ids))
	for i, id := range ids {
		result[i] = int64(id)
	}

	return result, nil
}

func (t *SentencePieceTokenizer) Decode(ids []int64) string { return t.vocab.Decode(ids) }

func (t *SentencePieceTokenizer) PieceID(piece string) (int64, bool) {
	return t.vocab.PieceID(piece)
}

// VocabSize reports the number of pieces in the model.
func (t *SentencePieceTokenizer) VocabSize() int { return t.vocab.Size() }

func vocabFromModel(data []byte) (*Vocab, error) {
	var model gosp.ModelProto
	if err := proto.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("unmarshal sentencepiece model: %w", err)
	}

	src := model.GetPieces()
	if len(src) == 0 {
		return nil, errors.New("sentencepiece model has no pieces")
	}

	pieces := make([]Piece, len(src))
	for i, p := range src {
		kind := PieceNormal
		switch p.GetType() {
		case gosp.ModelProto_SentencePiece_UNKNOWN:
			kind = PieceUnknown
		case gosp.ModelProto_SentencePiece_CONTROL:
			kind = PieceControl
		case gosp.ModelProto_SentencePiece_USER_DEFINED:
			kind = PieceUserDefined
		}
		pieces[i] = Piece{Text: p.GetPiece(), Kind: kind}
	}

	return NewVocab(pieces), nil
}
