package tokenizer

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// PieceKind classifies a vocabulary entry.
type PieceKind int

const (
	PieceNormal PieceKind = iota
	PieceUnknown
	PieceControl
	PieceUserDefined
)

// Piece is one vocabulary entry. Its ID is its index in the vocabulary.
type Piece struct {
	Text string
	Kind PieceKind
}

const wordSep = "▁"

// Vocab is the ID to piece table used for decoding.
type Vocab struct {
	pieces []Piece
	index  map[string]int64
}

func NewVocab(pieces []Piece) *Vocab {
	v := &Vocab{
		pieces: append([]Piece(nil), pieces...),
		index:  make(map[string]int64, len(pieces)),
	}
	for i, p := range v.pieces {
		if _, dup := v.index[p.Text]; !dup {
			v.index[p.Text] = int64(i)
		}
	}
	return v
}

func (v *Vocab) Size() int { return len(v.pieces) }

func (v *Vocab) PieceID(piece string) (int64, bool) {
	id, ok := v.index[piece]
	return id, ok
}

// Decode joins the pieces for ids. Word-start markers become spaces, byte
// fallback pieces such as <0xE4> are reassembled into UTF-8, and control or
// out-of-range IDs are dropped.
func (v *Vocab) Decode(ids []int64) string {
	var (
		sb      strings.Builder
		pending []byte
	)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		for len(pending) > 0 {
			r, size := utf8.DecodeRune(pending)
			sb.WriteRune(r)
			pending = pending[size:]
		}
	}

	for _, id := range ids {
		if id < 0 || id >= int64(len(v.pieces)) {
			continue
		}
		p := v.pieces[id]
		if p.Kind == PieceControl {
			continue
		}
		if b, ok := byteFallback(p.Text); ok {
			pending = append(pending, b)
			continue
		}
		flush()
		sb.WriteString(strings.ReplaceAll(p.Text, wordSep, " "))
	}
	flush()

	return strings.TrimPrefix(sb.String(), " ")
}

func byteFallback(piece string) (byte, bool) {
	if len(piece) != 6 || !strings.HasPrefix(piece, "<0x") || piece[5] != '>' {
		return 0, false
	}
	n, err := strconv.ParseUint(piece[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(n), true
}
