package vocab

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// Decoder turns the surface form of one vocabulary entry into the bytes it
// produces in generated text.
type Decoder func(piece string) []byte

// Raw uses the piece verbatim.
func Raw(piece string) []byte {
	return []byte(piece)
}

// ByteLevel reverses the GPT-2 byte-to-unicode mapping used by byte-level
// BPE vocabularies, where every byte is stored as a printable rune.
func ByteLevel(piece string) []byte {
	out := make([]byte, 0, len(piece))
	for _, r := range piece {
		switch {
		case r == 0x0100:
			r = 0x00
		case r == 0x0143:
			r = 0x00ad
		case r > 0x0100 && r <= 0x0120:
			r = r - 0x0100
		case r > 0x0120 && r <= 0x0142:
			r = r - 0x00a2
		case r > 0xff:
			// not produced by the byte mapping
			out = utf8.AppendRune(out, r)
			continue
		}

		// each rune stands for exactly one byte, so this is not UTF-8
		out = append(out, byte(r))
	}
	return out
}

const spmWhitespaceSep = "▁"

// SentencePiece replaces the word boundary marker with a space and expands
// byte fallback pieces such as "<0xEA>".
func SentencePiece(piece string) []byte {
	if len(piece) == 6 && strings.HasPrefix(piece, "<0x") && strings.HasSuffix(piece, ">") {
		if b, err := strconv.ParseUint(piece[1:5], 0, 8); err == nil {
			return []byte{byte(b)}
		}
	}
	return []byte(strings.ReplaceAll(piece, spmWhitespaceSep, " "))
}

// Decoders maps the names accepted in vocabulary files to decoders.
var Decoders = map[string]Decoder{
	"raw":           Raw,
	"byte_level":    ByteLevel,
	"sentencepiece": SentencePiece,
}
