package vocab

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// File is the serialized form of a vocabulary.
type File struct {
	// Decoder names the piece convention: "raw", "byte_level" or
	// "sentencepiece". Empty means raw.
	Decoder string   `json:"decoder,omitempty"`
	Tokens  []string `json:"tokens"`
	EOS     int      `json:"eos"`
	Special []int    `json:"special,omitempty"`
}

// Table builds the in-memory mapping described by f.
func (f *File) Table() (*Table, error) {
	name := f.Decoder
	if name == "" {
		name = "raw"
	}

	decode, ok := Decoders[name]
	if !ok {
		return nil, fmt.Errorf("unknown decoder %q", f.Decoder)
	}
	return NewTable(f.Tokens, decode, f.EOS, f.Special...)
}

// Unmarshal decodes a vocabulary file. CBOR is used for files ending in
// .cbor, JSON otherwise.
func Unmarshal(name string, data []byte) (*File, error) {
	var f File
	var err error
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cbor":
		err = cbor.Unmarshal(data, &f)
	default:
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("decode vocabulary %s: %w", name, err)
	}
	if len(f.Tokens) == 0 {
		return nil, fmt.Errorf("vocabulary %s: no tokens", name)
	}
	return &f, nil
}

// Load reads a vocabulary file and builds its Table.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	f, err := Unmarshal(path, data)
	if err != nil {
		return nil, err
	}
	return f.Table()
}
