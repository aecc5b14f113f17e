package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ollama/constrain/envconfig"
	"github.com/ollama/constrain/grammar"
	"github.com/ollama/constrain/logutil"
	"github.com/ollama/constrain/recognizer"
	"github.com/ollama/constrain/sample"
	"github.com/ollama/constrain/vocab"
)

var (
	errNoGrammar = errors.New("no grammar: use --grammar or --schema")
	errNoVocab   = errors.New("no vocabulary: use --vocab")
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "constrain",
		Short: "Grammar-constrained decoding",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel()))
		},
	}

	rootCmd.PersistentFlags().StringP("grammar", "g", "", "Grammar file (.gbnf, or .ebnf for Go-style EBNF)")
	rootCmd.PersistentFlags().StringP("schema", "s", "", "JSON schema file to derive the grammar from")
	rootCmd.PersistentFlags().String("root", "root", "Start rule")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewCheckCmd(),
		NewMaskCmd(),
		NewSchemaCmd(),
		NewConfigCmd(),
	)

	return rootCmd
}

func withVocabFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("vocab", "v", "", "Vocabulary file (.json or .cbor)")
	cmd.Flags().String("tokens", "", "Comma separated token ids already generated")
}

// loadGrammar compiles the grammar selected by the persistent flags.
func loadGrammar(cmd *cobra.Command) (*grammar.Grammar, error) {
	root, err := cmd.Flags().GetString("root")
	if err != nil {
		return nil, err
	}

	if path, _ := cmd.Flags().GetString("schema"); path != "" {
		bts, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return grammar.CompileSchema(bts)
	}

	path, _ := cmd.Flags().GetString("grammar")
	if path == "" {
		return nil, errNoGrammar
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".ebnf") {
		return grammar.FromEBNF(path, f, root)
	}

	bts, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return grammar.ParseRoot(string(bts), root)
}

// loadRecognizer pairs the grammar with the vocabulary given by --vocab.
func loadRecognizer(cmd *cobra.Command) (*recognizer.Recognizer, *vocab.Table, *vocab.Trie, error) {
	g, err := loadGrammar(cmd)
	if err != nil {
		return nil, nil, nil, err
	}

	path, _ := cmd.Flags().GetString("vocab")
	if path == "" {
		return nil, nil, nil, errNoVocab
	}

	table, err := vocab.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}

	trie := vocab.NewTrie(table)
	r, err := recognizer.New(g, table, table.EOS(),
		recognizer.WithTrie(trie),
		recognizer.WithCacheSize(envconfig.CacheSize),
		recognizer.WithLogger(slog.Default()),
	)
	if err != nil {
		return nil, nil, nil, err
	}
	return r, table, trie, nil
}

// maxPiece bounds the pieces tried by tokenize.
const maxPiece = 128

// tokenize splits text greedily into the longest pieces of the vocabulary.
func tokenize(t *vocab.Trie, text []byte) ([]int32, error) {
	var ids []int32
	for len(text) > 0 {
		n := 0
		for i := min(len(text), maxPiece); i > 0; i-- {
			if found := t.Lookup(text[:i]); len(found) > 0 {
				ids = append(ids, int32(found[0]))
				n = i
				break
			}
		}
		if n == 0 {
			return nil, fmt.Errorf("no token starts with %q", text[:1])
		}
		text = text[n:]
	}
	return ids, nil
}

// filterOptions maps the process configuration onto filter options.
func filterOptions(r *recognizer.Recognizer, lookahead bool) ([]sample.FilterOption, error) {
	mode, err := sample.ParseMode(envconfig.ExecutionMode)
	if err != nil {
		return nil, err
	}

	opts := []sample.FilterOption{
		sample.WithMode(mode),
		sample.WithParallel(envconfig.NumParallel),
		sample.WithLogger(slog.Default()),
	}
	if lookahead {
		opts = append(opts, sample.WithBlocker(sample.NewBlocker(r, sample.WithErrorPrefix(envconfig.ErrorPrefix))))
	}
	return opts, nil
}

func parseTokens(s string) ([]int32, error) {
	var ids []int32
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		id, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q", field)
		}
		ids = append(ids, int32(id))
	}
	return ids, nil
}
