package cmd

import (
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ollama/constrain/automaton"
	"github.com/ollama/constrain/envconfig"
	"github.com/ollama/constrain/format"
	"github.com/ollama/constrain/recognizer"
	"github.com/ollama/constrain/sample"
	"github.com/ollama/constrain/vocab"
)

func NewMaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mask",
		Short: "Show the tokens the grammar allows next",
		Long: `Show the tokens the grammar allows after --tokens (or --text).

With --scores, every row of the score file is one decoding step: the row is
masked through the configured adapter and the highest remaining token is
appended to the history, until end-of-sequence or the rows run out.`,
		Args: cobra.NoArgs,
		RunE: maskHandler,
	}

	withVocabFlags(cmd)
	cmd.Flags().String("text", "", "Text already generated, instead of --tokens")
	cmd.Flags().Bool("lookahead", false, "Block tokens that lead only into error rules")
	cmd.Flags().Int("limit", 50, "Maximum number of tokens to list, 0 for all")
	cmd.Flags().String("scores", "", "Raw little-endian score rows to decode greedily")
	cmd.Flags().String("dtype", "F32", "Element type of --scores: F32, F16 or BF16")
	cmd.Flags().Int("width", 0, "Row width of --scores (default vocabulary size)")
	return cmd
}

func maskHandler(cmd *cobra.Command, args []string) error {
	r, table, _, err := loadRecognizer(cmd)
	if err != nil {
		return err
	}

	tokens, _ := cmd.Flags().GetString("tokens")
	ids, err := parseTokens(tokens)
	if err != nil {
		return err
	}

	if path, _ := cmd.Flags().GetString("scores"); path != "" {
		return decodeScores(cmd, r, table, ids, path)
	}

	s := r.Initial()
	if text, _ := cmd.Flags().GetString("text"); text != "" {
		s = r.Engine().UpdateSequence([]byte(text), s)
	}
	for i, id := range ids {
		if s, err = r.AcceptToken(int(id), s); err != nil {
			return fmt.Errorf("token %d: %w", i, err)
		}
	}

	bits := r.Acceptance(s)
	var blocked string
	if lookahead, _ := cmd.Flags().GetBool("lookahead"); lookahead {
		b := sample.NewBlocker(r, sample.WithErrorPrefix(envconfig.ErrorPrefix))
		n := b.Block(s, bits)
		blocked = fmt.Sprintf(", %d blocked by lookahead into %v", n, b.ErrorRules())
	}

	limit, _ := cmd.Flags().GetInt("limit")
	var rows [][]string
	for id, ok := bits.NextSet(0); ok; id, ok = bits.NextSet(id + 1) {
		if limit > 0 && len(rows) == limit {
			break
		}
		rows = append(rows, tokenRow(table, int(id)))
	}

	renderTable(cmd.OutOrStdout(), []string{"ID", "PIECE", "BYTES"}, rows)
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s of %s tokens allowed%s%s\n",
		format.HumanNumber(uint64(bits.Count())), format.HumanNumber(uint64(table.Len())), blocked, stateNote(s))
	return nil
}

func stateNote(s automaton.State) string {
	switch {
	case s.Terminated():
		return ", sequence ended"
	case s.MustStop():
		return ", grammar rejected the input"
	case s.CanStop():
		return ", end of sequence allowed"
	default:
		return ""
	}
}

func tokenRow(table *vocab.Table, id int) []string {
	bytes := "(special)"
	if b := table.Bytes(id); len(b) > 0 {
		bytes = strconv.Quote(string(b))
	}
	if id == table.EOS() {
		bytes = "(end of sequence)"
	}
	return []string{strconv.Itoa(id), table.Piece(id), bytes}
}

// decodeScores runs the filter over every score row, always picking the
// best remaining token.
func decodeScores(cmd *cobra.Command, r *recognizer.Recognizer, table *vocab.Table, prompt []int32, path string) error {
	dtypeName, _ := cmd.Flags().GetString("dtype")
	dtype, err := sample.ParseDType(dtypeName)
	if err != nil {
		return err
	}

	width, _ := cmd.Flags().GetInt("width")
	if width == 0 {
		width = table.Len()
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := sample.ReadScores(f, dtype, width)
	if err != nil {
		return err
	}

	lookahead, _ := cmd.Flags().GetBool("lookahead")
	opts, err := filterOptions(r, lookahead)
	if err != nil {
		return err
	}
	opts = append(opts, sample.WithStartIndex(0))

	filter := sample.NewFilter(r, opts...)
	processor, err := sample.NewProcessor(envconfig.Adapter, filter)
	if err != nil {
		return err
	}

	history := append([]int32(nil), prompt...)
	var out [][]string
	for step, row := range rows {
		masked, err := processor.Process([][]int32{history}, [][]float32{row})
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}

		best, allowed := -1, 0
		for i, v := range masked[0] {
			if math.IsInf(float64(v), -1) {
				continue
			}
			allowed++
			if best < 0 || v > masked[0][best] {
				best = i
			}
		}
		if best < 0 {
			return fmt.Errorf("step %d: every token was masked", step)
		}

		history = append(history, int32(best))
		out = append(out, append([]string{strconv.Itoa(step), strconv.Itoa(allowed)}, tokenRow(table, best)...))
		if best == table.EOS() {
			break
		}
	}

	renderTable(cmd.OutOrStdout(), []string{"STEP", "ALLOWED", "ID", "PIECE", "BYTES"}, out)
	return nil
}
