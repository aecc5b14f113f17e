package cmd

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ollama/constrain/automaton"
)

var errRejected = errors.New("rejected")

func NewCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [TEXT]",
		Short: "Check text or token ids against a grammar",
		Long: `Check whether TEXT (or standard input) is a prefix of the grammar's
language. With --vocab, TEXT is split into the longest vocabulary pieces
and checked token by token; --tokens checks token ids instead, taking
end-of-sequence into account.`,
		Args: cobra.MaximumNArgs(1),
		RunE: checkHandler,
	}

	withVocabFlags(cmd)
	return cmd
}

func checkHandler(cmd *cobra.Command, args []string) error {
	tokens, _ := cmd.Flags().GetString("tokens")
	vocabPath, _ := cmd.Flags().GetString("vocab")
	if tokens != "" || vocabPath != "" {
		return checkTokens(cmd, tokens, args)
	}

	g, err := loadGrammar(cmd)
	if err != nil {
		return err
	}

	text, err := readText(cmd, args)
	if err != nil {
		return err
	}

	e := automaton.New(g)
	s := e.UpdateSequence(text, e.Initial())
	return report(cmd, s, fmt.Sprintf("%d bytes", len(text)))
}

func readText(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) > 0 {
		return []byte(args[0]), nil
	}
	return io.ReadAll(cmd.InOrStdin())
}

// checkTokens checks --tokens, or TEXT split into vocabulary pieces.
func checkTokens(cmd *cobra.Command, tokens string, args []string) error {
	r, _, trie, err := loadRecognizer(cmd)
	if err != nil {
		return err
	}

	var ids []int32
	if tokens != "" {
		ids, err = parseTokens(tokens)
	} else {
		var text []byte
		if text, err = readText(cmd, args); err == nil {
			ids, err = tokenize(trie, text)
		}
	}
	if err != nil {
		return err
	}

	s := r.Initial()
	for i, id := range ids {
		if s, err = r.AcceptToken(int(id), s); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "token %d (id %d): %v\n", i, id, err)
			return errRejected
		}
		if s.MustStop() && !s.Terminated() {
			fmt.Fprintf(cmd.OutOrStdout(), "token %d (id %d): not accepted by the grammar\n", i, id)
			return errRejected
		}
	}
	return report(cmd, s, fmt.Sprintf("%d tokens", len(ids)))
}

// report prints the verdict for s and fails if s is dead.
func report(cmd *cobra.Command, s automaton.State, input string) error {
	renderTable(cmd.OutOrStdout(), []string{"INPUT", "ACCEPTED", "COMPLETE", "STACKS"}, [][]string{{
		input,
		strconv.FormatBool(!s.MustStop() || s.Terminated()),
		strconv.FormatBool(s.CanStop() || s.Terminated()),
		strconv.Itoa(len(s.Stacks())),
	}})

	if s.MustStop() && !s.Terminated() {
		return errRejected
	}
	return nil
}
