package cli

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/dojang/internal/quiz"
)

func newQuizCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quiz <profile-id>",
		Short: "Take a multiple-choice test",
		Long: "Take a multiple-choice test over the profile's study pool. Answer each question " +
			"with the option number; an empty line skips it.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			options, _ := cmd.Flags().GetInt("options")

			b := quiz.NewBuilder(a.engine, options)
			test, err := b.CreateTest(cmd.Context(), args[0], count)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			in := bufio.NewScanner(cmd.InOrStdin())
			choices := make([]int, len(test.Questions))
			for i, q := range test.Questions {
				fmt.Fprintf(out, "\n%d/%d  %s", i+1, len(test.Questions), q.Item.Term)
				if q.Item.Romanized != "" {
					fmt.Fprintf(out, " (%s)", q.Item.Romanized)
				}
				fmt.Fprintln(out)
				for j, o := range q.Options {
					fmt.Fprintf(out, "  %d) %s\n", j+1, o)
				}
				choices[i] = readChoice(in, len(q.Options))
				switch {
				case choices[i] < 0:
					fmt.Fprintln(out, "skipped")
				case choices[i] == q.CorrectIndex:
					fmt.Fprintln(out, "correct")
				default:
					fmt.Fprintf(out, "wrong, it is %s\n", q.Options[q.CorrectIndex])
				}
			}

			rec, err := b.Submit(cmd.Context(), test, choices)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d correct, %d incorrect\n", rec.CorrectCount, rec.IncorrectCount)
			return nil
		},
	}
	cmd.Flags().IntP("count", "n", 10, "Number of questions")
	cmd.Flags().Int("options", quiz.DefaultOptionCount, "Options per question")
	return cmd
}

// readChoice returns the zero-based option picked on the next line, or -1
// for an empty, unreadable or out of range line.
func readChoice(in *bufio.Scanner, n int) int {
	if !in.Scan() {
		return -1
	}
	v, err := strconv.Atoi(strings.TrimSpace(in.Text()))
	if err != nil || v < 1 || v > n {
		return -1
	}
	return v - 1
}
