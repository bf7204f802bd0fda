package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/dojang/internal/engine"
	"github.com/example/dojang/pkg/models"
)

type dueOutput struct {
	ProfileID string `json:"profile_id"`
	DueNow    int    `json:"due_now"`
	engine.DueCards
}

func newDueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "due <profile-id>",
		Short: "Show the next cards to study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			ctx := cmd.Context()

			due, err := a.engine.DueCount(ctx, args[0])
			if err != nil {
				return err
			}
			cards, err := a.engine.SelectDueCards(ctx, args[0], count)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), dueOutput{ProfileID: args[0], DueNow: due, DueCards: cards})
		},
	}
	cmd.Flags().IntP("count", "n", 10, "Number of cards")
	return cmd
}

func newAnswerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "answer <profile-id> <item-id> <correct|incorrect|hard|easy|skip>",
		Short: "Record a single flashcard answer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, err := models.ParseOutcome(args[2])
			if err != nil {
				return err
			}
			if err := a.engine.RecordAnswer(cmd.Context(), args[0], args[1], outcome); err != nil {
				return err
			}
			st, ok, err := a.engine.Scheduler().State(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s has not been reviewed yet\n", args[1])
				return nil
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session <profile-id>",
		Short: "Record a finished study session",
		Long: "Record a finished study session in one commit. Pass every answer as " +
			"--answer <item-id>=<outcome>; the answers are applied in order.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, _ := cmd.Flags().GetString("type")
			raw, _ := cmd.Flags().GetStringArray("answer")
			focus, _ := cmd.Flags().GetStringSlice("focus")
			duration, _ := cmd.Flags().GetDuration("duration")

			answers, err := parseAnswers(raw)
			if err != nil {
				return err
			}
			res := engine.SessionResult{
				ProfileID:   args[0],
				SessionType: models.SessionType(typ),
				Answers:     answers,
				FocusAreas:  focus,
			}
			if duration > 0 {
				res.EndTime = time.Now()
				res.StartTime = res.EndTime.Add(-duration)
			}
			rec, err := a.engine.CompleteSession(cmd.Context(), res)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().String("type", string(models.SessionFlashcard), "Session type: flashcard, test or pattern")
	cmd.Flags().StringArray("answer", nil, "Answer as <item-id>=<outcome>, repeatable")
	cmd.Flags().StringSlice("focus", nil, "Focus areas; derived from the answered items when empty")
	cmd.Flags().Duration("duration", 0, "How long the session took")
	return cmd
}

func parseAnswers(raw []string) ([]engine.Answer, error) {
	answers := make([]engine.Answer, 0, len(raw))
	for _, r := range raw {
		id, out, ok := strings.Cut(r, "=")
		if !ok || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("answer %q: want <item-id>=<outcome>", r)
		}
		outcome, err := models.ParseOutcome(out)
		if err != nil {
			return nil, fmt.Errorf("answer %q: %w", r, err)
		}
		answers = append(answers, engine.Answer{ItemID: strings.TrimSpace(id), Outcome: outcome})
	}
	return answers, nil
}
