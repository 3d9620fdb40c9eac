package main

import (
	"context"
	"errors"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Interview/internal/adapters/backend"
	"github.com/dkeye/Interview/internal/adapters/speech"
	"github.com/dkeye/Interview/internal/app/turn"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/spf13/cobra"
)

var aiCmd = &cobra.Command{
	Use:   "ai <interviewID>",
	Short: "Run the AI interview on the console",
	Long: `Runs the AI interview loop in the terminal. Each line typed is the
candidate's answer; the interviewer's questions are printed as they are
"spoken". Type ` + speech.EndCommand + ` or press Ctrl-D to finish.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAI(cmd.Context(), domain.InterviewID(args[0]))
	},
}

func runAI(ctx context.Context, id domain.InterviewID) error {
	clk := clock.New()
	client := backend.New(cfg.Backend.URL, cfg.Backend.Token, cfg.Backend.Timeout)
	console := speech.NewConsole(os.Stdin, os.Stdout, clk, cfg.Turn.WordsPerMinute)
	ctrl := turn.New(id, client, console, turn.Options{Clock: clk, GraceDelay: cfg.Turn.GraceDelay})

	console.Note("interview %s, connecting...", id)
	runErr := ctrl.Run(ctx, console)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	// End returns the stored summary once the conversation has finished.
	endCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	summary, err := ctrl.End(endCtx, string(domain.SpeakerCandidate))
	if err != nil {
		return errors.Join(runErr, err)
	}
	console.Summary(summary)
	return runErr
}
