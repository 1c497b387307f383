package app

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
	"github.com/ggonzalez94/cover-cli/internal/execution"
	"github.com/spf13/cobra"
)

func (s *runtimeState) newTicketsCommand() *cobra.Command {
	root := &cobra.Command{Use: "tickets", Short: "Inspect and resume persisted submissions"}

	var listPhase string
	var listLimit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent tickets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			phase, err := parsePhaseFilter(listPhase)
			if err != nil {
				return err
			}
			if listLimit <= 0 {
				return clierr.New(clierr.CodeUsage, "--limit must be > 0")
			}
			items, err := s.tickets.List(context.Background(), phase, listLimit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list tickets", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil)
		},
	}
	listCmd.Flags().StringVar(&listPhase, "phase", "", "Filter by phase (submitting|pending|succeeded|failed)")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum tickets to return")

	var statusID string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show one ticket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ticket, err := s.loadTicket(statusID)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), ticket, nil)
		},
	}
	statusCmd.Flags().StringVar(&statusID, "ticket-id", "", "Ticket identifier")
	_ = statusCmd.MarkFlagRequired("ticket-id")

	var resumeID, resumePollInterval, resumeStepTimeout string
	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Wait again for a pending ticket to be included",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ticket, err := s.loadTicket(resumeID)
			if err != nil {
				return err
			}
			opts, err := s.executeOptions(executionArgs{pollInterval: resumePollInterval, stepTimeout: resumeStepTimeout})
			if err != nil {
				return err
			}
			s.lastMeta.Account = ticket.From

			// Waiting for a receipt never signs, so no key is loaded.
			dispatcher, closeDispatcher := s.runner.backend.Dispatcher(s.settings, nil, opts)
			defer closeDispatcher()
			tracker := execution.NewTracker(dispatcher, s.log, s.trackerOptions(opts)...)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			h, err := tracker.Resume(ctx, ticket)
			if err != nil {
				return err
			}
			final, err := h.Wait(ctx)
			if err != nil {
				return s.fail(final, nil, clierr.Wrap(clierr.CodeActionTimeout, "stopped waiting for ticket", err))
			}
			if err := final.Err(); err != nil {
				return s.fail(final, nil, err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), final, nil)
		},
	}
	resumeCmd.Flags().StringVar(&resumeID, "ticket-id", "", "Ticket identifier")
	resumeCmd.Flags().StringVar(&resumePollInterval, "poll-interval", "", "Receipt polling interval (default from config)")
	resumeCmd.Flags().StringVar(&resumeStepTimeout, "step-timeout", "", "Receipt timeout (default from config)")
	_ = resumeCmd.MarkFlagRequired("ticket-id")

	root.AddCommand(listCmd)
	root.AddCommand(statusCmd)
	root.AddCommand(resumeCmd)
	return root
}

func (s *runtimeState) loadTicket(ticketID string) (execution.Ticket, error) {
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return execution.Ticket{}, clierr.New(clierr.CodeUsage, "--ticket-id is required")
	}
	ticket, err := s.tickets.Get(context.Background(), ticketID)
	if err != nil {
		return execution.Ticket{}, clierr.Wrap(clierr.CodeUsage, "load ticket", err)
	}
	s.lastMeta.ChainID = ticket.ChainID
	return ticket, nil
}

func parsePhaseFilter(raw string) (execution.Phase, error) {
	switch phase := execution.Phase(strings.ToLower(strings.TrimSpace(raw))); phase {
	case "":
		return "", nil
	case execution.PhaseSubmitting, execution.PhasePending, execution.PhaseSucceeded, execution.PhaseFailed:
		return phase, nil
	default:
		return "", clierr.New(clierr.CodeUsage, "unsupported --phase "+raw)
	}
}
