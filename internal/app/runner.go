package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ggonzalez94/cover-cli/internal/cache"
	"github.com/ggonzalez94/cover-cli/internal/config"
	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
	"github.com/ggonzalez94/cover-cli/internal/execution"
	"github.com/ggonzalez94/cover-cli/internal/model"
	"github.com/ggonzalez94/cover-cli/internal/out"
	"github.com/ggonzalez94/cover-cli/internal/policy"
	"github.com/ggonzalez94/cover-cli/internal/schema"
	"github.com/ggonzalez94/cover-cli/internal/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type Runner struct {
	stdout  io.Writer
	stderr  io.Writer
	now     func() time.Time
	backend Backend
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return NewRunnerWithBackend(stdout, stderr, DefaultBackend())
}

func NewRunnerWithBackend(stdout, stderr io.Writer, backend Backend) *Runner {
	return &Runner{
		stdout:  stdout,
		stderr:  stderr,
		now:     time.Now,
		backend: backend,
	}
}

type runtimeState struct {
	runner   *Runner
	flags    config.GlobalFlags
	settings config.Settings
	root     *cobra.Command
	log      *logrus.Logger

	cache    *cache.Store
	tickets  *execution.Store
	registry *prometheus.Registry
	metrics  *execution.Metrics
	server   *http.Server

	lastCommand string
	lastMeta    model.EnvelopeMeta
	lastData    any
	lastWarns   []string
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	if err != nil {
		state.renderError("", err)
	}
	state.close()
	return clierr.ExitCode(err)
}

func (s *runtimeState) close() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.server.Shutdown(ctx)
		cancel()
	}
	if s.tickets != nil {
		_ = s.tickets.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Allowance-gated cover protocol actions",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}

			log, err := newLogger(settings, s.runner.stderr)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "configure logging", err)
			}
			s.log = log

			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				store, err := cache.Open(settings.CachePath, settings.CacheLockPath)
				if err != nil {
					s.log.WithError(err).Warn("metadata cache unavailable")
				} else {
					s.cache = store
				}
			}
			if shouldOpenTicketStore(path) && s.tickets == nil {
				store, err := execution.OpenStore(settings.TicketStorePath, settings.TicketLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open ticket store", err)
				}
				s.tickets = store
			}
			if shouldTrackMetrics(path) {
				if err := s.startMetrics(); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Ledger read timeout")
	cmd.PersistentFlags().StringVar(&s.flags.ApprovalMode, "approval-mode", "", "Token approval amount (exact|unlimited)")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&s.flags.LogFormat, "log-format", "", "Log format (text|json)")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable the token metadata cache")
	cmd.PersistentFlags().BoolVar(&s.flags.NoSimulate, "no-simulate", false, "Skip eth_call preflight before submission")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")

	cmd.AddCommand(s.newSnapshotCommand())
	cmd.AddCommand(s.newEligibilityCommand())
	cmd.AddCommand(s.newApproveCommand())
	for _, kind := range actionKinds {
		cmd.AddCommand(s.newActionCommand(kind))
	}
	cmd.AddCommand(s.newTicketsCommand())
	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

type schemaView struct {
	Command     schema.CommandSchema `json:"command"`
	GlobalFlags []schema.FlagSchema  `json:"global_flags"`
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			view := schemaView{Command: data, GlobalFlags: schema.Globals(s.root)}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), view, nil)
		},
	}
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string) error {
	meta := s.lastMeta
	meta.RequestID = newRequestID()
	meta.Timestamp = s.runner.now().UTC()
	meta.Command = commandPath
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta:     meta,
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

// fail records data to attach to the error envelope and returns err.
func (s *runtimeState) fail(data any, warnings []string, err error) error {
	s.lastData = data
	s.lastWarns = warnings
	return err
}

func (s *runtimeState) renderError(commandPath string, err error) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := "internal_error"
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
		typ = clierr.TypeName(cErr.Code)
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil

	data := s.lastData
	if data == nil {
		data = []any{}
	}
	meta := s.lastMeta
	meta.RequestID = newRequestID()
	meta.Timestamp = s.runner.now().UTC()
	meta.Command = commandPath
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    data,
		Error: &model.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
		},
		Warnings: s.lastWarns,
		Meta:     meta,
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return clierr.Wrap(clierr.CodeUnavailable, "ledger reads timed out", err)
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func commandRoot(commandPath string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(commandPath)))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func isActionCommand(commandPath string) bool {
	root := commandRoot(commandPath)
	if root == "approve" {
		return true
	}
	for _, kind := range actionKinds {
		if root == commandName(kind) {
			return true
		}
	}
	return false
}

func shouldOpenCache(commandPath string) bool {
	switch commandRoot(commandPath) {
	case "", "version", "schema", "tickets":
		return false
	default:
		return true
	}
}

func shouldOpenTicketStore(commandPath string) bool {
	return isActionCommand(commandPath) || commandRoot(commandPath) == "tickets"
}

func shouldTrackMetrics(commandPath string) bool {
	return isActionCommand(commandPath) || normalizeCommandPath(commandPath) == "tickets resume"
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}
