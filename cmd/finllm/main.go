package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"finllm.org/internal/client"
	"finllm.org/internal/config"
	"finllm.org/internal/session"
	"finllm.org/internal/workflow"
)

var version = "0.1.0"

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// cli carries the flags shared by every subcommand.
type cli struct {
	configPath  string
	serverURL   string
	sessionFile string
	gate        string

	cfg      config.Config
	sessions *session.Store
	api      *client.Client
	in       *bufio.Reader
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		os.Exit(exitCode(err))
	}
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "finllm",
		Short:         "Delegate one financial action at a time to an agent",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "YAML config file (default $FINLLM_CONFIG)")
	root.PersistentFlags().StringVar(&c.serverURL, "server", "", "API base URL")
	root.PersistentFlags().StringVar(&c.sessionFile, "session-file", "", "Where the session token is kept")
	root.PersistentFlags().StringVar(&c.gate, "gate", "", "Unsafe intent policy: hide or show")

	root.AddCommand(newLoginCommand(c))
	root.AddCommand(newLogoutCommand(c))
	root.AddCommand(newWhoamiCommand(c))
	root.AddCommand(newRunCommand(c))
	root.AddCommand(newLocalCommand(c))
	return root
}

func (c *cli) init() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.serverURL != "" {
		cfg.Client.ServerURL = c.serverURL
	}
	if c.sessionFile != "" {
		cfg.Client.SessionFile = c.sessionFile
	}
	if c.gate != "" {
		cfg.Client.Gate = c.gate
	}
	if cfg.Client.SessionFile == "" {
		cfg.Client.SessionFile = session.DefaultPath()
	}
	c.cfg = cfg

	c.sessions, err = session.New(session.NewFileBackend(cfg.Client.SessionFile))
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	c.api, err = client.New(cfg.Client.ServerURL, c.sessions, client.WithTimeout(cfg.Client.Timeout))
	return err
}

// stdin shares one buffered reader between prompts so piped answers are not
// swallowed by an earlier read.
func (c *cli) stdin(cmd *cobra.Command) *bufio.Reader {
	if c.in == nil {
		c.in = bufio.NewReader(cmd.InOrStdin())
	}
	return c.in
}

func (c *cli) workflow() (*workflow.Workflow, error) {
	gate, err := workflow.ParseGate(c.cfg.Client.Gate)
	if err != nil {
		return nil, err
	}
	return workflow.New(c.sessions, workflow.Ports{
		Classifier: c.api,
		Delegator:  c.api,
		Executor:   c.api,
	}, workflow.WithGate(gate))
}

// exitCode maps failures to distinct statuses for scripting.
func exitCode(err error) int {
	switch {
	case errors.Is(err, client.ErrUnauthenticated), errors.Is(err, client.ErrInvalidCredentials),
		workflow.KindOf(err) == workflow.KindAuthentication:
		return 3
	case workflow.KindOf(err) == workflow.KindUnsafeIntent:
		return 4
	case errors.Is(err, errDeclined):
		return 5
	}
	return 1
}
