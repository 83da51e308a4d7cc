package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"finllm.org/internal/auth"
	"finllm.org/internal/config"
	"finllm.org/internal/delegation"
	"finllm.org/internal/executor"
	"finllm.org/internal/ids"
	"finllm.org/internal/intent/guard"
	"finllm.org/internal/intent/llm"
	"finllm.org/internal/ledger"
	"finllm.org/internal/session"
	"finllm.org/internal/workflow"
	"finllm.org/internal/workflow/local"
)

var errNoModel = errors.New("local mode needs a model (FINLLM_LLM_API_KEY)")

func newLocalCommand(c *cli) *cobra.Command {
	var (
		username string
		yes      bool
	)
	cmd := &cobra.Command{
		Use:   `local "<request>"`,
		Short: "Run one request against an in-process server with in-memory stores",
		Long: "Starts the authentication, delegation and execution components in this process,\n" +
			"seeds the configured users, logs in and drives a single request. Nothing is persisted.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			adapter, err := newLocalStack(ctx, c.cfg)
			if err != nil {
				return err
			}
			sessions, err := session.New(nil)
			if err != nil {
				return err
			}

			cred, err := askCredential(cmd, c.stdin(cmd), username)
			if err != nil {
				return err
			}
			if err := adapter.Login(ctx, sessions, cred); err != nil {
				return err
			}
			defer func() { _ = adapter.Logout(context.WithoutCancel(ctx), sessions) }()

			gate, err := workflow.ParseGate(c.cfg.Client.Gate)
			if err != nil {
				return err
			}
			wf, err := workflow.New(sessions, adapter.Ports(), workflow.WithGate(gate))
			if err != nil {
				return err
			}
			return c.drive(cmd, wf, strings.Join(args, " "), yes)
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username (one of the seeded users)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm without asking")
	return cmd
}

// newLocalStack builds the server side on in-memory stores. Missing secrets
// are generated for the lifetime of the process.
func newLocalStack(ctx context.Context, cfg config.Config) (*local.Adapter, error) {
	if cfg.LLM.APIKey == "" {
		return nil, errNoModel
	}
	secret, agentSecret := cfg.Auth.Secret, cfg.Auth.AgentSecret
	if secret == "" {
		secret = ids.Token()
	}
	if agentSecret == "" || agentSecret == secret {
		agentSecret = ids.Token()
	}

	users := auth.NewMemoryStore()
	ledg := ledger.NewInMemory()
	for _, s := range cfg.Auth.SeedUsers {
		u, err := users.Seed(ctx, s.Username, s.Password, s.Roles...)
		if err != nil {
			return nil, fmt.Errorf("seed %s: %w", s.Username, err)
		}
		opening, err := ledger.MoneyOf(s.OpeningBalance, "USD")
		if err != nil && s.OpeningBalance != 0 {
			return nil, err
		}
		opening.Currency = "USD"
		if _, err := ledg.OpenAccount(ctx, u.ID, ledger.DefaultAlias, opening); err != nil {
			return nil, err
		}
		if _, err := ledg.OpenAccount(ctx, u.ID, "savings", ledger.Money{Currency: "USD"}); err != nil {
			return nil, err
		}
	}

	svc, err := auth.NewService(users, users, secret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithSessionTTL(cfg.Auth.SessionTTL),
	)
	if err != nil {
		return nil, err
	}
	authority, err := delegation.NewAuthority(svc, delegation.NewMemoryConsumptionStore(), agentSecret,
		delegation.WithTTL(cfg.Auth.AgentTokenTTL),
		delegation.WithMinConfidence(cfg.Auth.MinConfidence),
	)
	if err != nil {
		return nil, err
	}
	filter, err := guard.NewFilter(cfg.Executor.InputPatterns, cfg.Executor.OutputPatterns)
	if err != nil {
		return nil, err
	}
	exec, err := executor.New(authority, ledg, executor.WithFilter(filter))
	if err != nil {
		return nil, err
	}
	model, err := llm.NewClient(llm.Config{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return local.New(svc, guard.NewClassifier(model), authority, exec), nil
}
