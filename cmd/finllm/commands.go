package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"finllm.org/internal/credential"
	"finllm.org/internal/intent"
	"finllm.org/internal/workflow"
)

var errDeclined = errors.New("not confirmed")

func newLoginCommand(c *cli) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and keep the session for later commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, err := askCredential(cmd, c.stdin(cmd), username)
			if err != nil {
				return err
			}
			if err := c.api.Login(cmd.Context(), cred); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), green("Logged in as "+cred.Username+"."))
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username")
	return cmd
}

func askCredential(cmd *cobra.Command, in *bufio.Reader, username string) (credential.Credential, error) {
	if username == "" {
		fmt.Fprint(cmd.OutOrStdout(), "Username: ")
		line, err := in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return credential.Credential{}, err
		}
		username = strings.TrimSpace(line)
	}
	password, err := readPassword(cmd, in)
	if err != nil {
		return credential.Credential{}, err
	}
	return credential.Credential{Username: username, Password: password}, nil
}

// readPassword reads without echo on a terminal, or one line otherwise.
// FINLLM_PASSWORD wins over both.
func readPassword(cmd *cobra.Command, in *bufio.Reader) (string, error) {
	if pw := os.Getenv("FINLLM_PASSWORD"); pw != "" {
		return pw, nil
	}
	fmt.Fprint(cmd.OutOrStdout(), "Password: ")
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.OutOrStdout())
		return string(raw), err
	}
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newLogoutCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and forget the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.api.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}
}

func newWhoamiCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := c.api.Me(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u.Username)
			return nil
		},
	}
}

func newRunCommand(c *cli) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   `run "<request>"`,
		Short: "Classify a request, confirm it and let the agent execute it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := c.workflow()
			if err != nil {
				return err
			}
			return c.drive(cmd, wf, strings.Join(args, " "), yes)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm without asking")
	return cmd
}

// drive takes one request through classification, review, confirmation and
// execution.
func (c *cli) drive(cmd *cobra.Command, wf *workflow.Workflow, prompt string, yes bool) error {
	out := cmd.OutOrStdout()

	v, err := wf.Submit(cmd.Context(), prompt)
	if workflow.KindOf(err) == workflow.KindUnsafeIntent {
		fmt.Fprintln(out, yellow("Warning: ")+v.Warning)
		if v.Intent != nil {
			printIntent(cmd, *v.Intent)
			fmt.Fprintln(out, "Confirmation is disabled for this request.")
		}
		return err
	}
	if err != nil {
		return err
	}

	v, err = wf.Review()
	if err != nil {
		return err
	}
	printIntent(cmd, *v.Intent)

	if !yes {
		ok, err := askConfirm(cmd, c.stdin(cmd))
		if err != nil {
			return err
		}
		if !ok {
			_, _ = wf.Cancel()
			fmt.Fprintln(out, "Cancelled.")
			return errDeclined
		}
	}

	v, err = wf.Confirm(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, green(v.Message))
	fmt.Fprintf(out, "event %s: %s\n", v.Result.EventID, v.Result.Status)
	return nil
}

func printIntent(cmd *cobra.Command, in intent.Intent) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, bold("Intent: ")+in.Summary())
	fmt.Fprintf(out, "  confidence %.2f, safe %t\n", in.ConfidenceScore, in.IsSafe)
	if in.Reasoning != nil && *in.Reasoning != "" {
		fmt.Fprintln(out, "  "+*in.Reasoning)
	}
}

func askConfirm(cmd *cobra.Command, in *bufio.Reader) (bool, error) {
	fmt.Fprint(cmd.OutOrStdout(), "Execute this action? [y/N] ")
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
