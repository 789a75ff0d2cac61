package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ChainAI-Agent/sdk/go/chainai"
)

// cliOptions 是所有子命令共享的全局参数。
type cliOptions struct {
	server  string
	timeout time.Duration
}

func (o *cliOptions) client() (*chainai.Client, error) {
	return chainai.NewClient(o.server, nil)
}

func (o *cliOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func defaultServer() string {
	if server := strings.TrimSpace(os.Getenv("CHAINAI_SERVER")); server != "" {
		return server
	}
	return "http://localhost:8080"
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:   "chainai",
		Short: "Ask blockchain questions in natural language",
		Long: `chainai talks to a running chainaid service.

A query is interpreted by a language model, mapped to blockchain functions
(balances, transfers, swaps, gas, explorer lookups) and summarized back.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServer(), "ChainAI service base URL (or set CHAINAI_SERVER)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 3*time.Minute, "Request timeout")

	root.AddCommand(
		newQueryCmd(opts),
		newFunctionsCmd(opts),
		newHistoryCmd(opts),
		newHealthCmd(opts),
		newTaskCmd(opts),
	)
	return root
}

func newQueryCmd(opts *cliOptions) *cobra.Command {
	var (
		backend   string
		model     string
		apiKeyEnv string
		chainID   int64
		contextIn string
		rawOutput bool
	)
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Run a query and print the summarized answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := chainai.QueryRequest{
				Query: strings.Join(args, " "),
				Options: chainai.QueryOptions{
					Backend:       backend,
					BackendConfig: chainai.BackendConfig{Model: model},
					ChainID:       chainID,
				},
			}
			if apiKeyEnv != "" {
				req.Options.BackendConfig.APIKey = strings.TrimSpace(os.Getenv(apiKeyEnv))
			}
			if contextIn != "" {
				turns, err := readContext(contextIn)
				if err != nil {
					return err
				}
				req.Options.Context = turns
			}

			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			resp, err := client.Query(ctx, req)
			if err != nil {
				return err
			}
			if rawOutput {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.FinalResponse)
			if resp.HasErrors {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: some function calls failed, rerun with --json for details")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "Model backend: openai, gemini, anthropic or python_bridge")
	cmd.Flags().StringVar(&model, "model", "", "Model name override")
	cmd.Flags().StringVar(&apiKeyEnv, "api-key-env", "", "Environment variable holding the backend API key")
	cmd.Flags().Int64Var(&chainID, "chain-id", 0, "Target chain ID (default: server default chain)")
	cmd.Flags().StringVar(&contextIn, "context", "", "JSON file with prior conversation turns")
	cmd.Flags().BoolVar(&rawOutput, "json", false, "Print the full JSON response")
	return cmd
}

func newFunctionsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "functions",
		Short: "List the blockchain functions exposed to the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			functions, err := client.Functions(ctx)
			if err != nil {
				return err
			}
			for _, fn := range functions {
				fmt.Fprintf(cmd.OutOrStdout(), "%-28s %s\n", fn.Name, fn.Description)
			}
			return nil
		},
	}
}

func newHistoryCmd(opts *cliOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent queries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			records, err := client.History(ctx, limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of records")
	return cmd
}

func newHealthCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the service is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			health, err := client.Health(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (uptime %s)\n", health.Message, time.Duration(health.Uptime*float64(time.Second)).Round(time.Second))
			return nil
		},
	}
}

func readContext(path string) ([]chainai.Turn, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read context file: %w", err)
	}
	var turns []chainai.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("parse context file: %w", err)
	}
	return turns, nil
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
