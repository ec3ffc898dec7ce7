package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"muse/internal/chat"
	"muse/internal/llm"
	"muse/internal/logx"
	"muse/internal/planner"
	"muse/internal/server"
	"muse/internal/store"
	"muse/internal/tools"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:   "muse",
		Short: "Content-planning assistant backend",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// .env is optional; environment variables win.
			_ = godotenv.Load()
			logx.SetVerbose(verbose)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.AddCommand(newServeCmd())
	root.AddCommand(newToolsCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the conversation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath := envOrDefault("MUSE_DB", "muse.db")
			st, err := store.OpenSQLite(dbPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			registry := tools.NewRegistry()
			if err := planner.Register(registry, planner.NewLocalDeps().Deps()); err != nil {
				return fmt.Errorf("register tools: %w", err)
			}

			opts := []chat.ServiceOption{}
			openaiAdapter, err := llm.NewAdapter(llm.ProviderOpenAI,
				os.Getenv("MUSE_OPENAI_MODEL"), os.Getenv("MUSE_OPENAI_URL"))
			if err != nil {
				logx.Warn("openai backend unavailable: %v", err)
			} else {
				opts = append(opts, chat.WithAdapter(string(llm.ProviderOpenAI), openaiAdapter))
			}
			geminiAdapter, err := llm.NewAdapter(llm.ProviderGemini,
				os.Getenv("MUSE_GEMINI_MODEL"), "")
			if err != nil {
				logx.Warn("gemini backend unavailable: %v", err)
			} else {
				opts = append(opts, chat.WithAdapter(string(llm.ProviderGemini), geminiAdapter))
			}
			if len(opts) == 0 {
				return fmt.Errorf("no LLM backend could be initialized")
			}

			svc := chat.NewService(st, st.AuditLog(), registry, opts...)

			port := 8080
			if p := os.Getenv("MUSE_PORT"); p != "" {
				parsed, err := strconv.Atoi(p)
				if err != nil {
					return fmt.Errorf("invalid MUSE_PORT %q: %w", p, err)
				}
				port = parsed
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.NewServer(svc, st, port).Start(ctx)
		},
	}
}

var (
	toolNameStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	toolDescStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	paramStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	requiredStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tool contracts exposed to the model",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := tools.NewRegistry()
			if err := planner.Register(registry, planner.NewLocalDeps().Deps()); err != nil {
				return err
			}
			for _, def := range registry.Definitions() {
				fmt.Fprintln(cmd.OutOrStdout(), toolNameStyle.Render(def.Name))
				fmt.Fprintln(cmd.OutOrStdout(), "  "+toolDescStyle.Render(def.Description))
				for name, field := range def.Parameters {
					line := "  " + paramStyle.Render(name) + " (" + field.Type + ")"
					if field.Required {
						line += " " + requiredStyle.Render("required")
					}
					if field.Description != "" {
						line += " " + field.Description
					}
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
