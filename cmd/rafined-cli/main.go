package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"rafined/internal/model"
	"rafined/internal/protocol"
)

var (
	serverURL string
	token     string
	timeout   time.Duration
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:           "rafined-cli",
	Short:         "Enhance prompts with a rafined server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&serverURL, "server", envOr("RAFINED_SERVER", "http://localhost:8080"), "rafined server base URL")
	flags.StringVar(&token, "token", os.Getenv("RAFINED_TOKEN"), "bearer token")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "timeout for settings and history requests")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")

	rootCmd.AddCommand(newEnhanceCmd())
	rootCmd.AddCommand(newSettingsCmd())
	rootCmd.AddCommand(newHistoryCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rafined-cli: %v\n", err)
		if errors.Is(err, errCancelled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newLogger() zerolog.Logger {
	if !verbose {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.DebugLevel).With().Timestamp().Logger()
}

func newEnhanceCmd() *cobra.Command {
	var (
		target      string
		contextFile string
		printOnly   bool
	)
	cmd := &cobra.Command{
		Use:   "enhance [prompt...]",
		Short: "Stream an enhanced version of a prompt",
		Long:  "Streams the enhancement to stderr and prints the final prompt to stdout. Reads the prompt from stdin when no arguments are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			tm, err := protocol.ParseTargetModel(target)
			if err != nil {
				return err
			}
			promptText, err := readPrompt(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			convo, err := readContext(contextFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			c := newClient(serverURL, token, timeout)
			return runEnhance(ctx, c, enhanceParams{
				Prompt:    promptText,
				Context:   convo,
				Target:    tm,
				PrintOnly: printOnly,
			}, cmd.OutOrStdout(), cmd.ErrOrStderr(), newLogger())
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&target, "target", "t", string(protocol.TargetClaude), "target model: chatgpt, claude or gemini")
	flags.StringVar(&contextFile, "context-file", "", "JSON array of {role, content} conversation turns")
	flags.BoolVar(&printOnly, "print-only", false, "print the result without marking it used")
	return cmd
}

func newSettingsCmd() *cobra.Command {
	var (
		apiKey  string
		tone    string
		format  bool
		concise bool
	)
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch model.SettingsPatch
			flags := cmd.Flags()
			if flags.Changed("api-key") {
				patch.APIKey = &apiKey
			}
			if flags.Changed("tone") {
				t, err := model.ParseTone(tone)
				if err != nil {
					return err
				}
				patch.Tone = &t
			}
			if flags.Changed("format") {
				patch.AddOutputFormat = &format
			}
			if flags.Changed("concise") {
				patch.KeepConcise = &concise
			}

			ctx := cmd.Context()
			c := newClient(serverURL, token, timeout)
			var view settingsView
			var err error
			if patch == (model.SettingsPatch{}) {
				err = c.do(ctx, http.MethodGet, "/api/settings", nil, &view)
			} else {
				err = c.do(ctx, http.MethodPut, "/api/settings", patch, &view)
			}
			if err != nil {
				return err
			}
			printSettings(cmd, view)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&apiKey, "api-key", "", "upstream API key; empty removes it")
	flags.StringVar(&tone, "tone", "", "professional, casual or technical")
	flags.BoolVar(&format, "format", true, "add output format guidance")
	flags.BoolVar(&concise, "concise", false, "keep enhanced prompts short")
	return cmd
}

type settingsView struct {
	APIKey          string     `json:"apiKey"`
	HasAPIKey       bool       `json:"hasApiKey"`
	Tone            model.Tone `json:"tone"`
	AddOutputFormat bool       `json:"addOutputFormat"`
	KeepConcise     bool       `json:"keepConcise"`
}

func printSettings(cmd *cobra.Command, v settingsView) {
	key := v.APIKey
	if !v.HasAPIKey {
		key = "(not set)"
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "api key\t%s\n", key)
	fmt.Fprintf(w, "tone\t%s\n", v.Tone)
	fmt.Fprintf(w, "output format\t%t\n", v.AddOutputFormat)
	fmt.Fprintf(w, "keep concise\t%t\n", v.KeepConcise)
	_ = w.Flush()
}

func newHistoryCmd() *cobra.Command {
	var (
		limit int
		clear bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent enhancements, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := newClient(serverURL, token, timeout)
			if clear {
				return c.do(ctx, http.MethodDelete, "/api/history", nil, nil)
			}
			var resp struct {
				History []model.HistoryEntry `json:"history"`
			}
			if err := c.do(ctx, http.MethodGet, "/api/history", nil, &resp); err != nil {
				return err
			}
			entries := resp.History
			if limit > 0 && len(entries) > limit {
				entries = entries[:limit]
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIME\tTARGET\tUSED\tPROMPT")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", e.ID, e.Timestamp.Local().Format(time.DateTime), e.TargetModel, e.Used, summarize(e.OriginalPrompt, 60))
			}
			return w.Flush()
		},
	}
	flags := cmd.Flags()
	flags.IntVarP(&limit, "limit", "n", 20, "maximum entries to show, 0 for all")
	flags.BoolVar(&clear, "clear", false, "delete all history")
	return cmd
}

func summarize(s string, n int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' || c == '\t' {
			r[i] = ' '
		}
	}
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
