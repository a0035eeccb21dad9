package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/screenqueue/internal/config"
	"github.com/zjrosen/screenqueue/internal/queuestate"
	"github.com/zjrosen/screenqueue/internal/session"
)

var peekOutput string

var peekCmd = &cobra.Command{
	Use:   "peek",
	Short: "Print the screens currently queued for the signed-in user",
	Long: `Peek the queue once and print the active screen and prefetch list.

Examples:
  screenqueue peek
  screenqueue peek -o yaml
  screenqueue peek | jq '.active.slug'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cleanup, err := setupLogging("screenqueue-peek")
		if err != nil {
			return err
		}
		defer cleanup()
		return runPeek(cmd.Context(), cfg, peekOutput, cmd.OutOrStdout())
	},
}

func init() {
	peekCmd.Flags().StringVarP(&peekOutput, "output", "o", "json", "output format: json or yaml")
	rootCmd.AddCommand(peekCmd)
}

type screenView struct {
	Slug       string `json:"slug" yaml:"slug"`
	Parameters any    `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

type peekView struct {
	Active    screenView   `json:"active" yaml:"active"`
	ActiveJWT string       `json:"active_jwt" yaml:"active_jwt"`
	Prefetch  []screenView `json:"prefetch" yaml:"prefetch"`
}

func toScreenView(s queuestate.PeekedScreen) (screenView, error) {
	v := screenView{Slug: s.Slug}
	if len(s.Parameters) > 0 {
		if err := json.Unmarshal(s.Parameters, &v.Parameters); err != nil {
			return screenView{}, fmt.Errorf("decoding parameters of %s: %w", s.Slug, err)
		}
	}
	return v, nil
}

func runPeek(ctx context.Context, c config.Config, format string, w io.Writer) error {
	if format != "json" && format != "yaml" {
		return fmt.Errorf("unknown output format %q (want json or yaml)", format)
	}
	svc, err := openServices(c)
	if err != nil {
		return err
	}
	defer svc.Close()

	login := session.NewFileSource(c.Session.CredentialsPath, svc.login, c.Session.ExpiryBuffer).Load()
	if login.State != session.StateLoggedIn {
		return fmt.Errorf("not logged in; run `screenqueue login`")
	}
	_ = svc.visitor.Load(ctx)

	machine := queuestate.New(c.EngineConfig().Queue, svc.client, svc.login, svc.visitor,
		queuestate.WithTracer(svc.tracer.Tracer()))
	state, err := machine.Peek(ctx)
	if err != nil {
		return fmt.Errorf("peek: %w", err)
	}

	view := peekView{ActiveJWT: state.ActiveJWT, Prefetch: []screenView{}}
	if view.Active, err = toScreenView(state.Active); err != nil {
		return err
	}
	for _, p := range state.Prefetch {
		sv, err := toScreenView(p)
		if err != nil {
			return err
		}
		view.Prefetch = append(view.Prefetch, sv)
	}
	return writeOutput(w, format, view)
}

func writeOutput(w io.Writer, format string, v any) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
