package main

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/enrich-cli/internal/model"
)

var enrichContext []string

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrich a company domain",
}

var enrichQuickCmd = &cobra.Command{
	Use:   "quick <domain>",
	Short: "Run the free quick-tier sources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("enrich"); err != nil {
			return err
		}
		a, err := initApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.Service.EnrichQuick(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

var enrichDeepCmd = &cobra.Command{
	Use:   "deep <domain>",
	Short: "Run quick then paid deep-tier sources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("enrich"); err != nil {
			return err
		}
		extra, err := parseContext(enrichContext)
		if err != nil {
			return err
		}
		a, err := initApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.Service.EnrichDeep(cmd.Context(), args[0], extra)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

// parseContext turns field=value pairs into Fields, rejecting unknown fields.
func parseContext(pairs []string) (model.Fields, error) {
	out := make(model.Fields, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, eris.Errorf("context %q: expected field=value", p)
		}
		key, ok := model.ParseFieldKey(strings.TrimSpace(k))
		if !ok {
			return nil, eris.Errorf("context %q: unknown field %q", p, k)
		}
		out[key] = strings.TrimSpace(v)
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	enrichDeepCmd.Flags().StringArrayVar(&enrichContext, "context", nil, "known field as field=value (repeatable)")
	enrichCmd.AddCommand(enrichQuickCmd, enrichDeepCmd)
	rootCmd.AddCommand(enrichCmd)
}
