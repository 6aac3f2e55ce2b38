package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var circuitsServer string

// Breaker state lives in the serving process, so these commands talk to it.
var circuitsCmd = &cobra.Command{
	Use:   "circuits",
	Short: "Show source circuit breakers of a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := callServer(cmd.Context(), serverBase(circuitsServer), http.MethodGet, "/v1/health/circuits")
		if err != nil {
			return err
		}
		var health map[string]json.RawMessage
		if err := json.Unmarshal(body, &health); err != nil {
			return eris.Wrap(err, "decode circuit health")
		}
		return printJSON(cmd.OutOrStdout(), health)
	},
}

var circuitsResetCmd = &cobra.Command{
	Use:   "reset <source>",
	Short: "Force a source's breaker closed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := callServer(cmd.Context(), serverBase(circuitsServer), http.MethodPost, "/v1/circuits/"+url.PathEscape(args[0])+"/reset")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "circuit %s reset\n", args[0])
		return err
	},
}

// serverBase returns flag, or the locally configured server when it is empty.
func serverBase(flag string) string {
	if flag != "" {
		return strings.TrimRight(flag, "/")
	}
	return fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
}

func callServer(ctx context.Context, base, method, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, base+path, nil)
	if err != nil {
		return nil, eris.Wrap(err, "build request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "call %s", base)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "read response")
	}
	if resp.StatusCode >= 300 {
		return nil, eris.Errorf("%s %s: %d %s", method, path, resp.StatusCode, body)
	}
	return body, nil
}

func init() {
	circuitsCmd.PersistentFlags().StringVar(&circuitsServer, "server", "", "server base URL (default http://localhost:<server.port>)")
	circuitsCmd.AddCommand(circuitsResetCmd)
	rootCmd.AddCommand(circuitsCmd)
}
