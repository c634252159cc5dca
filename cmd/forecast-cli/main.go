package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	defaultServerURL = "http://localhost:8080"
	version          = "0.1.0"
)

type cliOptions struct {
	serverURL string
	verbose   bool
	timeout   time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "forecast-cli",
		Short:         "Sales forecast engine CLI",
		Long:          "Generate forecasts, score them against actual sales and inspect model accuracy.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.serverURL, "server", defaultServerURL, "Forecast server URL")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Print full JSON responses")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 60*time.Second, "Request timeout")

	root.AddCommand(
		newGenerateCmd(opts),
		newRunCmd(opts),
		newAccuracyCmd(opts),
		newHistoryCmd(opts),
		newLatestCmd(opts),
		newModelsCmd(opts),
		newHealthCmd(opts),
		newDemoCmd(opts),
	)
	return root
}

// client is a thin JSON client for the forecast API
type client struct {
	baseURL string
	http    *http.Client
}

func (o *cliOptions) client() *client {
	return &client{
		baseURL: strings.TrimRight(o.serverURL, "/"),
		http:    &http.Client{Timeout: o.timeout},
	}
}

// apiError is a non-2xx reply
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// do sends body as JSON and decodes the reply into out (when non-nil). The raw
// body is returned for verbose printing.
func (c *client) do(ctx context.Context, method, path string, body, out interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return raw, &apiError{Status: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("error parsing response: %w", err)
		}
	}
	return raw, nil
}

func printVerbose(cmd *cobra.Command, opts *cliOptions, raw []byte) {
	if !opts.verbose || len(raw) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), string(raw))
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), buf.String())
}
