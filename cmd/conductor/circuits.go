package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/conductor/pkg/cli"
	lstorage "mercator-hq/conductor/pkg/limits/storage"
	"mercator-hq/conductor/pkg/server"
)

var circuitsFlags struct {
	server  string
	format  string
	timeout time.Duration
}

var circuitsCmd = &cobra.Command{
	Use:   "circuits",
	Short: "Show circuit breaker state per backend",
	Long: `Show the circuit breaker state of every backend: status, consecutive
failures, when the circuit opened, the current cooldown and the next trial.

By default the state is read from the state store (state.path) as of the last
checkpoint. With --server the live state is fetched from a running admin API.

Examples:
  # Last checkpointed state
  conductor circuits

  # Live state from a running process
  conductor circuits --server http://127.0.0.1:9090

  # Forget a backend's circuit (only while Conductor is stopped)
  conductor circuits reset openai-gpt-4o`,
	RunE: showCircuits,
}

var circuitsResetCmd = &cobra.Command{
	Use:   "reset <backend-id>...",
	Short: "Remove persisted circuit state for backends",
	Long: `Remove the persisted circuit state of the named backends so they start
closed on the next restart. A running process overwrites the store at its
next checkpoint, so stop Conductor first.`,
	Args: cobra.MinimumNArgs(1),
	RunE: resetCircuits,
}

func init() {
	rootCmd.AddCommand(circuitsCmd)
	circuitsCmd.AddCommand(circuitsResetCmd)

	circuitsCmd.Flags().StringVar(&circuitsFlags.server, "server", "", "admin API base URL (default: read the state store)")
	circuitsCmd.Flags().StringVar(&circuitsFlags.format, "format", "text", "output format: text, json, csv")
	circuitsCmd.Flags().DurationVar(&circuitsFlags.timeout, "timeout", 5*time.Second, "admin API request timeout")
}

// circuitTable renders circuit views as rows.
type circuitTable []server.CircuitView

func (t circuitTable) Header() []string {
	return []string{"BACKEND", "STATUS", "FAILURES", "OPENED", "COOLDOWN", "NEXT TRIAL"}
}

func (t circuitTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, c := range t {
		opened, next := "-", "-"
		if !c.OpenedAt.IsZero() {
			opened = c.OpenedAt.Format(time.RFC3339)
		}
		if c.NextTrial != nil {
			next = c.NextTrial.Format(time.RFC3339)
		}
		rows = append(rows, []string{
			c.BackendID,
			c.Status.String(),
			strconv.Itoa(c.ConsecutiveFailures),
			opened,
			c.Cooldown.String(),
			next,
		})
	}
	return rows
}

func showCircuits(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseOutputFormat(circuitsFlags.format)
	if err != nil {
		return err
	}

	var views circuitTable
	if circuitsFlags.server != "" {
		views, err = fetchCircuits(cmd.Context(), circuitsFlags.server, circuitsFlags.timeout)
	} else {
		views, err = readCircuits(cmd.Context())
	}
	if err != nil {
		return cli.NewCommandError("circuits", err)
	}

	if len(views) == 0 && format == cli.FormatText {
		fmt.Fprintln(cmd.OutOrStdout(), "No circuit state recorded")
		return nil
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), views)
}

// readCircuits loads the last checkpoint from the state store.
func readCircuits(ctx context.Context) (circuitTable, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	backend, err := openState(&cfg.State)
	if err != nil {
		return nil, err
	}
	defer backend.Close()

	states, err := lstorage.LoadCircuits(ctx, backend)
	if err != nil && states == nil {
		return nil, err
	}

	views := make(circuitTable, 0, len(states))
	for _, st := range states {
		v := server.CircuitView{CircuitState: st}
		if next := st.NextTrial(); !next.IsZero() {
			v.NextTrial = &next
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].BackendID < views[j].BackendID })
	return views, nil
}

// fetchCircuits asks a running admin API for live circuit state.
func fetchCircuits(ctx context.Context, base string, timeout time.Duration) (circuitTable, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(base, "/") + "/v1/circuits"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach admin API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("admin API returned %s", resp.Status)
	}
	var views circuitTable
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		return nil, fmt.Errorf("failed to decode circuits: %w", err)
	}
	return views, nil
}

func resetCircuits(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	backend, err := openState(&cfg.State)
	if err != nil {
		return cli.NewCommandError("circuits reset", err)
	}
	defer backend.Close()

	for _, id := range args {
		if err := backend.Delete(cmd.Context(), id, lstorage.DimensionCircuit); err != nil {
			return cli.NewCommandError("circuits reset", fmt.Errorf("backend %s: %w", id, err))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Circuit state removed for %s\n", id)
	}
	return nil
}
