package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tkingovr/requestguard/api"
	"github.com/tkingovr/requestguard/internal/decisionlog"
	"github.com/tkingovr/requestguard/internal/guard"
)

var replayCmd = &cobra.Command{
	Use:   "replay [file]",
	Short: "Evaluate a recorded request stream and log every decision",
	Long: `Replay reads one JSON request per line, in the same shape as the
check API ({"url", "method", "resource_type", "page_url"}), evaluates each
through the full pipeline and prints a summary. Reads stdin when no file
is given or the file is "-".`,
	Example: `  requestguard replay -c requestguard.yaml requests.jsonl
  cat requests.jsonl | requestguard replay -c requestguard.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

// replaySummary is printed when a replay finishes.
type replaySummary struct {
	Requests int                       `json:"requests"`
	Blocked  int                       `json:"blocked"`
	Allowed  int                       `json:"allowed"`
	Injected int                       `json:"injected"`
	Invalid  int                       `json:"invalid"`
	ByRule   map[string]int            `json:"by_rule"`
	Elapsed  string                    `json:"elapsed"`
	Log      decisionlog.PipelineStats `json:"decision_log"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	in := cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening replay input: %w", err)
		}
		defer f.Close()
		in = f
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := newStack(context.Background(), cfg, logger)
	if err != nil {
		return fmt.Errorf("starting: %w", err)
	}

	start := time.Now()
	summary, err := replay(in, st.guard)
	summary.Elapsed = time.Since(start).String()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.DrainTimeout+time.Second)
	defer cancel()
	if cerr := st.Close(drainCtx); cerr != nil {
		logger.Error("decision log shutdown", "error", cerr)
	}
	summary.Log = st.pipeline.Stats()
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func replay(in io.Reader, g *guard.Guard) (replaySummary, error) {
	summary := replaySummary{ByRule: make(map[string]int)}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var cr api.CheckRequest
		if err := json.Unmarshal([]byte(text), &cr); err != nil || cr.URL == "" {
			summary.Invalid++
			logger.Debug("skipping invalid replay line", "line", line, "error", err)
			continue
		}

		req := cr.ToRequest()
		d := g.Handle(&req, cr.PageURL)
		summary.Requests++
		switch {
		case d.ShouldBlock:
			summary.Blocked++
			summary.ByRule[d.BlockedByRuleID]++
		case len(d.Injections) > 0:
			summary.Injected++
			summary.Allowed++
		default:
			summary.Allowed++
		}
	}
	if err := sc.Err(); err != nil {
		return summary, fmt.Errorf("reading replay input: %w", err)
	}
	return summary, nil
}
