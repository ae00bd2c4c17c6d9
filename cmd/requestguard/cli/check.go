package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tkingovr/requestguard/api"
)

var (
	checkURL    string
	checkMethod string
	checkType   string
	checkPage   string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run a request against the rules",
	Long: `Check what decision a request would receive without starting the service.
Nothing is written to the decision log. Useful for testing and debugging rules.`,
	Example: `  requestguard check -c requestguard.yaml --url https://ads.example.com/banner.js --type script
  requestguard check -c requestguard.yaml --url https://cdn.example.org/app.css --page https://news.example/`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkURL, "url", "", "request URL to check")
	checkCmd.Flags().StringVar(&checkMethod, "method", "GET", "HTTP method")
	checkCmd.Flags().StringVar(&checkType, "type", "", "resource type (document, script, image, ...)")
	checkCmd.Flags().StringVar(&checkPage, "page", "", "URL of the page making the request")
	_ = checkCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	engine, err := newEngine(context.Background(), cfg, logger)
	if err != nil {
		return fmt.Errorf("creating rule engine: %w", err)
	}

	req := api.CheckRequest{
		URL:          checkURL,
		Method:       checkMethod,
		ResourceType: checkType,
		PageURL:      checkPage,
	}.ToRequest()

	output := api.CheckResponse{
		URL:      checkURL,
		Decision: engine.Evaluate(&req, checkPage),
	}
	if checkPage != "" {
		output.PageInjections = engine.InjectionsForPage(checkPage)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}
