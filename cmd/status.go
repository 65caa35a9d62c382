package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

func newStatusCmd(configPath *string) *cobra.Command {
	var baseURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether a local monitor is running and its metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseURL == "" {
				cfg, err := loadConfig(*configPath, false)
				if err != nil {
					return err
				}
				baseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
			}
			baseURL = strings.TrimRight(baseURL, "/")

			p := newPrinter(cmd.OutOrStdout())
			if !checkMonitorRunning(baseURL) {
				p.fail("No usage monitor responding at " + baseURL)
				return fmt.Errorf("monitor not running")
			}
			p.success("Usage monitor running at " + baseURL)

			body, err := getJSON(baseURL + "/stats")
			if err != nil {
				p.warn("Stats unavailable: " + err.Error())
				return nil
			}
			stats := gjson.ParseBytes(body)
			p.info("Uptime: " + stats.Get("uptime").String())
			p.info(fmt.Sprintf("Inlet calls: %d (avg %.1fms)", stats.Get("inlet.calls").Int(), stats.Get("inlet.avg_latency_ms").Float()))
			p.info(fmt.Sprintf("Outlet calls: %d (avg %.1fms)", stats.Get("outlet.calls").Int(), stats.Get("outlet.avg_latency_ms").Float()))
			p.info(fmt.Sprintf("Billed: %d + %d tokens, cost %.4f",
				stats.Get("usage.input_tokens").Int(), stats.Get("usage.output_tokens").Int(), stats.Get("usage.total_cost").Float()))
			for _, s := range stats.Get("states").Array() {
				p.info(fmt.Sprintf("  %s: %d", s.Get("state").String(), s.Get("count").Int()))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "", "monitor base URL (default http://localhost:<server.port>)")

	return cmd
}

// checkMonitorRunning checks if a monitor answers its health endpoint.
func checkMonitorRunning(baseURL string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	// #nosec G107 -- operator-supplied local URL
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func getJSON(url string) ([]byte, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	// #nosec G107 -- operator-supplied local URL
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
