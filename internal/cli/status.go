package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/harun/chatstate/pkg/gateway"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	Long:  `Query the /healthz endpoint of a running gateway.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "gateway address host:port (default from config)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr := statusAddr
	if addr == "" {
		_, cfg, err := loadConfig(zerolog.Nop())
		if err != nil {
			return err
		}
		addr = net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	}

	out := cmd.OutOrStdout()
	health, err := fetchHealth(cmd.Context(), "http://"+addr+"/healthz")
	if err != nil {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintf(out, "Status: %s\n", health.Status)
	fmt.Fprintf(out, "Address: %s\n", addr)
	fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Duration(health.UptimeSeconds*float64(time.Second))))
	fmt.Fprintf(out, "Clients: %d\n", health.Clients)
	fmt.Fprintf(out, "Watched conversations: %d\n", health.Watched)
	return nil
}

func fetchHealth(ctx context.Context, url string) (*gateway.Health, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health gateway.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health: %w", err)
	}
	return &health, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
