package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"offline0/internal/config"
	"offline0/internal/host"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the worker registration of a running server",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "server address (default: http://localhost:<server.port>)")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr := statusAddr
	if addr == "" {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		addr = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(strings.TrimRight(addr, "/") + host.ControlPrefix + "/status")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status: %s", resp.Status)
	}
	var st host.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	out := cmd.OutOrStdout()
	orNone := func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	}
	printTable(out, []string{"Field", "Value"}, [][]string{
		{"scope", st.Scope},
		{"script", orNone(st.Script)},
		{"installing", orNone(st.Installing)},
		{"waiting", orNone(st.Waiting)},
		{"active", orNone(st.Active)},
		{"controller", orNone(st.Controller)},
		{"navigation preload", fmt.Sprint(st.NavigationPreload)},
		{"caches", orNone(strings.Join(st.Caches, ", "))},
		{"timers", orNone(strings.Join(st.Timers, ", "))},
	})
	if len(st.Clients) > 0 {
		fmt.Fprintln(out)
		rows := make([][]string, 0, len(st.Clients))
		for _, c := range st.Clients {
			rows = append(rows, []string{c.ID, c.URL, fmt.Sprint(c.Focused), c.Connected.Format(time.RFC3339)})
		}
		printTable(out, []string{"Client", "URL", "Focused", "Connected"}, rows)
	}
	return nil
}
