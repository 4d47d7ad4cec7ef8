package cli

import (
	"context"
	"fmt"
	"strings"

	"sqragent/internal/daemon"
	"sqragent/internal/db"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	dotRunning = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46")).Render("●")
	dotStopped = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")).Render("●")
)

type statusOutput struct {
	Running       bool           `json:"running"`
	PID           int            `json:"pid,omitempty"`
	Payments      map[string]int `json:"payments"`
	PendingAlerts int            `json:"pending_alerts"`
}

var statusShort bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and payment counts",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusShort, "short", false, "print one-line status summary")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadLocalConfig()
	if err != nil {
		return err
	}

	out := statusOutput{Running: daemon.IsRunning(cfg.PIDFile)}
	if out.Running {
		out.PID, _ = daemon.ReadPID(cfg.PIDFile)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if out.Payments, err = paymentCounts(cmd.Context(), store); err != nil {
		return err
	}
	if out.PendingAlerts, err = store.CountPendingNotificationEvents(cmd.Context()); err != nil {
		return err
	}

	if jsonOut {
		printJSON(out)
		return nil
	}
	if statusShort {
		fmt.Println(renderShortStatus(out))
		return nil
	}
	fmt.Println(renderStatus(out))
	return nil
}

func paymentCounts(ctx context.Context, store *db.Store) (map[string]int, error) {
	counts := map[string]int{
		db.PaymentVerified:  0,
		db.PaymentSubmitted: 0,
		db.PaymentDelivered: 0,
		db.PaymentFailed:    0,
		db.PaymentCancelled: 0,
	}
	rows, err := store.Reader.QueryContext(ctx, `SELECT status, COUNT(*) FROM payments GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count payments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan payment count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func renderShortStatus(out statusOutput) string {
	state := "stopped"
	if out.Running {
		state = "running"
	}
	inFlight := out.Payments[db.PaymentVerified] + out.Payments[db.PaymentSubmitted]
	return fmt.Sprintf("%s | %d in flight, %d pending alerts", state, inFlight, out.PendingAlerts)
}

func renderStatus(out statusOutput) string {
	var sb strings.Builder
	if out.Running {
		fmt.Fprintf(&sb, "%s Daemon: running (pid %d)\n", dotRunning, out.PID)
	} else {
		fmt.Fprintf(&sb, "%s Daemon: stopped\n", dotStopped)
	}
	fmt.Fprintf(&sb, "%-10s %d verified · %d submitted\n", "In flight:", out.Payments[db.PaymentVerified], out.Payments[db.PaymentSubmitted])
	fmt.Fprintf(&sb, "%-10s %d delivered · %d failed · %d cancelled\n", "Finished:",
		out.Payments[db.PaymentDelivered], out.Payments[db.PaymentFailed], out.Payments[db.PaymentCancelled])
	fmt.Fprintf(&sb, "%-10s %d pending", "Alerts:", out.PendingAlerts)
	return sb.String()
}
