package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"sqragent/internal/db"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	paymentsStatus string
	paymentsChat   int64
	paymentsLimit  int
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("37"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	statusStyle = map[string]lipgloss.Style{
		db.PaymentVerified:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		db.PaymentSubmitted: lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		db.PaymentDelivered: lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		db.PaymentFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		db.PaymentCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
	}
)

var paymentsCmd = &cobra.Command{
	Use:   "payments",
	Short: "List recorded payments",
	RunE:  runPayments,
}

func init() {
	paymentsCmd.Flags().StringVar(&paymentsStatus, "status", "all", "filter by status: all, verified, submitted, delivered, failed, cancelled")
	paymentsCmd.Flags().Int64Var(&paymentsChat, "chat", 0, "filter by Telegram chat ID")
	paymentsCmd.Flags().IntVar(&paymentsLimit, "limit", 50, "maximum rows (0 for all)")
	rootCmd.AddCommand(paymentsCmd)
}

func runPayments(cmd *cobra.Command, args []string) error {
	status, err := normalizePaymentStatus(paymentsStatus)
	if err != nil {
		return err
	}
	if paymentsLimit < 0 {
		return fmt.Errorf("invalid --limit %d; expected >= 0", paymentsLimit)
	}
	cfg, err := loadLocalConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	payments, err := store.ListPayments(cmd.Context(), db.PaymentFilter{Status: status, ChatID: paymentsChat, Limit: paymentsLimit})
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(payments)
		return nil
	}
	renderPayments(os.Stdout, payments)
	return nil
}

func normalizePaymentStatus(status string) (string, error) {
	switch status {
	case "", "all":
		return "", nil
	case db.PaymentVerified, db.PaymentSubmitted, db.PaymentDelivered, db.PaymentFailed, db.PaymentCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("invalid --status %q (expected one of: all, verified, submitted, delivered, failed, cancelled)", status)
	}
}

func renderPayments(w io.Writer, payments []db.Payment) {
	if len(payments) == 0 {
		fmt.Fprintln(w, "No payments found.")
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-12s %-10s %-6s %-8s %-14s %-20s %s", "SIG", "STATUS", "TYPE", "AMOUNT", "CHAT", "UPDATED", "SPACE")))
	fmt.Fprintln(w, dimStyle.Render(strings.Repeat("-", 110)))

	counts := make(map[string]int)
	for _, p := range payments {
		counts[p.Status]++
		fmt.Fprintf(w, "%-12s %s %-6s %-8s %-14d %-20s %s\n",
			db.ShortSig(p.Signature), styledStatus(p.Status, 10), p.RequestType, p.Amount, p.ChatID, p.UpdatedAt, truncate(p.SpaceURL, 40))
		if p.ErrorMessage != "" {
			fmt.Fprintln(w, dimStyle.Render("             └ "+truncate(p.ErrorMessage, 90)))
		}
	}
	fmt.Fprintf(w, "Total: %d payments (%d delivered, %d in flight, %d failed, %d cancelled)\n",
		len(payments), counts[db.PaymentDelivered], counts[db.PaymentVerified]+counts[db.PaymentSubmitted],
		counts[db.PaymentFailed], counts[db.PaymentCancelled])
}

// styledStatus pads before styling so escape codes do not break alignment.
func styledStatus(status string, width int) string {
	padded := fmt.Sprintf("%-*s", width, status)
	if style, ok := statusStyle[status]; ok {
		return style.Render(padded)
	}
	return padded
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
