package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

var (
	summaryRaw   bool
	summaryWidth int
)

var summaryCmd = &cobra.Command{
	Use:   "summary <signature|job-id|prefix>",
	Short: "Show the summary delivered for a payment",
	Args:  cobra.ExactArgs(1),
	RunE:  runSummary,
}

func init() {
	summaryCmd.Flags().BoolVar(&summaryRaw, "raw", false, "print markdown without rendering")
	summaryCmd.Flags().IntVar(&summaryWidth, "width", 80, "word wrap width")
	rootCmd.AddCommand(summaryCmd)
}

func runSummary(cmd *cobra.Command, args []string) error {
	cfg, err := loadLocalConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := store.ResolvePayment(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(p)
		return nil
	}
	if p.Summary == "" {
		return fmt.Errorf("payment %s has no summary (status %s)", p.Signature, p.Status)
	}
	fmt.Printf("%s  %s  %s\n", styledStatus(p.Status, 0), p.SpaceURL, dimStyle.Render(p.UpdatedAt))
	if summaryRaw {
		fmt.Println(p.Summary)
		return nil
	}
	fmt.Print(renderMarkdown(p.Summary, summaryWidth))
	return nil
}

// renderMarkdown renders text as terminal-styled markdown via glamour.
// Falls back to the plain text on error.
func renderMarkdown(text string, width int) string {
	if width < 40 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return text + "\n"
	}
	rendered, err := r.Render(text)
	if err != nil {
		return text + "\n"
	}
	if !strings.HasSuffix(rendered, "\n") {
		rendered += "\n"
	}
	return rendered
}
