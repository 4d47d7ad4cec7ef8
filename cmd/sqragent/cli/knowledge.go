package cli

import (
	"fmt"

	"sqragent/internal/bot"
	"sqragent/internal/db"

	"github.com/spf13/cobra"
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Inspect what members taught the bot",
}

var knowledgeListCmd = &cobra.Command{
	Use:   "list [topic-prefix]",
	Short: "List stored knowledge keys",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runKnowledgeList,
}

var knowledgeShowCmd = &cobra.Command{
	Use:   "show <topic|web:url>",
	Short: "Print one knowledge entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runKnowledgeShow,
}

var knowledgeMembersCmd = &cobra.Command{
	Use:   "members",
	Short: "List members allowed to teach the bot",
	RunE:  runKnowledgeMembers,
}

func init() {
	knowledgeCmd.AddCommand(knowledgeListCmd, knowledgeShowCmd, knowledgeMembersCmd)
	rootCmd.AddCommand(knowledgeCmd)
}

func runKnowledgeList(cmd *cobra.Command, args []string) error {
	cfg, err := loadLocalConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	prefix := bot.KnowledgePrefix
	if len(args) == 1 {
		prefix += args[0]
	}
	keys, err := store.ListKnowledgeKeys(cmd.Context(), prefix)
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(keys)
		return nil
	}
	if len(keys) == 0 {
		fmt.Println("No knowledge stored. Members can add some with /learn.")
		return nil
	}
	for _, k := range keys {
		fmt.Println(k[len(bot.KnowledgePrefix):])
	}
	return nil
}

func runKnowledgeShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadLocalConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	value, err := store.Get(cmd.Context(), bot.KnowledgePrefix+args[0])
	if err != nil {
		return fmt.Errorf("knowledge %q: %w", args[0], err)
	}
	if jsonOut {
		printJSON(map[string]string{"key": args[0], "value": value})
		return nil
	}
	fmt.Print(renderMarkdown(value, summaryWidth))
	return nil
}

func runKnowledgeMembers(cmd *cobra.Command, args []string) error {
	cfg, err := loadLocalConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	members, err := db.AuthorizedMembers(cmd.Context(), store, cfg.Members.Authorized)
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(members)
		return nil
	}
	for _, m := range members {
		fmt.Println("@" + m)
	}
	return nil
}
