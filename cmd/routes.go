package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/routing"
)

func routesCmd() *cobra.Command {
	var trial routing.Context

	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Show the binding table and trial-route a message",
		Run: func(cmd *cobra.Command, args []string) {
			runRoutes(trial)
		},
	}

	cmd.Flags().StringVar(&trial.ChannelID, "channel", "", "channel id to trial-route")
	cmd.Flags().StringVar(&trial.ChannelType, "channel-type", "", "channel type to trial-route")
	cmd.Flags().StringVar(&trial.ChatID, "chat", "", "chat id to trial-route")
	cmd.Flags().StringVar(&trial.ChatType, "chat-type", "", "chat type to trial-route")
	cmd.Flags().StringVar(&trial.UserID, "user", "", "user id to trial-route")
	cmd.Flags().StringVar(&trial.MessageText, "text", "", "message text to trial-route")

	return cmd
}

func runRoutes(trial routing.Context) {
	fmt.Println("switchboard routes")
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
		os.Exit(1)
	}

	router := routing.NewRouter(cfg.Gateway.DefaultAgent)
	var rejected []error
	for _, b := range cfg.NormalizedBindings() {
		if err := router.AddBinding(b); err != nil {
			rejected = append(rejected, err)
		}
	}

	bindings := router.GetBindings()
	fmt.Println()
	fmt.Println("  Bindings (evaluation order):")
	if len(bindings) == 0 {
		fmt.Println("    (none)")
	}
	for _, b := range bindings {
		state := "enabled"
		if !b.Enabled {
			state = "DISABLED"
		}
		label := b.ID
		if b.Name != "" {
			label = fmt.Sprintf("%s (%s)", b.ID, b.Name)
		}
		fmt.Printf("    %-24s -> %-16s priority %-4d %-8s %s\n",
			label, b.AgentID, b.Priority, state, describeMatch(b.Match))
	}
	for _, err := range rejected {
		fmt.Printf("    REJECTED: %s\n", err)
	}
	fmt.Printf("    %-24s -> %s\n", "(fallback)", cfg.Gateway.DefaultAgent)

	if trial.ChannelID == "" && trial.ChannelType == "" && trial.ChatID == "" &&
		trial.ChatType == "" && trial.UserID == "" && trial.MessageText == "" {
		return
	}

	res := router.Route(trial)
	fmt.Println()
	fmt.Println("  Trial route:")
	fmt.Printf("    %-12s %s\n", "Agent:", res.AgentID)
	fmt.Printf("    %-12s %s\n", "Matched by:", strings.Join(res.MatchedBy, ", "))
	if res.Binding != nil {
		fmt.Printf("    %-12s %s\n", "Binding:", res.Binding.ID)
	}
}

func describeMatch(m *routing.Match) string {
	if m == nil {
		return "matches all"
	}
	var parts []string
	if len(m.ChannelID) > 0 {
		parts = append(parts, "channel_id="+strings.Join(m.ChannelID, "|"))
	}
	if len(m.ChannelType) > 0 {
		parts = append(parts, "channel_type="+strings.Join(m.ChannelType, "|"))
	}
	if len(m.ChatID) > 0 {
		parts = append(parts, "chat_id="+strings.Join(m.ChatID, "|"))
	}
	if len(m.UserID) > 0 {
		parts = append(parts, "user_id="+strings.Join(m.UserID, "|"))
	}
	if m.ChatType != "" {
		parts = append(parts, "chat_type="+m.ChatType)
	}
	if m.MessagePattern != "" {
		parts = append(parts, "message~"+m.MessagePattern)
	}
	if len(parts) == 0 {
		return "matches all"
	}
	return strings.Join(parts, " ")
}
