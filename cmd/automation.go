package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/qq-gateway/internal/config"
	"github.com/openclaw/qq-gateway/internal/onebot"
	"github.com/openclaw/qq-gateway/internal/routestore"
	"github.com/openclaw/qq-gateway/internal/routing"
	"github.com/openclaw/qq-gateway/pkg/qqwire"
)

func automationCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "automation",
		Short: "Inspect and manually fire automation targets",
	}
	root.AddCommand(automationListCmd())
	root.AddCommand(automationRunCmd())
	return root
}

func automationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured automation targets and their persisted latest-run state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			store := routestore.New(cfg.Workspace)
			for _, t := range cfg.AutomationTargets {
				enabled := true
				if t.Enabled != nil {
					enabled = *t.Enabled
				}
				latest := readAutomationLatest(store.MetaDir(t.Route), t.ID)
				fmt.Printf("%-24s route=%-20s enabled=%-5v schedule=%s\n", t.ID, t.Route, enabled, t.Job.Schedule.Kind)
				if latest != nil {
					fmt.Printf("    lastRunResult=%s lastSkipReason=%s lastError=%s\n", latest.LastRunResult, latest.LastSkipReason, latest.LastError)
				}
			}
			return nil
		},
	}
}

func automationRunCmd() *cobra.Command {
	var timeoutSec int
	cmd := &cobra.Command{
		Use:   "run <target-id>",
		Short: "Fire one automation target's message immediately, bypassing its schedule and smart throttle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			var target *config.AutomationTarget
			for i := range cfg.AutomationTargets {
				if cfg.AutomationTargets[i].ID == args[0] {
					target = &cfg.AutomationTargets[i]
					break
				}
			}
			if target == nil {
				return fmt.Errorf("automation: unknown target %q", args[0])
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(timeoutSec)*time.Second)
			defer cancel()

			client := onebot.New(cfg.WsURL, cfg.AccessToken, func(qqwire.Event) {})
			client.Start(ctx)
			defer client.Stop()
			if !client.WaitUntilConnected(time.Duration(timeoutSec) * time.Second) {
				return fmt.Errorf("automation: could not connect to %s within %ds", cfg.WsURL, timeoutSec)
			}

			if err := sendTextDirect(ctx, client, target.Route, target.Job.Message); err != nil {
				return fmt.Errorf("automation: run %s: %w", target.ID, err)
			}
			fmt.Printf("automation: fired %s -> %s\n", target.ID, target.Route)
			return nil
		},
	}
	cmd.Flags().IntVar(&timeoutSec, "timeout", 10, "seconds to wait for a transport connection")
	return cmd
}

// sendTextDirect is the one-shot counterpart of the running gateway's
// sendText helper, used by CLI commands that don't hold a live dispatch
// engine (spec §4.1's send_private_msg/send_group_msg/send_guild_channel_msg
// action trio).
func sendTextDirect(ctx context.Context, client *onebot.Client, route, text string) error {
	target, err := routing.ParseTarget(route)
	if err != nil {
		return err
	}
	var action string
	var params map[string]any
	switch target.Kind {
	case routing.KindUser:
		id, _ := strconv.ParseInt(target.ID, 10, 64)
		action, params = qqwire.ActionSendPrivateMsg, map[string]any{"user_id": id, "message": text}
	case routing.KindGroup:
		id, _ := strconv.ParseInt(target.ID, 10, 64)
		action, params = qqwire.ActionSendGroupMsg, map[string]any{"group_id": id, "message": text}
	default:
		action, params = qqwire.ActionSendGuildChannelMsg, map[string]any{"guild_id": target.GuildID, "channel_id": target.Channel, "message": text}
	}
	_, err = client.SendAction(ctx, action, params)
	return err
}

func readAutomationLatest(metaDir, id string) *automationLatest {
	data, err := os.ReadFile(metaDir + "/automation-latest-" + id + ".json")
	if err != nil {
		return nil
	}
	var out automationLatest
	if json.Unmarshal(data, &out) != nil {
		return nil
	}
	return &out
}

// automationLatest mirrors internal/automation.LatestState's JSON shape for
// read-only CLI display, kept separate so this command doesn't need to
// import the engine just to print a summary.
type automationLatest struct {
	LastRunResult  string `json:"lastRunResult"`
	LastSkipReason string `json:"lastSkipReason"`
	LastError      string `json:"lastError"`
}
