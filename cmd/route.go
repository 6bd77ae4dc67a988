package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openclaw/qq-gateway/internal/config"
	"github.com/openclaw/qq-gateway/internal/routestore"
	"github.com/openclaw/qq-gateway/internal/routing"
)

func routeCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "route",
		Short: "Inspect a route's persisted meta, usage, and conversation state",
	}
	root.AddCommand(routeInspectCmd())
	root.AddCommand(routeCapCmd())
	return root
}

func routeInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <route>",
		Short: "Dump a route's agent.json, usage.json, and state.json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			route := args[0]
			normalized, err := routing.NormalizeTarget(route)
			if err != nil {
				return fmt.Errorf("route: %w", err)
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			store := routestore.New(cfg.Workspace)

			meta, err := store.LoadOrCreateMeta(normalized, normalized == ownerPrivateRoute(cfg))
			if err != nil {
				return fmt.Errorf("route: load meta: %w", err)
			}
			usage, err := store.LoadUsage(normalized)
			if err != nil {
				return fmt.Errorf("route: load usage: %w", err)
			}
			state, err := store.LoadState(normalized)
			if err != nil {
				return fmt.Errorf("route: load state: %w", err)
			}

			return printJSON(map[string]any{
				"route": normalized,
				"meta":  meta,
				"usage": usage,
				"state": state,
			})
		},
	}
}

func routeCapCmd() *cobra.Command {
	var sendText, sendMedia, sendVoice bool
	cmd := &cobra.Command{
		Use:   "grant-capability <route>",
		Short: "Set a route's capability flags and persist them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			route := args[0]
			normalized, err := routing.NormalizeTarget(route)
			if err != nil {
				return fmt.Errorf("route: %w", err)
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			store := routestore.New(cfg.Workspace)
			meta, err := store.LoadOrCreateMeta(normalized, false)
			if err != nil {
				return fmt.Errorf("route: load meta: %w", err)
			}
			meta.Capabilities.SendText = sendText
			meta.Capabilities.SendMedia = sendMedia
			meta.Capabilities.SendVoice = sendVoice
			if err := store.SaveMeta(normalized, meta); err != nil {
				return fmt.Errorf("route: save meta: %w", err)
			}
			return printJSON(meta)
		},
	}
	cmd.Flags().BoolVar(&sendText, "send-text", true, "allow sendText")
	cmd.Flags().BoolVar(&sendMedia, "send-media", false, "allow sendMedia")
	cmd.Flags().BoolVar(&sendVoice, "send-voice", false, "allow sendVoice")
	return cmd
}

func ownerPrivateRoute(cfg *config.Config) string {
	if cfg.OwnerUserID == "" {
		return ""
	}
	return routing.Target{Kind: routing.KindUser, ID: cfg.OwnerUserID}.Route()
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
