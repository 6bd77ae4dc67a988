package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/qq-gateway/internal/agentrt"
	"github.com/openclaw/qq-gateway/internal/aggregate"
	"github.com/openclaw/qq-gateway/internal/automation"
	"github.com/openclaw/qq-gateway/internal/config"
	"github.com/openclaw/qq-gateway/internal/delivery"
	"github.com/openclaw/qq-gateway/internal/diag"
	"github.com/openclaw/qq-gateway/internal/dispatch"
	"github.com/openclaw/qq-gateway/internal/materialize"
	"github.com/openclaw/qq-gateway/internal/mediaresolve"
	"github.com/openclaw/qq-gateway/internal/mediasend"
	"github.com/openclaw/qq-gateway/internal/nudge"
	"github.com/openclaw/qq-gateway/internal/onebot"
	"github.com/openclaw/qq-gateway/internal/outbound"
	"github.com/openclaw/qq-gateway/internal/policy"
	"github.com/openclaw/qq-gateway/internal/routestate"
	"github.com/openclaw/qq-gateway/internal/routestore"
	"github.com/openclaw/qq-gateway/internal/routing"
	"github.com/openclaw/qq-gateway/internal/tasks"
	"github.com/openclaw/qq-gateway/pkg/qqwire"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway: connect to OneBot, dispatch to the agent runtime, deliver replies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// gateway bundles every long-lived component runServe wires together,
// grounded on the teacher's runGateway closure-of-components shape in
// cmd/gateway.go.
type gateway struct {
	cfg     *config.Config
	store   *routestore.Store
	diagLog *diag.Logger
	client  *onebot.Client
	state   *routestate.Tracker
	taskQ   *tasks.Queue
	sendQ   *delivery.Queue
	pol     *policy.Checker
	agg     *aggregate.Aggregator
	mat     *materialize.Materializer
	engine  *dispatch.Engine
	auto    *automation.Engine
	nudgeEg *nudge.Engine
	signer  *mediasend.RelaySigner
	seq     int64
}

func runServe(ctx context.Context) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	g, err := newGateway(cfg)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g.client.Start(ctx)
	g.sendQ.Start(ctx)
	go g.reconcileLoop(ctx)
	go g.nudgeLoop(ctx)
	if watcher, err := config.NewWatcher(resolveConfigPath(), g.cfg, func(next *config.Config) {
		g.auto.SetTargets(loadAutomationTargets(next))
	}); err == nil {
		defer watcher.Close()
	} else {
		slog.Warn("serve: config watcher disabled", "error", err)
	}

	slog.Info("serve: gateway running", "wsUrl", cfg.WsURL, "workspace", cfg.Workspace)

	select {
	case sig := <-sigCh:
		slog.Info("serve: shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()
	g.client.Stop()
	g.sendQ.Stop()
	_ = g.diagLog.Close(context.Background())
	return nil
}

func loadAutomationTargets(cfg *config.Config) []automation.Target {
	targets := make([]automation.Target, 0, len(cfg.AutomationTargets))
	for _, t := range cfg.AutomationTargets {
		enabled := true
		if t.Enabled != nil {
			enabled = *t.Enabled
		}
		sched := automation.Schedule{
			Kind: automation.ScheduleKind(t.Job.Schedule.Kind),
			Expr: t.Job.Schedule.Expr,
			TZ:   t.Job.Schedule.TZ,
			EveryMs: t.Job.Schedule.EveryMs,
		}
		if t.Job.Schedule.At != "" {
			if at, err := time.Parse(time.RFC3339, t.Job.Schedule.At); err == nil {
				sched.At = at
			} else {
				slog.Warn("serve: automation target has unparseable at time", "id", t.ID, "at", t.Job.Schedule.At)
			}
		}
		var smart *automation.SmartConfig
		if t.Job.Smart != nil {
			smart = &automation.SmartConfig{
				Enabled:                   t.Job.Smart.Enabled,
				MinSilenceMinutes:         t.Job.Smart.MinSilenceMinutes,
				ActiveConversationMinutes: t.Job.Smart.ActiveConversationMinutes,
				RandomIntervalMinMinutes:  t.Job.Smart.RandomIntervalMinMinutes,
				RandomIntervalMaxMinutes:  t.Job.Smart.RandomIntervalMaxMinutes,
				MaxChars:                  t.Job.Smart.MaxChars,
			}
		}
		mode := automation.ExecutionAgentOnly
		if t.ExecutionMode == string(automation.ExecutionLegacyDeliver) {
			mode = automation.ExecutionLegacyDeliver
		}
		targets = append(targets, automation.Target{
			ID:            t.ID,
			Enabled:       enabled,
			Route:         t.Route,
			ExecutionMode: mode,
			Job: automation.Job{
				Type:           t.Job.Type,
				Schedule:       sched,
				Message:        t.Job.Message,
				Thinking:       t.Job.Thinking,
				Model:          t.Job.Model,
				TimeoutSeconds: t.Job.TimeoutSeconds,
				Smart:          smart,
			},
		})
	}
	return targets
}

func newGateway(cfg *config.Config) (*gateway, error) {
	store := routestore.New(cfg.Workspace)
	diagLog, err := diag.New(store, "qq-gateway")
	if err != nil {
		return nil, fmt.Errorf("diag logger: %w", err)
	}

	g := &gateway{
		cfg:     cfg,
		store:   store,
		diagLog: diagLog,
		state:   routestate.New(),
		pol:     policy.New(store),
		mat:     materialize.New(nil),
	}

	g.client = onebot.New(cfg.WsURL, cfg.AccessToken, g.onEvent)

	g.taskQ = tasks.New(store, cfg.TaskMaxConcurrency, time.Duration(cfg.TaskMaxRuntimeMs)*time.Millisecond, cfg.TaskMaxRetries)

	g.sendQ = delivery.New(delivery.Config{
		BaseDelayMs:        cfg.SendQueueBaseDelayMs,
		JitterMs:           cfg.SendQueueJitterMs,
		MaxRetries:         cfg.SendQueueMaxRetries,
		RetryMinDelayMs:    cfg.SendRetryMinDelayMs,
		RetryMaxDelayMs:    cfg.SendRetryMaxDelayMs,
		RetryJitterRatio:   cfg.SendRetryJitterRatio,
		WaitForReconnectMs: cfg.SendWaitForReconnectMs,
	}, g.client.IsConnected)

	if cfg.MediaProxyEnabled {
		g.signer = &mediasend.RelaySigner{
			Host:  cfg.MediaProxyHost,
			Port:  cfg.MediaProxyPort,
			Path:  cfg.MediaProxyPath,
			Token: cfg.MediaProxyToken,
			TTL:   time.Duration(cfg.MediaProxyTtlSec) * time.Second,
		}
	}

	g.agg = aggregate.New(g.onAggregateFinalize)

	hooks := dispatch.Hooks{
		BeforeDispatch: g.beforeDispatch,
		RecordInbound:  g.recordInbound,
		EnsureAgent:    g.ensureAgent,
		Deliver:        g.deliverPartial,
		FastAck:        g.fastAck,
	}
	g.engine = dispatch.New(cfg, agentrt.EchoRuntime{Prefix: ""}, g.state, g.taskQ, hooks)

	g.auto = automation.New(store, g, g.triggerAutomation, cfg.StrictAgentOnly)
	g.auto.SetTargets(loadAutomationTargets(cfg))

	nudgeEg, err := nudge.Load(store.Dir("__nudge") + "/nudge-state.json")
	if err != nil {
		return nil, fmt.Errorf("nudge state: %w", err)
	}
	g.nudgeEg = nudgeEg

	return g, nil
}

// LastInboundAt and LastActivityAt make gateway satisfy automation.ActivityTracker,
// backed by the per-route persisted State (spec §4.13's conversation activity window).
func (g *gateway) LastInboundAt(route string) (time.Time, bool) {
	st, err := g.store.LoadState(route)
	if err != nil || st.LastUpdatedAt.IsZero() {
		return time.Time{}, false
	}
	return st.LastUpdatedAt, true
}

func (g *gateway) LastActivityAt(route string) (time.Time, bool) {
	return g.LastInboundAt(route)
}

func (g *gateway) reconcileLoop(ctx context.Context) {
	interval := time.Duration(g.cfg.ReconcileIntervalMs) * time.Millisecond
	if interval < 15*time.Second {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, out := range g.auto.Reconcile(ctx, now) {
				if out.Err != nil {
					slog.Warn("automation: reconcile error", "target", out.TargetID, "error", out.Err)
				}
			}
		}
	}
}

func (g *gateway) nudgeLoop(ctx context.Context) {
	if !g.cfg.ProactiveDmEnabled || g.cfg.ProactiveDmRoute == "" {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			nc := nudge.Config{
				Enabled:       g.cfg.ProactiveDmEnabled,
				Route:         g.cfg.ProactiveDmRoute,
				MinSilenceMs:  int64(g.cfg.ProactiveDmMinSilenceMs),
				MinIntervalMs: int64(g.cfg.ProactiveDmMinIntervalMs),
				LogVerbose:    g.cfg.ProactiveDmLogVerbose,
			}
			sent, reason, err := g.nudgeEg.Tick(ctx, nc, now, func(route string) error {
				return g.pol.Check(route, policy.StageBeforeOutbound, policy.ActionSendText)
			}, g.deliverText)
			if err != nil {
				slog.Warn("nudge: tick failed", "error", err)
			} else if sent {
				slog.Info("nudge: sent proactive message", "route", g.cfg.ProactiveDmRoute)
			} else if g.cfg.ProactiveDmLogVerbose {
				slog.Debug("nudge: skipped", "reason", reason)
			}
		}
	}
}

// onEvent is the onebot.EventHandler: it filters to message events, maps
// them to a route, resolves inbound media, and pushes into the aggregator
// (spec §2 "Data flow").
func (g *gateway) onEvent(ev qqwire.Event) {
	if ev.PostType != qqwire.PostMessage {
		return
	}
	route, err := routeForEvent(ev, g.cfg.EnableGuilds)
	if err != nil {
		slog.Debug("serve: dropping event with unroutable target", "error", err)
		return
	}
	if !g.allowed(ev, route) {
		return
	}

	segs, err := ev.Segments()
	if err != nil {
		slog.Warn("serve: could not decode message segments", "error", err)
		return
	}

	refs := mediaresolve.Collect(segs, g.cfg)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(g.cfg.InboundMediaHttpTimeoutMs)*time.Millisecond)
	defer cancel()
	refs = mediaresolve.Resolve(ctx, g.client, refs, g.cfg.InboundMediaResolvePrefer)
	if g.cfg.InboundMediaFallbackGetMsg && len(refs) == 0 && ev.MessageID != 0 {
		if fb, err := mediaresolve.Fallback(ctx, g.client, ev.MessageID, refs); err == nil {
			refs = fb
		}
	}

	destDir := g.store.InFilesDir(route)
	var media []aggregate.Media
	for _, ref := range refs {
		res, err := g.mat.Materialize(ctx, ref, destDir, time.Duration(g.cfg.InboundMediaHttpTimeoutMs)*time.Millisecond, g.cfg.InboundMediaHTTPRetries())
		if err != nil {
			slog.Warn("serve: media materialize failed", "route", route, "error", err)
			continue
		}
		if !res.Materialized {
			slog.Warn("serve: media candidate unmaterialized", "route", route, "errorCode", res.ErrorCode, "retryCount", res.RetryCount)
			continue
		}
		media = append(media, aggregate.Media{URL: res.Path, ContentType: res.ContentType})
	}

	text := plainText(segs)
	g.nudgeEg.RecordInbound(route, time.Now())
	g.diagLog.Chat(route, "in", text)

	window := time.Duration(g.cfg.AggregateWindowMs) * time.Millisecond
	if t, perr := routing.ParseTarget(route); perr == nil {
		if t.Kind == routing.KindGroup && g.cfg.GroupAggregateWindowMs > 0 {
			window = time.Duration(g.cfg.GroupAggregateWindowMs) * time.Millisecond
		} else if t.Kind == routing.KindUser && g.cfg.DmAggregateWindowMs > 0 {
			window = time.Duration(g.cfg.DmAggregateWindowMs) * time.Millisecond
		}
	}
	g.agg.Push(route, text, media, nil, window)
}

func (g *gateway) allowed(ev qqwire.Event, route string) bool {
	for _, blocked := range g.cfg.BlockedUsers {
		if blocked == strconv.FormatInt(ev.UserID, 10) {
			return false
		}
	}
	if ev.MessageType == qqwire.MessageGroup && len(g.cfg.AllowedGroups) > 0 {
		id := strconv.FormatInt(ev.GroupID, 10)
		ok := false
		for _, g2 := range g.cfg.AllowedGroups {
			if g2 == id {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if ev.MessageType == qqwire.MessageGuild && !g.cfg.EnableGuilds {
		return false
	}
	return true
}

func routeForEvent(ev qqwire.Event, enableGuilds bool) (string, error) {
	switch ev.MessageType {
	case qqwire.MessagePrivate:
		return routing.Target{Kind: routing.KindUser, ID: strconv.FormatInt(ev.UserID, 10)}.Route(), nil
	case qqwire.MessageGroup:
		return routing.Target{Kind: routing.KindGroup, ID: strconv.FormatInt(ev.GroupID, 10)}.Route(), nil
	case qqwire.MessageGuild:
		if !enableGuilds {
			return "", fmt.Errorf("serve: guild messages disabled")
		}
		return routing.Target{Kind: routing.KindGuild, GuildID: ev.GuildID, Channel: ev.ChannelID}.Route(), nil
	default:
		return "", fmt.Errorf("serve: unknown message_type %q", ev.MessageType)
	}
}

func plainText(segs []qqwire.Segment) string {
	var out string
	for _, s := range segs {
		if s.Type == "text" {
			out += s.String("text")
		}
	}
	return out
}

// onAggregateFinalize hands one finalized inbound window to the dispatch
// engine (spec §4.5 -> §4.7 boundary).
func (g *gateway) onAggregateFinalize(res aggregate.Result) {
	sessionKey, err := routing.SessionKey(res.Route, g.cfg.OwnerUserID)
	if err != nil {
		slog.Warn("serve: cannot derive session key", "route", res.Route, "error", err)
		return
	}
	var urls []string
	for _, m := range res.Media {
		urls = append(urls, m.URL)
	}
	in := dispatch.Inbound{
		Route:           res.Route,
		SessionKey:      sessionKey,
		MsgID:           strconv.FormatInt(time.Now().UnixNano(), 10),
		Text:            res.Text,
		MediaURLs:       urls,
		MediaItemsTotal: len(urls),
		Seq:             atomic.AddInt64(&g.seq, 1),
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(g.cfg.ReplyRunTimeoutMs+30_000)*time.Millisecond)
	go func() {
		defer cancel()
		outc := g.engine.Handle(ctx, in)
		if !outc.Delivered {
			slog.Debug("serve: dispatch did not deliver", "route", res.Route, "reason", outc.DropReason)
			return
		}
		if outc.Result != nil {
			_ = g.deliverResult(context.Background(), res.Route, "", *outc.Result)
		}
	}()
}

func (g *gateway) beforeDispatch(route string) (bool, string) {
	if err := g.pol.Check(route, policy.StageBeforeDispatch, ""); err != nil {
		return false, err.Error()
	}
	return true, ""
}

func (g *gateway) recordInbound(route, msgID string) {
	if _, err := g.store.BumpUsage(route, routestore.BumpDispatch); err != nil {
		slog.Debug("serve: bump dispatch usage failed", "route", route, "error", err)
	}
}

func (g *gateway) ensureAgent(route string) error {
	isOwner := false
	if g.cfg.OwnerUserID != "" {
		isOwner = route == (routing.Target{Kind: routing.KindUser, ID: g.cfg.OwnerUserID}).Route()
	}
	_, err := g.store.LoadOrCreateMeta(route, isOwner)
	return err
}

func (g *gateway) fastAck(route string) error {
	return g.deliverText(context.Background(), route, "...")
}

// deliverPartial is the streaming hook passed to the agent runtime.
// agentrt.DeliverFunc carries no route, since one Engine's hooks are fixed
// at construction time; EchoRuntime never calls it, so partials are a
// future runtime's concern, not this gateway's today.
func (g *gateway) deliverPartial(ctx context.Context, partial agentrt.RunResult) error {
	return nil
}

func (g *gateway) deliverResult(ctx context.Context, route, dispatchID string, result agentrt.RunResult) error {
	payload := outbound.Payload{Text: result.Text}
	for _, m := range result.Media {
		payload.MediaURLs = append(payload.MediaURLs, m.URL)
	}
	norm := outbound.Normalize(payload, true, false, 0)
	for _, chunk := range norm.Chunks {
		chunk := chunk
		g.sendQ.Push(delivery.Task{
			Send: func(ctx context.Context) error { return g.sendText(ctx, route, chunk) },
			Retriable: delivery.DefaultRetriable,
		})
	}
	sender := clientSender{client: g.client}
	for _, item := range norm.Media {
		if err := mediasend.SendItem(ctx, g.sendQ, sender, mediasend.Policy{
			WorkspaceRoot: g.cfg.Workspace,
			VoiceBasePath: g.cfg.VoiceBasePath,
			Allowlist:     g.cfg.MediaPathAllowlist,
		}, g.signer, g.cfg.StreamTransportEnabled, g.cfg.StreamTransportPrefer, route, dispatchID, item, nil, g.onMediaSent); err != nil {
			slog.Warn("serve: media send rejected before queueing", "route", route, "error", err)
		}
	}
	return nil
}

func (g *gateway) onMediaSent(route string, item outbound.Media) {
	kind := routestore.BumpSendMedia
	if item.Kind == outbound.MediaRecord {
		kind = routestore.BumpSendVoice
	}
	if _, err := g.store.BumpUsage(route, kind); err != nil {
		slog.Debug("serve: bump media usage failed", "route", route, "error", err)
	}
	g.diagLog.Chat(route, "out", string(item.Kind)+": "+item.Source)
}

func (g *gateway) deliverText(ctx context.Context, route, text string) error {
	g.sendQ.Push(delivery.Task{
		Send:      func(ctx context.Context) error { return g.sendText(ctx, route, text) },
		Retriable: delivery.DefaultRetriable,
	})
	return nil
}

func (g *gateway) sendText(ctx context.Context, route, text string) error {
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
	if _, err := g.client.SendAction(ctx, action, params); err != nil {
		return err
	}
	if _, err := g.store.BumpUsage(route, routestore.BumpSendText); err != nil {
		slog.Debug("serve: bump send_text usage failed", "route", route, "error", err)
	}
	g.diagLog.Chat(route, "out", text)
	return nil
}

// triggerAutomation runs one agent turn for an automation job: the job's
// message goes through the dispatch engine as the route's inbound, and the
// reply is delivered through the same outbound path as a chat reply.
func (g *gateway) triggerAutomation(ctx context.Context, target automation.Target, message string) (bool, error) {
	sessionKey, err := routing.SessionKey(target.Route, g.cfg.OwnerUserID)
	if err != nil {
		return false, err
	}
	outc := g.engine.Handle(ctx, dispatch.Inbound{
		Route:      target.Route,
		SessionKey: sessionKey,
		MsgID:      "automation-" + target.ID + "-" + strconv.FormatInt(time.Now().UnixNano(), 10),
		Text:       message,
		Seq:        atomic.AddInt64(&g.seq, 1),
	})
	if !outc.Delivered || outc.Result == nil {
		return false, nil
	}
	if err := g.deliverResult(ctx, target.Route, "", *outc.Result); err != nil {
		return false, err
	}
	return true, nil
}

// clientSender adapts *onebot.Client to mediasend.Sender: media segments
// are sent as the named OneBot segment type over send_private_msg/
// send_group_msg, and stream upload is declined since napcat's streaming
// actions are not exposed through SendAction's generic request shape.
type clientSender struct {
	client *onebot.Client
}

func (s clientSender) StreamUpload(ctx context.Context, route string, kind outbound.MediaKind, localPath string) (bool, error) {
	return false, nil
}

func (s clientSender) SendSegment(ctx context.Context, route string, kind outbound.MediaKind, source string) error {
	target, err := routing.ParseTarget(route)
	if err != nil {
		return err
	}
	segType := map[outbound.MediaKind]string{
		outbound.MediaImage:  "image",
		outbound.MediaRecord: "record",
		outbound.MediaVideo:  "video",
		outbound.MediaFile:   "file",
	}[kind]
	msg := []qqwire.Segment{{Type: segType, Data: map[string]string{"file": source}}}
	var action string
	var params map[string]any
	switch target.Kind {
	case routing.KindUser:
		id, _ := strconv.ParseInt(target.ID, 10, 64)
		action, params = qqwire.ActionSendPrivateMsg, map[string]any{"user_id": id, "message": msg}
	case routing.KindGroup:
		id, _ := strconv.ParseInt(target.ID, 10, 64)
		action, params = qqwire.ActionSendGroupMsg, map[string]any{"group_id": id, "message": msg}
	default:
		action, params = qqwire.ActionSendGuildChannelMsg, map[string]any{"guild_id": target.GuildID, "channel_id": target.Channel, "message": msg}
	}
	_, err = s.client.SendAction(ctx, action, params)
	return err
}
