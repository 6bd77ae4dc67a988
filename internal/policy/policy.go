// Package policy enforces route capability flags and usage quotas before a
// dispatch or an outbound send is allowed to proceed (spec §4.12), grounded
// on the teacher's BaseChannel.CheckPolicy/IsAllowed DM/Group gate
// (internal/channels/channel.go), generalized from allowlist membership to
// capability-flag + counter checks against internal/routestore.
package policy

import (
	"fmt"

	"github.com/openclaw/qq-gateway/internal/routestore"
)

// Stage is the closed set of policy checkpoints a dispatch passes through.
type Stage string

const (
	StageBeforeDispatch Stage = "beforeDispatch"
	StageBeforeOutbound Stage = "beforeOutbound"
)

// Action is the outbound unit kind a beforeOutbound check gates.
type Action string

const (
	ActionSendText  Action = "sendText"
	ActionSendMedia Action = "sendMedia"
	ActionSendVoice Action = "sendVoice"
)

// ErrPolicyBlocked and ErrQuotaExceeded carry the two closed drop reasons a
// policy check can fail with (spec §7 error taxonomy).
var (
	ErrPolicyBlocked  = fmt.Errorf("policy: policy_blocked")
	ErrQuotaExceeded  = fmt.Errorf("policy: quota_exceeded")
)

// Checker evaluates checkConversationPolicyHook against persisted route
// metadata and usage counters.
type Checker struct {
	Store *routestore.Store
}

// New builds a Checker backed by store.
func New(store *routestore.Store) *Checker {
	return &Checker{Store: store}
}

// Check runs the policy/quota gate for stage (and action, when stage is
// beforeOutbound) against route. The owner's private route bypasses every
// check (spec §4.12).
func (c *Checker) Check(route string, stage Stage, action Action) error {
	meta, err := c.Store.LoadOrCreateMeta(route, false)
	if err != nil {
		return fmt.Errorf("policy: load meta: %w", err)
	}
	if meta.BoundToMain {
		return nil
	}

	switch stage {
	case StageBeforeDispatch:
		if !meta.Capabilities.SendText {
			return ErrPolicyBlocked
		}
		return nil
	case StageBeforeOutbound:
		if action == "" {
			return fmt.Errorf("policy: beforeOutbound check requires an action")
		}
		allowed, limit := capabilityFor(meta.Capabilities, action)
		if !allowed {
			return ErrPolicyBlocked
		}
		if limit == nil {
			return nil
		}
		usage, err := c.Store.LoadUsage(route)
		if err != nil {
			return fmt.Errorf("policy: load usage: %w", err)
		}
		if usageFor(usage, action) >= int64(*limit) {
			return ErrQuotaExceeded
		}
		return nil
	default:
		return fmt.Errorf("policy: unknown stage %q", stage)
	}
}

func capabilityFor(caps routestore.Capabilities, action Action) (allowed bool, limit *int) {
	switch action {
	case ActionSendText:
		return caps.SendText, caps.MaxSendText
	case ActionSendMedia:
		return caps.SendMedia, caps.MaxSendMedia
	case ActionSendVoice:
		return caps.SendVoice, caps.MaxSendVoice
	default:
		return false, nil
	}
}

func usageFor(usage *routestore.Usage, action Action) int64 {
	switch action {
	case ActionSendText:
		return usage.SendTextCount
	case ActionSendMedia:
		return usage.SendMediaCount
	case ActionSendVoice:
		return usage.SendVoiceCount
	default:
		return 0
	}
}
