// Package matcher evaluates inbound events against workspace automation rules.
package matcher

import (
	"strings"

	"inbound-automation/internal/models"
)

// Match returns every rule that fires for event, in declaration order.
//
// Several rules may fire for one event; each is dispatched independently and
// no deduplication happens here. A rule without keywords never fires.
func Match(event models.InboundEvent, rules []models.AutomationRule) []models.TriggeredRule {
	if len(rules) == 0 {
		return nil
	}
	text := strings.ToLower(event.Text)

	var out []models.TriggeredRule
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		if !appliesToEventType(rule, event.Type) {
			continue
		}
		if len(rule.TargetMediaIDs) > 0 && !contains(rule.TargetMediaIDs, event.MediaID) {
			continue
		}
		if !matchesKeyword(text, rule.Keywords) {
			continue
		}
		out = append(out, triggered(rule, event.Type))
	}
	return out
}

func appliesToEventType(rule models.AutomationRule, eventType models.EventType) bool {
	if eventType == models.EventMessage {
		// Messages have nothing to reply to publicly.
		return rule.Type.SendsDM()
	}
	return rule.Type.Valid()
}

func matchesKeyword(lowerText string, keywords []string) bool {
	for _, kw := range keywords {
		kw = strings.ToLower(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(lowerText, kw) {
			return true
		}
	}
	return false
}

func triggered(rule models.AutomationRule, eventType models.EventType) models.TriggeredRule {
	tr := models.TriggeredRule{Rule: rule}
	if rule.Type.RepliesToComment() && eventType == models.EventComment {
		tr.CommentResponses = rule.CommentResponses
	}
	if rule.Type.SendsDM() {
		tr.DMResponses = rule.DMResponses
	}
	return tr
}

func contains(set []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
