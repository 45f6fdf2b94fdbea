package models

import (
	"time"
)

// RuleType selects which actions a triggered rule performs.
type RuleType string

const (
	RuleCommentThenDM RuleType = "comment_then_dm"
	RuleCommentOnly   RuleType = "comment_only"
	RuleDMOnly        RuleType = "dm_only"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RuleCommentThenDM, RuleCommentOnly, RuleDMOnly:
		return true
	}
	return false
}

// RepliesToComment reports whether the rule posts a public comment reply.
func (t RuleType) RepliesToComment() bool {
	return t == RuleCommentThenDM || t == RuleCommentOnly
}

// SendsDM reports whether the rule sends a direct message.
func (t RuleType) SendsDM() bool {
	return t == RuleCommentThenDM || t == RuleDMOnly
}

// AutomationRule is a workspace-authored keyword trigger. Rules are read-only here.
type AutomationRule struct {
	ID               string    `json:"id"`
	WorkspaceID      string    `json:"workspace_id"`
	Name             string    `json:"name"`
	Type             RuleType  `json:"type"`
	IsActive         bool      `json:"is_active"`
	Keywords         []string  `json:"keywords"`
	TargetMediaIDs   []string  `json:"target_media_ids,omitempty"`
	CommentResponses []string  `json:"comment_responses,omitempty"`
	DMResponses      []string  `json:"dm_responses,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TriggeredRule is one rule that matched an event, with the response sets to draw from.
type TriggeredRule struct {
	Rule             AutomationRule `json:"rule"`
	CommentResponses []string       `json:"comment_responses,omitempty"`
	DMResponses      []string       `json:"dm_responses,omitempty"`
}
