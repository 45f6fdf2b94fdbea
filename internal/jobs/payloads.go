// Package jobs defines the job payload union and the handlers that execute each member.
package jobs

import (
	"time"

	"inbound-automation/internal/models"
	"inbound-automation/internal/scheduler"
)

// Job types. Each maps to exactly one payload struct below.
const (
	TypeDispatch     = "dispatch"
	TypeMetricsPoll  = "metrics.poll"
	TypeTokenRefresh = "token.refresh"
	TypeArchive      = "archive.delivery"
)

// DispatchPayload carries one triggered rule for one event.
type DispatchPayload struct {
	Event   models.InboundEvent  `json:"event"`
	Trigger models.TriggeredRule `json:"trigger"`
}

func (DispatchPayload) JobType() string { return TypeDispatch }

// MetricClass separates fast-moving engagement counters from slow account totals.
type MetricClass string

const (
	MetricsDynamic MetricClass = "dynamic"
	MetricsStable  MetricClass = "stable"
)

func (c MetricClass) fields() []string {
	if c == MetricsStable {
		return []string{"followers_count", "follows_count", "media_count"}
	}
	return []string{"like_count", "comments_count"}
}

// MetricsPollPayload asks for a metrics read. Empty ObjectIDs means the
// account's recent media for dynamic polls and the account itself for stable ones.
type MetricsPollPayload struct {
	WorkspaceID       string      `json:"workspace_id"`
	PlatformAccountID string      `json:"platform_account_id"`
	Class             MetricClass `json:"class"`
	ObjectIDs         []string    `json:"object_ids,omitempty"`
}

func (MetricsPollPayload) JobType() string { return TypeMetricsPoll }

// TokenRefreshPayload refreshes one account's long-lived token.
// Force skips the expiry window check.
type TokenRefreshPayload struct {
	PlatformAccountID string `json:"platform_account_id"`
	Force             bool   `json:"force"`
}

func (TokenRefreshPayload) JobType() string { return TypeTokenRefresh }

// ArchivePayload is a verified raw delivery body.
type ArchivePayload struct {
	CorrelationID string    `json:"correlation_id"`
	ReceivedAt    time.Time `json:"received_at"`
	Body          []byte    `json:"body"`
}

func (ArchivePayload) JobType() string { return TypeArchive }

func NewDispatchJob(event models.InboundEvent, tr models.TriggeredRule, correlationID string) scheduler.Job {
	return scheduler.Job{
		Payload:       DispatchPayload{Event: event, Trigger: tr},
		Priority:      scheduler.PriorityDispatch,
		CorrelationID: correlationID,
	}
}

func NewMetricsJob(binding models.WorkspaceAccountBinding, class MetricClass, correlationID string) scheduler.Job {
	priority := scheduler.PriorityDynamicPoll
	if class == MetricsStable {
		priority = scheduler.PriorityStablePoll
	}
	return scheduler.Job{
		Payload: MetricsPollPayload{
			WorkspaceID:       binding.WorkspaceID,
			PlatformAccountID: binding.PlatformAccountID(),
			Class:             class,
		},
		Priority:      priority,
		CorrelationID: correlationID,
	}
}

// NewTokenRefreshJob builds a background refresh, or a forced one at manual priority.
func NewTokenRefreshJob(platformAccountID string, manual bool, correlationID string) scheduler.Job {
	priority := scheduler.PriorityMaintenance
	if manual {
		priority = scheduler.PriorityManual
	}
	return scheduler.Job{
		Payload:       TokenRefreshPayload{PlatformAccountID: platformAccountID, Force: manual},
		Priority:      priority,
		CorrelationID: correlationID,
	}
}

func NewArchiveJob(correlationID string, receivedAt time.Time, body []byte) scheduler.Job {
	return scheduler.Job{
		Payload:       ArchivePayload{CorrelationID: correlationID, ReceivedAt: receivedAt, Body: body},
		Priority:      scheduler.PriorityMaintenance,
		CorrelationID: correlationID,
	}
}
