// Package inbox derives user-visible notifications from domain events and
// serves the unread feed with backpressure-aware delivery hints. Items are
// written in the same transaction as their triggering event, so an event and
// its inbox item become visible atomically or not at all.
package inbox

import (
	"fmt"

	"github.com/logabell/conversator/pkg/models"
)

// Mapper implements eventlog.InboxDeriver: it decides, per event, whether a
// notification is produced and at what severity. Exactly one item per
// notifying event; nil for everything else.
type Mapper struct{}

// NewMapper creates the event→inbox mapper.
func NewMapper() *Mapper {
	return &Mapper{}
}

// Derive maps one event to its inbox item, or nil.
func (m *Mapper) Derive(ev *models.Event) *models.InboxItem {
	var severity models.Severity
	var summary string

	switch ev.Type {
	case models.EventBuildCompleted:
		severity = models.SeveritySuccess
		summary = fmt.Sprintf("Build completed for task %s", ev.TaskID)

	case models.EventBuildFailed:
		severity = models.SeverityError
		summary = fmt.Sprintf("Build failed for task %s: %s", ev.TaskID, ev.PayloadString("reason"))

	case models.EventGateRequested:
		severity = models.SeverityBlocking
		summary = fmt.Sprintf("Builder requests %s approval on task %s", ev.PayloadString("kind"), ev.TaskID)

	case models.EventTaskCanceled:
		switch ev.PayloadString("phase") {
		case models.CancelPhaseUnconfirmed:
			severity = models.SeverityWarning
			summary = fmt.Sprintf("Cancellation of task %s is unconfirmed by the builder", ev.TaskID)
		case models.CancelPhasePending:
			severity = models.SeverityInfo
			summary = fmt.Sprintf("Cancellation requested for task %s", ev.TaskID)
		default:
			severity = models.SeverityInfo
			summary = fmt.Sprintf("Task %s canceled", ev.TaskID)
		}

	case models.EventBuilderStatusChanged:
		if ev.PayloadString("status") != models.BuilderStatusLost {
			return nil
		}
		severity = models.SeverityWarning
		summary = fmt.Sprintf("Lost contact with the builder session for task %s", ev.TaskID)

	case models.EventQuickDispatchBlocked:
		severity = models.SeverityWarning
		summary = fmt.Sprintf("Quick dispatch blocked for task %s: %s", ev.TaskID, ev.PayloadString("reason"))

	default:
		return nil
	}

	return &models.InboxItem{
		Severity: severity,
		Summary:  models.TruncateSummary(summary),
		Detail:   fmt.Sprintf("event seq %d", ev.Seq),
		TaskID:   ev.TaskID,
	}
}
