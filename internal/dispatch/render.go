package dispatch

import (
	"github.com/ampynjord/MedAlert/internal/alert"
	"github.com/ampynjord/MedAlert/internal/channel"
)

// Renderer turns an alert into channel content.
type Renderer interface {
	Render(a *alert.Alert, p alert.Priority) channel.Content
}

var typeIcons = map[alert.Type]string{
	alert.TypeEmergency:   "🚨",
	alert.TypeEvacuation:  "🏃",
	alert.TypeMedicalInfo: "🏥",
	alert.TypeMaintenance: "🔧",
	alert.TypeTraining:    "📚",
}

type priorityStyle struct {
	color   string
	urgency string
}

var priorityStyles = map[alert.Priority]priorityStyle{
	alert.PriorityCritical: {"#e74c3c", "immediate"},
	alert.PriorityHigh:     {"#e67e22", "high"},
	alert.PriorityMedium:   {"#f1c40f", "normal"},
	alert.PriorityLow:      {"#3498db", "low"},
	alert.PriorityInfo:     {"#95a5a6", "low"},
}

type templateRenderer struct{}

// NewRenderer returns the default template renderer: a per-type icon
// and per-priority color and urgency.
func NewRenderer() Renderer { return templateRenderer{} }

func (templateRenderer) Render(a *alert.Alert, p alert.Priority) channel.Content {
	style, ok := priorityStyles[p]
	if !ok {
		style = priorityStyles[alert.PriorityMedium]
	}
	return channel.Content{
		AlertID:   a.ID,
		AlertType: a.Type,
		Priority:  p,
		Title:     a.Title,
		Body:      a.Description,
		Zone:      a.Zone,
		Icon:      typeIcons[a.Type],
		Color:     style.color,
		Urgency:   style.urgency,
	}
}
