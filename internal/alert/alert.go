// Package alert defines the core alert model shared by the dispatch
// pipeline: alert types, priority levels and delivery channels.
package alert

import (
	"fmt"
	"strings"
	"time"
)

// Type classifies what kind of event an alert describes.
type Type string

const (
	TypeEmergency   Type = "emergency"
	TypeEvacuation  Type = "evacuation"
	TypeMedicalInfo Type = "medical_info"
	TypeMaintenance Type = "maintenance"
	TypeTraining    Type = "training"
)

// Types lists all known alert types.
func Types() []Type {
	return []Type{TypeEmergency, TypeEvacuation, TypeMedicalInfo, TypeMaintenance, TypeTraining}
}

func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypeEmergency, TypeEvacuation, TypeMedicalInfo, TypeMaintenance, TypeTraining:
		return t, nil
	}
	return "", fmt.Errorf("unknown alert type %q", s)
}

// Priority is an ordered urgency level. Higher value means more urgent.
type Priority int

const (
	PriorityInfo Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityInfo:     "info",
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func (p Priority) Valid() bool {
	return p >= PriorityInfo && p <= PriorityCritical
}

// Clamp bounds p to the valid range.
func (p Priority) Clamp() Priority {
	if p < PriorityInfo {
		return PriorityInfo
	}
	if p > PriorityCritical {
		return PriorityCritical
	}
	return p
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return PriorityInfo, nil
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Channel identifies a delivery transport.
type Channel string

const (
	ChannelPush   Channel = "push"
	ChannelChat   Channel = "chat"
	ChannelEmail  Channel = "email"
	ChannelSocket Channel = "socket"
)

// Channels lists all known delivery channels.
func Channels() []Channel {
	return []Channel{ChannelPush, ChannelChat, ChannelEmail, ChannelSocket}
}

func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case ChannelPush, ChannelChat, ChannelEmail, ChannelSocket:
		return c, nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// Alert is an inbound event to be dispatched to recipients.
type Alert struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Zone        string    `json:"zone,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ValidationError reports a rejected inbound alert.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid alert: %s: %s", e.Field, e.Reason)
}

const maxTitleLen = 500

// Validate checks the fields a dispatchable alert must carry.
func (a *Alert) Validate() error {
	if a == nil {
		return &ValidationError{Field: "alert", Reason: "nil"}
	}
	if strings.TrimSpace(a.ID) == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if _, err := ParseType(string(a.Type)); err != nil {
		return &ValidationError{Field: "type", Reason: err.Error()}
	}
	if strings.TrimSpace(a.Title) == "" {
		return &ValidationError{Field: "title", Reason: "required"}
	}
	if len(a.Title) > maxTitleLen {
		return &ValidationError{Field: "title", Reason: fmt.Sprintf("longer than %d bytes", maxTitleLen)}
	}
	return nil
}

// Age returns how long ago the alert was created, never negative.
func (a *Alert) Age(now time.Time) time.Duration {
	if a.CreatedAt.IsZero() || now.Before(a.CreatedAt) {
		return 0
	}
	return now.Sub(a.CreatedAt)
}
