package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// EventType is the value of the Event column.
type EventType string

const (
	EventLeft            EventType = "Left"
	EventRight           EventType = "Right"
	EventLeftWithPellet  EventType = "LeftWithPellet"
	EventRightWithPellet EventType = "RightWithPellet"
	EventPellet          EventType = "Pellet"
	EventPelletInWell    EventType = "PelletInWell"
	EventJam             EventType = "JAM"
)

// IsPoke reports whether the event gives live feedback while a device is
// still being identified.
func (e EventType) IsPoke() bool {
	switch e {
	case EventLeft, EventRight, EventPellet:
		return true
	}
	return false
}

// Trigger selects which events start or extend a recording.
type Trigger string

const (
	TriggerPellet Trigger = "Pellet"
	TriggerLeft   Trigger = "Left"
	TriggerRight  Trigger = "Right"
	TriggerAll    Trigger = "All"
)

// ParseTrigger accepts the trigger names case-insensitively.
func ParseTrigger(s string) (Trigger, error) {
	for _, t := range []Trigger{TriggerPellet, TriggerLeft, TriggerRight, TriggerAll} {
		if strings.EqualFold(strings.TrimSpace(s), string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown recording trigger %q", s)
}

// Matches reports whether ev is a qualifying event for the trigger.
func (t Trigger) Matches(ev EventType) bool {
	switch t {
	case TriggerPellet:
		return ev == EventPellet
	case TriggerLeft:
		return ev == EventLeft
	case TriggerRight:
		return ev == EventRight
	case TriggerAll:
		return ev == EventPellet || ev == EventLeft || ev == EventRight
	}
	return false
}

// IdleTimeout picks the recording idle timeout: the extended one when every
// event class qualifies, the base one otherwise.
func (t Trigger) IdleTimeout(base, extended time.Duration) time.Duration {
	if t == TriggerAll {
		return extended
	}
	return base
}
