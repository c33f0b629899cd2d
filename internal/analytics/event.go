// SPDX-License-Identifier: MIT

// Package analytics aggregates playback events into durable per-entity
// statistics and a parallel real-time counter surface in Redis.
package analytics

import (
	"fmt"
	"time"
)

// EventType names a playback lifecycle event.
type EventType string

const (
	EventPlaybackStart    EventType = "playback.start"
	EventPlaybackComplete EventType = "playback.complete"
	EventPlaybackSkip     EventType = "playback.skip"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventPlaybackStart, EventPlaybackComplete, EventPlaybackSkip:
		return true
	}
	return false
}

// EventData is the playback payload. Duration and Position are seconds.
type EventData struct {
	Duration int    `json:"duration,omitempty"`
	Position int    `json:"position,omitempty"`
	Genre    string `json:"genre,omitempty"`
}

// Event is one ingested playback event. Timestamp is Unix milliseconds; zero
// means ingest time.
type Event struct {
	Type      EventType `json:"event_type"`
	SubjectID string    `json:"subject_id"`
	SessionID string    `json:"session_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`
	Data      EventData `json:"data"`
}

// Validate rejects events the aggregator cannot attribute.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.SubjectID == "" {
		return fmt.Errorf("event has no subject_id")
	}
	return nil
}

// Time resolves the event timestamp, defaulting to now.
func (e Event) Time() time.Time {
	if e.Timestamp <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(e.Timestamp).UTC()
}

// Actor is the streak key: user id, else session id, else anonymous.
func (e Event) Actor() string {
	if e.UserID != "" {
		return e.UserID
	}
	if e.SessionID != "" {
		return e.SessionID
	}
	return "anonymous"
}

// playTime is the seconds credited to time-accumulating aggregates: full
// duration on complete, played position on skip, nothing on start.
func (e Event) playTime() int {
	switch e.Type {
	case EventPlaybackComplete:
		return e.Data.Duration
	case EventPlaybackSkip:
		return e.Data.Position
	}
	return 0
}

// completion is the average-completion contribution: 100 on complete,
// position/duration on skip, nothing on start.
func (e Event) completion() (value float64, set bool) {
	switch e.Type {
	case EventPlaybackComplete:
		return 100, true
	case EventPlaybackSkip:
		if e.Data.Duration > 0 {
			return 100 * float64(e.Data.Position) / float64(e.Data.Duration), true
		}
		return 0, true
	}
	return 0, false
}
