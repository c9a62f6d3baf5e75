// Package feed turns realtime events into one-line activity entries.
package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"hirechat/pkg/events"
)

// MaxRawRunes bounds the raw payload shown for event types without a rule.
const MaxRawRunes = 80

const ellipsis = "…"

// Styles.
const (
	StyleInfo    = "info"
	StyleSuccess = "success"
	StyleWarning = "warning"
	StyleNeutral = "neutral"
)

// Entry is one rendered feed row.
type Entry struct {
	EventType   string `json:"event_type"`
	Icon        string `json:"icon"`
	Style       string `json:"style"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
}

type rule struct {
	icon     string
	style    string
	describe func(evt events.RealtimeEvent) string
}

var rules = map[string]rule{
	events.TypeNewApplication: {
		icon:  "📄",
		style: StyleSuccess,
		describe: func(evt events.RealtimeEvent) string {
			return "New application from " + field(evt, "a candidate", "candidate_name")
		},
	},
	events.TypeNewCandidateRegistered: {
		icon:  "👤",
		style: StyleInfo,
		describe: func(evt events.RealtimeEvent) string {
			return "New candidate registered: " + field(evt, "unknown", "name", "email")
		},
	},
	events.TypeNewJobPosted: {
		icon:  "💼",
		style: StyleInfo,
		describe: func(evt events.RealtimeEvent) string {
			s := "New job posted: " + field(evt, "Untitled role", "title", "job_title")
			if loc := field(evt, "", "location"); loc != "" {
				s += " in " + loc
			}
			return s
		},
	},
	events.TypePipelineStageChanged: {
		icon:  "🔀",
		style: StyleInfo,
		describe: func(evt events.RealtimeEvent) string {
			return fmt.Sprintf("%s moved to %s",
				field(evt, "A candidate", "candidate_name", "name"),
				field(evt, "a new stage", "new_stage", "stage", "to_stage"))
		},
	},
	events.TypeProfileViewed: {
		icon:  "👀",
		style: StyleNeutral,
		describe: func(evt events.RealtimeEvent) string {
			if m := field(evt, "", "message"); m != "" {
				return m
			}
			who := field(evt, "Someone", "viewer")
			if c := field(evt, "", "company"); c != "" {
				who += " from " + c
			}
			return who + " viewed your profile"
		},
	},
	events.TypeApplicationStatusChanged: {
		icon:  "📌",
		style: StyleWarning,
		describe: func(evt events.RealtimeEvent) string {
			if m := field(evt, "", "message"); m != "" {
				return m
			}
			return fmt.Sprintf("Application for %s is now %s",
				field(evt, "a job", "job_title"), field(evt, "updated", "new_status", "status"))
		},
	},
	events.TypeAnnouncement: {
		icon:  "📣",
		style: StyleWarning,
		describe: func(evt events.RealtimeEvent) string {
			return fmt.Sprintf("Announcement from %s: %s",
				field(evt, "the team", "from"), field(evt, "(no message)", "message"))
		},
	},
	events.TypeNewMessage: {
		icon:  "💬",
		style: StyleInfo,
		describe: func(evt events.RealtimeEvent) string {
			return "New message from " + field(evt, "someone", "sender_name")
		},
	},
	events.TypeConnected: {
		icon:  "🟢",
		style: StyleSuccess,
		describe: func(evt events.RealtimeEvent) string {
			return "Connected to live updates"
		},
	},
	events.TypeChatConnected: {
		icon:  "🟢",
		style: StyleSuccess,
		describe: func(evt events.RealtimeEvent) string {
			if n, ok := evt.Int("unread"); ok {
				return fmt.Sprintf("Chat connected (%d unread)", n)
			}
			return "Chat connected"
		},
	},
}

// field returns the first non-empty string among keys, or fallback.
func field(evt events.RealtimeEvent, fallback string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(evt.String(k)); v != "" {
			return v
		}
	}
	return fallback
}

// Project renders one event. Unknown types show their payload as compact JSON, truncated.
func Project(evt events.RealtimeEvent) Entry {
	e := Entry{EventType: evt.EventType, Timestamp: evt.Timestamp}
	if r, ok := rules[evt.EventType]; ok {
		e.Icon, e.Style, e.Description = r.icon, r.style, r.describe(evt)
		return e
	}
	e.Icon, e.Style = "•", StyleNeutral
	e.Description = evt.EventType + ": " + Truncate(rawPayload(evt), MaxRawRunes)
	return e
}

// ProjectAll renders events in the order given; pass Dispatcher.Recent() for newest first.
func ProjectAll(evts []events.RealtimeEvent) []Entry {
	out := make([]Entry, 0, len(evts))
	for _, evt := range evts {
		out = append(out, Project(evt))
	}
	return out
}

// Known reports whether the type has a dedicated rule.
func Known(eventType string) bool {
	_, ok := rules[eventType]
	return ok
}

func rawPayload(evt events.RealtimeEvent) string {
	if len(evt.Payload) == 0 {
		return "{}"
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Truncate cuts s to at most n runes, ending with an ellipsis when cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + ellipsis
}
