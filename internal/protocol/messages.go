// Package protocol defines the messages exchanged between pages and the
// worker over the client message bus.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownMessage = errors.New("protocol: unknown message type")

type Type string

const (
	TypeSkipWaiting              Type = "skip-waiting"
	TypeTimerSync                Type = "timer-sync"
	TypeTimerCancel              Type = "timer-cancel"
	TypeVersionBroadcast         Type = "version-broadcast"
	TypeTimerFinished            Type = "timer-finished"
	TypeTimerNotificationClicked Type = "timer-notification-clicked"
)

// Message is implemented only by the message types of this package, so a
// type switch over it is exhaustive.
type Message interface {
	Type() Type
	message()
}

// SkipWaiting asks a waiting worker to activate. Page to worker.
type SkipWaiting struct{}

// TimerSync carries the full authoritative set of live timers. Page to worker.
type TimerSync struct {
	Timers []TimerRecord
	// Skipped counts malformed records dropped while decoding. SkippedIDs
	// holds the ids of those that still had a readable id; their existing
	// schedule is kept.
	Skipped    int
	SkippedIDs []string
}

// TimerCancel cancels one timer. Page to worker.
type TimerCancel struct {
	TimerID string `json:"timerId"`
}

// VersionBroadcast announces the active release. Worker to page.
type VersionBroadcast struct {
	AppVersion string `json:"appVersion"`
}

// TimerFinished reports a fired timer. Worker to page.
type TimerFinished struct {
	TimerID string `json:"timerId"`
}

// TimerNotificationClicked forwards a notification click. Worker to page.
type TimerNotificationClicked struct {
	TimerID string `json:"timerId"`
}

func (SkipWaiting) Type() Type              { return TypeSkipWaiting }
func (TimerSync) Type() Type                { return TypeTimerSync }
func (TimerCancel) Type() Type              { return TypeTimerCancel }
func (VersionBroadcast) Type() Type         { return TypeVersionBroadcast }
func (TimerFinished) Type() Type            { return TypeTimerFinished }
func (TimerNotificationClicked) Type() Type { return TypeTimerNotificationClicked }

func (SkipWaiting) message()              {}
func (TimerSync) message()                {}
func (TimerCancel) message()              {}
func (VersionBroadcast) message()         {}
func (TimerFinished) message()            {}
func (TimerNotificationClicked) message() {}

type envelope struct {
	Type       Type              `json:"type"`
	TimerID    json.RawMessage   `json:"timerId,omitempty"`
	AppVersion string            `json:"appVersion,omitempty"`
	Timers     []json.RawMessage `json:"timers,omitempty"`
}

// Decode parses a message from its JSON form.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	switch env.Type {
	case TypeSkipWaiting:
		return SkipWaiting{}, nil
	case TypeTimerSync:
		sync := TimerSync{Timers: make([]TimerRecord, 0, len(env.Timers))}
		for _, raw := range env.Timers {
			rec, err := decodeTimer(raw)
			if err != nil {
				sync.Skipped++
				if rec.ID != "" {
					sync.SkippedIDs = append(sync.SkippedIDs, rec.ID)
				}
				continue
			}
			sync.Timers = append(sync.Timers, rec)
		}
		return sync, nil
	case TypeTimerCancel:
		id, err := decodeID(env.TimerID)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return TimerCancel{TimerID: id}, nil
	case TypeVersionBroadcast:
		return VersionBroadcast{AppVersion: env.AppVersion}, nil
	case TypeTimerFinished, TypeTimerNotificationClicked:
		id, err := decodeID(env.TimerID)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if env.Type == TypeTimerFinished {
			return TimerFinished{TimerID: id}, nil
		}
		return TimerNotificationClicked{TimerID: id}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

// Encode renders a message as JSON with its type discriminator.
func Encode(m Message) ([]byte, error) {
	switch m := m.(type) {
	case SkipWaiting:
		return json.Marshal(struct {
			Type Type `json:"type"`
		}{m.Type()})
	case TimerSync:
		timers := m.Timers
		if timers == nil {
			timers = []TimerRecord{}
		}
		return json.Marshal(struct {
			Type   Type          `json:"type"`
			Timers []TimerRecord `json:"timers"`
		}{m.Type(), timers})
	case TimerCancel:
		return encodeTimerID(m.Type(), m.TimerID)
	case VersionBroadcast:
		return json.Marshal(struct {
			Type       Type   `json:"type"`
			AppVersion string `json:"appVersion"`
		}{m.Type(), m.AppVersion})
	case TimerFinished:
		return encodeTimerID(m.Type(), m.TimerID)
	case TimerNotificationClicked:
		return encodeTimerID(m.Type(), m.TimerID)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
}

func encodeTimerID(t Type, id string) ([]byte, error) {
	return json.Marshal(struct {
		Type    Type   `json:"type"`
		TimerID string `json:"timerId"`
	}{t, id})
}
