package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrMalformedTimer = errors.New("protocol: malformed timer record")

// TimerRecord is one scheduled timer as the page knows it.
type TimerRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	EndTime  int64  `json:"endTime"` // unix milliseconds
	StartURL string `json:"startUrl"`
	Notify   bool   `json:"notify"`
}

func (r TimerRecord) End() time.Time {
	return time.UnixMilli(r.EndTime)
}

type rawTimer struct {
	ID       json.RawMessage `json:"id"`
	Name     string          `json:"name"`
	EndTime  json.RawMessage `json:"endTime"`
	StartURL string          `json:"startUrl"`
	Notify   *bool           `json:"notify"`
}

// decodeTimer accepts numeric or string ids and numeric or numeric-string end
// times. A record without notify gets a notification. On error the returned
// record carries the id when it could be read.
func decodeTimer(b []byte) (TimerRecord, error) {
	var raw rawTimer
	if err := json.Unmarshal(b, &raw); err != nil {
		return TimerRecord{}, fmt.Errorf("%w: %v", ErrMalformedTimer, err)
	}
	id, err := decodeID(raw.ID)
	if err != nil {
		return TimerRecord{}, err
	}
	end, err := decodeEndTime(raw.EndTime)
	if err != nil {
		return TimerRecord{ID: id}, fmt.Errorf("timer %s: %w", id, err)
	}
	rec := TimerRecord{
		ID:       id,
		Name:     raw.Name,
		EndTime:  end,
		StartURL: raw.StartURL,
		Notify:   true,
	}
	if raw.Notify != nil {
		rec.Notify = *raw.Notify
	}
	return rec, nil
}

func decodeID(b json.RawMessage) (string, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return "", fmt.Errorf("%w: missing id", ErrMalformedTimer)
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s = strings.TrimSpace(s); s == "" {
			return "", fmt.Errorf("%w: empty id", ErrMalformedTimer)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return "", fmt.Errorf("%w: id %s", ErrMalformedTimer, b)
	}
	return n.String(), nil
}

func decodeEndTime(b json.RawMessage) (int64, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return 0, fmt.Errorf("%w: missing endTime", ErrMalformedTimer)
	}
	var text string
	if err := json.Unmarshal(b, &text); err != nil {
		text = string(b)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: endTime %s", ErrMalformedTimer, b)
	}
	return int64(f), nil
}
