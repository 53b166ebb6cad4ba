package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"offline0/internal/worker"
)

var (
	ErrPermissionDenied     = errors.New("host: notification permission denied")
	ErrNotificationNotFound = errors.New("host: notification not found")
)

type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Shown is a notification currently on display.
type Shown struct {
	worker.Notification
	ShownAt time.Time `json:"shownAt"`
}

// NotificationCenter stands in for the operating system's notification
// tray. A notification replaces any earlier one with the same tag.
type NotificationCenter struct {
	permission  Permission
	openCommand []string
	log         *slog.Logger

	mu    sync.Mutex
	byTag map[string]Shown
}

// NewNotificationCenter creates a center. openCommand, when set, is run with
// the target URL appended to open a window.
func NewNotificationCenter(permission Permission, openCommand string) *NotificationCenter {
	return &NotificationCenter{
		permission:  permission,
		openCommand: strings.Fields(openCommand),
		log:         slog.Default().With("component", "notifications"),
		byTag:       map[string]Shown{},
	}
}

func (n *NotificationCenter) Show(_ context.Context, note worker.Notification) error {
	if n.permission != PermissionGranted {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, n.permission)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.byTag[note.Tag] = Shown{Notification: note, ShownAt: time.Now()}
	n.log.Info(note.Title, "body", note.Body, "tag", note.Tag, "url", note.URL)
	return nil
}

// List returns the notifications on display, oldest first.
func (n *NotificationCenter) List() []Shown {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Shown, 0, len(n.byTag))
	for _, s := range n.byTag {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShownAt.Equal(out[j].ShownAt) {
			return out[i].Tag < out[j].Tag
		}
		return out[i].ShownAt.Before(out[j].ShownAt)
	})
	return out
}

// Take removes the notification with tag, as a click does.
func (n *NotificationCenter) Take(tag string) (worker.Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.byTag[tag]
	if ok {
		delete(n.byTag, tag)
	}
	return s.Notification, ok
}

// OpenWindow opens u with the configured command, or just logs it.
func (n *NotificationCenter) OpenWindow(_ context.Context, u string) error {
	if len(n.openCommand) == 0 {
		n.log.Info("open window", "url", u)
		return nil
	}
	args := append(append([]string(nil), n.openCommand[1:]...), u)
	cmd := exec.Command(n.openCommand[0], args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open window %s: %w", u, err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			n.log.Warn("open window command failed", "url", u, "err", err)
		}
	}()
	return nil
}
