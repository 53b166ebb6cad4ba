package worker

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"offline0/internal/protocol"
)

const notificationTitle = "Timer Complete!"

// HandleMessage processes a message posted by a page. source is nil when the
// sender is not a connected page.
func (w *Worker) HandleMessage(ctx context.Context, source Client, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.SkipWaiting:
		w.opts.Global.SkipWaiting()
	case protocol.TimerSync:
		res := w.timers.Sync(m.Timers, m.SkippedIDs...)
		w.log.Debug("timers synced", "scheduled", res.Scheduled, "cancelled", res.Cancelled, "kept", res.Kept, "skipped", m.Skipped)
	case protocol.TimerCancel:
		if !w.timers.Cancel(m.TimerID) {
			w.log.Debug("cancel for unknown timer", "timer", m.TimerID)
		}
	case protocol.VersionBroadcast, protocol.TimerFinished, protocol.TimerNotificationClicked:
		return fmt.Errorf("%w: %s is sent by the worker", ErrUnexpectedMessage, m.Type())
	default:
		return fmt.Errorf("%w: %T", protocol.ErrUnknownMessage, msg)
	}
	return nil
}

// timerFired runs after the scheduler removed the record. The notification
// is best effort; pages hear about the timer either way.
func (w *Worker) timerFired(rec protocol.TimerRecord) {
	ctx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
	defer cancel()

	w.opts.Metrics.observeTimerFired()
	if rec.Notify {
		w.showTimerNotification(ctx, rec)
	}
	w.broadcast(ctx, protocol.TimerFinished{TimerID: rec.ID})
}

func (w *Worker) showTimerNotification(ctx context.Context, rec protocol.TimerRecord) {
	if w.opts.Notifier == nil {
		w.opts.Metrics.observeNotification("unavailable")
		return
	}
	name := rec.Name
	if name == "" {
		name = "Your timer"
	}
	target := rec.StartURL
	if target == "" {
		target = "/"
	}
	n := Notification{
		Title:   notificationTitle,
		Body:    name + " has finished.",
		Tag:     "timer-" + rec.ID,
		URL:     target,
		TimerID: rec.ID,
	}
	if err := w.opts.Notifier.Show(ctx, n); err != nil {
		w.opts.Metrics.observeNotification("failed")
		w.warn.Warn("notification unavailable", "timer", rec.ID, "err", err)
		return
	}
	w.opts.Metrics.observeNotification("shown")
}

// HandleNotificationClick focuses a page already showing the target URL and
// forwards the timer id to it, or opens a new page there.
func (w *Worker) HandleNotificationClick(ctx context.Context, n Notification) error {
	target, err := w.scope.Parse(n.URL)
	if err != nil {
		return fmt.Errorf("notification url %q: %w", n.URL, err)
	}

	clients := w.opts.Global.Clients()
	for _, c := range clients.MatchAll() {
		u, err := url.Parse(c.URL())
		if err != nil || !sameDocument(u, target) {
			continue
		}
		if err := c.Focus(ctx); err != nil {
			w.log.Debug("focus failed", "client", c.ID(), "err", err)
		}
		if n.TimerID != "" {
			return c.PostMessage(ctx, protocol.TimerNotificationClicked{TimerID: n.TimerID})
		}
		return nil
	}
	return clients.OpenWindow(ctx, target.String())
}

func sameDocument(a, b *url.URL) bool {
	return sameOrigin(a, b) && a.Path == b.Path && a.RawQuery == b.RawQuery
}
