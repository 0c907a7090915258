package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/foreman/internal/bus"
	"github.com/nextlevelbuilder/foreman/internal/store"
	"github.com/nextlevelbuilder/foreman/pkg/protocol"
)

// staleCardAge marks in-progress cards the deadline scan flags.
const staleCardAge = 24 * time.Hour

// runReport builds the board summary for one checklist job and delivers it
// over the bus and the notifier.
func (s *Scheduler) runReport(ctx context.Context, job string) {
	text, err := s.buildReport(ctx, job)
	if err != nil {
		slog.Error("heartbeat.report_failed", "job", job, "error", err)
		return
	}
	if text == "" {
		return
	}
	s.pub.Publish(bus.Event{Name: protocol.EventHeartbeatDigest, Payload: map[string]string{
		"job":  job,
		"text": text,
	}})
	s.notif.Notify(ctx, text)
	slog.Info("heartbeat.report", "job", job)
}

func (s *Scheduler) buildReport(ctx context.Context, job string) (string, error) {
	projects, err := s.store.ListProjects(ctx, store.ProjectActive)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	switch job {
	case JobDailyDigest:
		b.WriteString("📋 Daily digest\n")
	case JobMorningBriefing:
		b.WriteString("☀️ Morning briefing\n")
	case JobEveningReflection:
		b.WriteString("🌙 Evening reflection\n")
	case JobDeadlineScan:
		return s.buildDeadlineReport(ctx, projects)
	default:
		return "", fmt.Errorf("unknown report job %q", job)
	}

	for _, p := range projects {
		cards, err := s.store.ListCards(ctx, p.ID)
		if err != nil {
			return "", err
		}
		var backlog, inProgress, done, blocked int
		for _, c := range cards {
			switch c.Column {
			case store.ColumnBacklog:
				backlog++
			case store.ColumnInProgress:
				inProgress++
			case store.ColumnDone:
				done++
			}
			if c.AgentStatus == store.AgentBlocked {
				blocked++
			}
		}
		fmt.Fprintf(&b, "\n%s: %d backlog, %d in progress, %d done", p.Name, backlog, inProgress, done)
		if blocked > 0 {
			fmt.Fprintf(&b, " (%d blocked)", blocked)
		}
	}
	return b.String(), nil
}

// buildDeadlineReport flags blocked cards and in-progress cards stuck for
// over a day. Silence when there is nothing to flag.
func (s *Scheduler) buildDeadlineReport(ctx context.Context, projects []store.Project) (string, error) {
	cutoff := s.now().Add(-staleCardAge)
	var b strings.Builder
	for _, p := range projects {
		cards, err := s.store.ListCards(ctx, p.ID)
		if err != nil {
			return "", err
		}
		for _, c := range cards {
			switch {
			case c.AgentStatus == store.AgentBlocked:
				fmt.Fprintf(&b, "- %s / %q blocked: %s\n", p.Name, c.Title, c.BlockedReason)
			case c.Column == store.ColumnInProgress && c.StartedAt != nil && c.StartedAt.Before(cutoff):
				fmt.Fprintf(&b, "- %s / %q in progress since %s\n", p.Name, c.Title, c.StartedAt.Format("Jan 2 15:04"))
			}
		}
	}
	if b.Len() == 0 {
		return "", nil
	}
	return "⚠️ Deadline scan\n" + b.String(), nil
}
