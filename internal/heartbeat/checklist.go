package heartbeat

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Job names recognized in the checklist file.
const (
	JobTick              = "tick"
	JobSynthesize        = "synthesize"
	JobDailyDigest       = "daily-digest"
	JobMorningBriefing   = "morning-briefing"
	JobEveningReflection = "evening-reflection"
	JobDeadlineScan      = "deadline-scan"
)

// Checklist holds the operator-editable job switches from HEARTBEAT.md.
// Lines look like "- [x] tick"; an unchecked box disables the job. A missing
// file enables everything.
type Checklist struct {
	mu      sync.RWMutex
	path    string
	enabled map[string]bool
}

func NewChecklist(path string) *Checklist {
	c := &Checklist{path: path, enabled: defaultJobs()}
	c.Reload()
	return c
}

func defaultJobs() map[string]bool {
	return map[string]bool{
		JobTick:              true,
		JobSynthesize:        true,
		JobDailyDigest:       true,
		JobMorningBriefing:   true,
		JobEveningReflection: true,
		JobDeadlineScan:      true,
	}
}

// Enabled reports whether the named job should run.
func (c *Checklist) Enabled(job string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	on, ok := c.enabled[job]
	return !ok || on
}

// Reload re-reads the checklist file. Unknown job names are kept so the
// operator can gate future jobs without a release.
func (c *Checklist) Reload() {
	f, err := os.Open(c.path)
	if err != nil {
		c.mu.Lock()
		c.enabled = defaultJobs()
		c.mu.Unlock()
		return
	}
	defer f.Close()

	parsed := defaultJobs()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		job, checked, ok := parseChecklistLine(sc.Text())
		if ok {
			parsed[job] = checked
		}
	}

	c.mu.Lock()
	c.enabled = parsed
	c.mu.Unlock()
}

// parseChecklistLine matches "- [x] name" / "- [ ] name" (also "* [x]").
func parseChecklistLine(line string) (job string, checked, ok bool) {
	line = strings.TrimSpace(line)
	if len(line) < 6 || (line[0] != '-' && line[0] != '*') {
		return "", false, false
	}
	rest := strings.TrimSpace(line[1:])
	if !strings.HasPrefix(rest, "[") || len(rest) < 3 || rest[2] != ']' {
		return "", false, false
	}
	mark := rest[1]
	job = strings.ToLower(strings.TrimSpace(rest[3:]))
	if job == "" {
		return "", false, false
	}
	return job, mark == 'x' || mark == 'X', true
}

// Watch reloads the checklist when the file changes. Returns a stop func.
func (c *Checklist) Watch() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory; editors replace the file on save and a direct
	// file watch goes stale after the first rename.
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == filepath.Base(c.path) {
					c.Reload()
					slog.Info("heartbeat.checklist_reloaded", "path", c.path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("heartbeat.checklist_watch_error", "error", err)
			}
		}
	}()
	return func() { watcher.Close() }, nil
}
