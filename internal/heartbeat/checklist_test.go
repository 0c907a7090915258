package heartbeat

import (
	"os"
	"path/filepath"
	"testing"
)

// TestChecklistParsing covers checkbox states and unknown lines.
func TestChecklistParsing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "HEARTBEAT.md")
	content := `# Heartbeat jobs

Prose lines are ignored.

- [x] tick
- [ ] synthesize
* [X] daily-digest
- [ ] deadline-scan
- not a checkbox
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c := NewChecklist(path)
	if !c.Enabled(JobTick) {
		t.Fatal("tick disabled")
	}
	if c.Enabled(JobSynthesize) {
		t.Fatal("synthesize enabled despite unchecked box")
	}
	if !c.Enabled(JobDailyDigest) {
		t.Fatal("daily-digest disabled despite [X]")
	}
	if c.Enabled(JobDeadlineScan) {
		t.Fatal("deadline-scan enabled despite unchecked box")
	}
	// Jobs missing from the file stay on.
	if !c.Enabled(JobMorningBriefing) {
		t.Fatal("absent job disabled")
	}
}

// TestChecklistMissingFileEnablesEverything verifies the default posture.
func TestChecklistMissingFileEnablesEverything(t *testing.T) {
	c := NewChecklist(filepath.Join(t.TempDir(), "absent.md"))
	for _, job := range []string{JobTick, JobSynthesize, JobDailyDigest, JobMorningBriefing, JobEveningReflection, JobDeadlineScan} {
		if !c.Enabled(job) {
			t.Fatalf("job %s disabled with no file", job)
		}
	}
}

// TestChecklistReload verifies edits take effect on reload.
func TestChecklistReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "HEARTBEAT.md")
	if err := os.WriteFile(path, []byte("- [x] tick\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c := NewChecklist(path)
	if !c.Enabled(JobTick) {
		t.Fatal("tick disabled")
	}

	if err := os.WriteFile(path, []byte("- [ ] tick\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	c.Reload()
	if c.Enabled(JobTick) {
		t.Fatal("tick still enabled after reload")
	}
}
