// pkg/schedule/cron.go

// Package schedule manages the one-shot, restart-surviving resumption entry
// in the root crontab. A crontab @reboot line plus a durable environment
// file stands in for a resumable workflow engine: the orchestrator only ever
// resumes from one well-known point, so a single re-invocation trigger is
// enough.
package schedule

import (
	"strings"

	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/execute"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/harpy_io"
)

// Entry is one crontab line.
type Entry struct {
	Schedule string // e.g. "@reboot"
	Command  string
}

func (e Entry) line() string {
	return e.Schedule + " " + e.Command
}

// Scheduler is the persistent task-scheduler contract the reboot boundary
// needs: install a run-on-next-boot entry, and idempotently remove entries
// referencing this binary so repeated runs never accumulate duplicates.
type Scheduler interface {
	Install(rc *harpy_io.RuntimeContext, e Entry) error
	RemoveMatching(rc *harpy_io.RuntimeContext, substr string) (int, error)
}

// CronScheduler implements Scheduler on the invoking user's crontab
// (root's, in a normal provisioning run).
type CronScheduler struct {
	runner execute.Runner
}

func NewCronScheduler(r execute.Runner) *CronScheduler {
	if r == nil {
		r = execute.Default
	}
	return &CronScheduler{runner: r}
}

// Install writes the entry, first removing any line that references the
// same command path so the entry count stays at exactly one.
func (s *CronScheduler) Install(rc *harpy_io.RuntimeContext, e Entry) error {
	log := otelzap.Ctx(rc.Ctx)

	lines, err := s.current(rc)
	if err != nil {
		return err
	}

	binary := firstField(e.Command)
	kept := lines[:0]
	for _, line := range lines {
		if binary != "" && strings.Contains(line, binary) {
			continue
		}
		kept = append(kept, line)
	}
	kept = append(kept, e.line())

	if err := s.write(rc, kept); err != nil {
		return err
	}
	log.Info("⏰ Scheduled resumption entry installed",
		zap.String("schedule", e.Schedule),
		zap.String("command", e.Command))
	return nil
}

// RemoveMatching deletes every entry containing substr and reports how many
// were removed. Removing from an empty crontab is a no-op.
func (s *CronScheduler) RemoveMatching(rc *harpy_io.RuntimeContext, substr string) (int, error) {
	lines, err := s.current(rc)
	if err != nil {
		return 0, err
	}

	kept := lines[:0]
	removed := 0
	for _, line := range lines {
		if strings.Contains(line, substr) {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.write(rc, kept); err != nil {
		return 0, err
	}
	otelzap.Ctx(rc.Ctx).Info("⏰ Removed scheduled resumption entries",
		zap.Int("count", removed), zap.String("match", substr))
	return removed, nil
}

func (s *CronScheduler) current(rc *harpy_io.RuntimeContext) ([]string, error) {
	out, err := s.runner.Run(rc.Ctx, execute.Options{
		Command: "crontab",
		Args:    []string{"-l"},
	})
	if err != nil {
		// crontab -l exits 1 with "no crontab for ..." on a fresh host.
		if strings.Contains(out, "no crontab") {
			return nil, nil
		}
		return nil, cerr.Wrap(err, "crontab -l")
	}

	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (s *CronScheduler) write(rc *harpy_io.RuntimeContext, lines []string) error {
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	if _, err := s.runner.Run(rc.Ctx, execute.Options{
		Command: "crontab",
		Args:    []string{"-"},
		Stdin:   content,
	}); err != nil {
		return cerr.Wrap(err, "write crontab")
	}
	return nil
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
