// Package jobs holds the task types the banyan binaries ship with.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banyancomputer/banyan-core-sub001/internal/task"
)

const (
	ReportsQueue = "reports"
	DefaultQueue = "default"

	defaultReportInterval = time.Hour
)

// Context is the bundle of handles injected into every job run.
type Context struct {
	Store         task.Store
	Uploader      Uploader
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger
	UploadTimeout time.Duration
}

func (c Context) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// ReportUploadTask writes a rendered report to the configured destination.
// Only one upload per key is in flight at a time.
type ReportUploadTask struct {
	Key    string          `json:"key"`
	Report json.RawMessage `json:"report"`
}

func (ReportUploadTask) TaskName() string  { return "report_upload_task" }
func (ReportUploadTask) QueueName() string { return ReportsQueue }
func (ReportUploadTask) MaxAttempts() int  { return 5 }

func (r ReportUploadTask) UniqueKey() (string, bool) {
	if r.Key == "" {
		return "", false
	}
	return "report:" + r.Key, true
}

func (r ReportUploadTask) Run(ctx context.Context, current task.CurrentTask, c Context) error {
	if r.Key == "" {
		return errors.New("report key is required")
	}
	if c.Uploader == nil {
		return errors.New("no report uploader configured")
	}
	if c.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.UploadTimeout)
		defer cancel()
	}
	location, err := c.Uploader.Upload(ctx, r.Key, r.Report, "application/json")
	if err != nil {
		return fmt.Errorf("upload report %s: %w", r.Key, err)
	}
	c.logger().Info("report uploaded", "task_id", current.ID, "attempt", current.Attempt, "location", location)
	return nil
}

// UsageReport is the document UsageReportTask renders.
type UsageReport struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Counters    map[string]float64 `json:"counters"`
}

// UsageReportTask snapshots the engine counters and hands the result to a
// ReportUploadTask. It reschedules itself every Interval.
type UsageReportTask struct {
	Interval time.Duration `json:"interval"`
	Prefix   string        `json:"prefix,omitempty"`

	now func() time.Time
}

func (UsageReportTask) TaskName() string  { return "usage_report_task" }
func (UsageReportTask) QueueName() string { return DefaultQueue }

func (UsageReportTask) UniqueKey() (string, bool) { return "usage_report", true }

func (u UsageReportTask) clock() time.Time {
	if u.now != nil {
		return u.now().UTC()
	}
	return time.Now().UTC()
}

func (u UsageReportTask) interval() time.Duration {
	if u.Interval > 0 {
		return u.Interval
	}
	return defaultReportInterval
}

func (u UsageReportTask) NextSchedule() (*time.Time, error) {
	next := u.clock().Add(u.interval())
	return &next, nil
}

func (u UsageReportTask) Run(ctx context.Context, current task.CurrentTask, c Context) error {
	if c.Store == nil {
		return errors.New("usage report needs a task store")
	}
	gatherer := c.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	prefix := u.Prefix
	if prefix == "" {
		prefix = "tasks_"
	}

	now := u.clock()
	report, err := Snapshot(gatherer, prefix, now)
	if err != nil {
		return err
	}
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode usage report: %w", err)
	}

	key := fmt.Sprintf("usage/%s.json", now.Truncate(u.interval()).Format("20060102T150405Z"))
	id, created, err := task.Enqueue(ctx, c.Store, ReportUploadTask{Key: key, Report: body})
	if err != nil {
		return fmt.Errorf("enqueue report upload: %w", err)
	}
	c.logger().Info("usage report rendered", "task_id", current.ID, "key", key, "upload_id", id, "created", created, "counters", report.CounterNames())
	return nil
}

// Snapshot sums every counter and gauge family whose name starts with prefix
// across all label sets.
func Snapshot(g prometheus.Gatherer, prefix string, at time.Time) (UsageReport, error) {
	families, err := g.Gather()
	if err != nil {
		return UsageReport{}, fmt.Errorf("gather metrics: %w", err)
	}
	report := UsageReport{GeneratedAt: at, Counters: make(map[string]float64)}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), prefix) {
			continue
		}
		var sum float64
		counted := false
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
				counted = true
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
				counted = true
			}
		}
		if counted {
			report.Counters[mf.GetName()] = sum
		}
	}
	return report, nil
}

// CounterNames lists a report's counters in order, for logs.
func (r UsageReport) CounterNames() []string {
	names := make([]string, 0, len(r.Counters))
	for n := range r.Counters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
