package task

import (
	"errors"
	"testing"
	"time"

	"github.com/banyancomputer/banyan-core-sub001/internal/models"
)

type upload struct {
	Key string `json:"key"`
}

func (upload) TaskName() string            { return "report_upload_task" }
func (upload) QueueName() string           { return "reports" }
func (upload) MaxAttempts() int            { return 5 }
func (u upload) UniqueKey() (string, bool) { return u.Key, true }

type unencodable struct {
	Ch chan int
}

func (unencodable) TaskName() string  { return "bad" }
func (unencodable) QueueName() string { return "default" }

func TestForTask(t *testing.T) {
	now := time.Now()
	inst, err := ForTask(upload{Key: "r1"}).Build(now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if inst.ID == "" || inst.TaskName != "report_upload_task" || inst.QueueName != "reports" {
		t.Fatalf("unexpected instance %+v", inst)
	}
	if inst.MaxAttempts != 5 || inst.CurrentAttempt != 0 || inst.State != models.StateNew {
		t.Fatalf("unexpected instance %+v", inst)
	}
	if inst.UniqueKey == nil || *inst.UniqueKey != "r1" {
		t.Fatalf("expected unique key r1")
	}
	if string(inst.Payload) != `{"key":"r1"}` {
		t.Fatalf("unexpected payload %s", inst.Payload)
	}
}

func TestForTaskEncodeFailure(t *testing.T) {
	_, err := ForTask(unencodable{Ch: make(chan int)}).Build(time.Now())
	if !errors.Is(err, ErrEncodeFailed) {
		t.Fatalf("expected encode failure, got %v", err)
	}
}

func TestFromTaskCarriesOriginal(t *testing.T) {
	first := models.Task{ID: "a", TaskName: "prune", QueueName: "default", CurrentAttempt: 0, MaxAttempts: 3, Payload: []byte(`{}`)}
	second, err := FromTask(first).Build(time.Now())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if second.CurrentAttempt != 1 || second.OriginalTaskID == nil || *second.OriginalTaskID != "a" || second.State != models.StateRetry {
		t.Fatalf("unexpected successor %+v", second)
	}

	row := second.Task(time.Now())
	third, err := FromTask(row).Build(time.Now())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if *third.OriginalTaskID != "a" || third.CurrentAttempt != 2 {
		t.Fatalf("original id must resolve to the attempt-0 row, got %+v", third)
	}
}

func TestBuildDefaults(t *testing.T) {
	now := time.Now()
	inst, err := ForRaw("prune", "default", nil).MaxAttempts(0).UniqueKey("").Build(now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if inst.MaxAttempts != DefaultMaxAttempts || inst.UniqueKey != nil || string(inst.Payload) != "null" {
		t.Fatalf("unexpected defaults %+v", inst)
	}
	if !inst.ScheduledToRunAt.Equal(now) {
		t.Fatalf("expected schedule to default to now")
	}
	if _, err := ForRaw("", "default", nil).Build(now); err == nil {
		t.Fatalf("expected missing name to fail")
	}
}
