package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestRunManager(events EventSink, metrics Metrics) *RunManager {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	return NewRunManager(logger, events, metrics)
}

func TestRunManager_Create(t *testing.T) {
	sink := &recordSink{}
	metrics := &stubMetrics{}
	mgr := newTestRunManager(sink, metrics)
	ctx := context.Background()

	run, err := mgr.Create(ctx, "web")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if run.Name != "web" || run.CurrentStatus() != StatusCreated {
		t.Errorf("Unexpected run: %q %v", run.Name, run.CurrentStatus())
	}
	if run.IOrder != IOrderBase {
		t.Errorf("Expected the order counter seeded at %d, got %d", IOrderBase, run.IOrder)
	}
	if run.Running == nil || run.Resolved == nil || run.Blocks == nil {
		t.Error("Expected the run maps initialized")
	}
	created := sink.byType(EventRunCreated)
	if len(created) != 1 || created[0].Run != "web" {
		t.Errorf("Unexpected creation events: %v", created)
	}
	if len(metrics.statuses) != 1 || metrics.statuses[0] != StatusCreated {
		t.Errorf("Unexpected status metrics: %v", metrics.statuses)
	}

	if _, err := mgr.Create(ctx, "web"); err == nil {
		t.Fatal("Expected a duplicate name rejected")
	} else {
		if !IsValidation(err) {
			t.Errorf("Expected a validation error, got %v", err)
		}
		if !strings.Contains(err.Error(), "already exists") {
			t.Errorf("Unexpected message: %q", err.Error())
		}
	}
}

func TestRunManager_SetStatus(t *testing.T) {
	sink := &recordSink{}
	mgr := newTestRunManager(sink, &stubMetrics{})
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "web"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := mgr.SetStatus(ctx, "web", StatusGathering); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	run, _ := mgr.Get("web")
	if run.CurrentStatus() != StatusGathering {
		t.Errorf("Expected GATHERING, got %v", run.CurrentStatus())
	}
	events := sink.byType(EventRunStatus)
	if len(events) != 1 {
		t.Fatalf("Expected 1 status event, got %d", len(events))
	}
	data := events[0].Data
	if data["status"] != int(StatusGathering) || data["status_name"] != "GATHERING" {
		t.Errorf("Unexpected event data: %v", data)
	}
	if data["previous"] != "CREATED" {
		t.Errorf("Expected previous CREATED, got %v", data["previous"])
	}

	err := mgr.SetStatus(ctx, "web", StatusCreated)
	if err == nil {
		t.Fatal("Expected a backward transition rejected")
	}
	if !IsValidation(err) {
		t.Errorf("Expected a validation error, got %v", err)
	}
	if run.CurrentStatus() != StatusGathering {
		t.Errorf("Expected the status unchanged after a rejected transition, got %v", run.CurrentStatus())
	}
}

func TestRunManager_SetStatusUnknownRun(t *testing.T) {
	sink := &recordSink{}
	mgr := newTestRunManager(sink, &stubMetrics{})

	if err := mgr.SetStatus(context.Background(), "ghost", StatusRunning); err != nil {
		t.Fatalf("Expected no error for an unregistered run, got %v", err)
	}
	events := sink.byType(EventRunStatus)
	if len(events) != 1 {
		t.Fatalf("Expected 1 status event, got %d", len(events))
	}
	if events[0].Data["previous"] != "UNDEFINED" {
		t.Errorf("Expected previous UNDEFINED, got %v", events[0].Data["previous"])
	}
}

func TestRunManager_Report(t *testing.T) {
	sink := &recordSink{}
	mgr := newTestRunManager(sink, &stubMetrics{})
	ctx := context.Background()

	run, err := mgr.Create(ctx, "web")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	run.Test = true
	run.AcctProfile = "prod"
	run.Errors = append(run.Errors, "boom")
	rec := &ExecutionRecord{Tag: "test_|-a_|-a_|-present", Result: TrueResult()}
	run.Record(rec)

	report := mgr.Report(ctx, "web")
	if report.Test == nil || !*report.Test {
		t.Error("Expected the test flag set")
	}
	if report.AcctProfile != "prod" || report.Status != StatusCreated {
		t.Errorf("Unexpected report: %+v", report)
	}
	if len(report.Errors) != 1 || report.Errors[0] != "boom" {
		t.Errorf("Unexpected errors: %v", report.Errors)
	}
	got, ok := report.Running[rec.Tag]
	if !ok {
		t.Fatal("Expected the record in the report")
	}
	if got == rec {
		t.Error("Expected the report to carry a copy, not the live record")
	}

	unknown := mgr.Report(ctx, "ghost")
	if unknown.Status != StatusUndefined || unknown.Test != nil {
		t.Errorf("Unexpected report for an unknown run: %+v", unknown)
	}
	events := sink.byType(EventRunStatus)
	if len(events) != 2 {
		t.Fatalf("Expected 2 status events, got %d", len(events))
	}
	if events[1].Data["status"] != int(StatusUndefined) {
		t.Errorf("Unexpected event data: %v", events[1].Data)
	}
}

func TestRunManager_NamesAndDrop(t *testing.T) {
	mgr := newTestRunManager(nil, nil)
	ctx := context.Background()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := mgr.Create(ctx, name); err != nil {
			t.Fatalf("Create %s failed: %v", name, err)
		}
	}
	names := mgr.Names()
	if !sameStrings(names, []string{"alpha", "mid", "zeta"}) {
		t.Errorf("Expected sorted names, got %v", names)
	}

	mgr.Drop("mid")
	mgr.Drop("ghost")
	if _, ok := mgr.Get("mid"); ok {
		t.Error("Expected the dropped run gone")
	}
	if !sameStrings(mgr.Names(), []string{"alpha", "zeta"}) {
		t.Errorf("Unexpected names after drop: %v", mgr.Names())
	}
}
