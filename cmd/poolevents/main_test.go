package main

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentpool/pkg/eventlog"
	"agentpool/pkg/events"
)

func TestFilterEvents(t *testing.T) {
	now := time.Now().UTC()
	old := events.New(events.TypeInstanceRegistered, "nina", "nina-1", nil)
	old.Timestamp = now.Add(-3 * time.Hour)
	recent := events.New(events.TypeExecutionRecorded, "nina", "nina-2", map[string]any{"success": true})
	other := events.New(events.TypeAlertCreated, "argo", "", nil)
	all := []*events.Event{&old, &recent, &other}

	byType := filterEvents(all, InspectConfig{Types: "execution_recorded,alert_created"}, now)
	if len(byType) != 2 {
		t.Fatalf("expected 2 events by type, got %d", len(byType))
	}

	byAgent := filterEvents(all, InspectConfig{AgentType: "argo"}, now)
	if len(byAgent) != 1 || byAgent[0].Type != events.TypeAlertCreated {
		t.Errorf("agent type filter returned wrong events: %+v", byAgent)
	}

	byInstance := filterEvents(all, InspectConfig{Instance: "nina-2"}, now)
	if len(byInstance) != 1 || byInstance[0].InstanceID != "nina-2" {
		t.Errorf("instance filter returned wrong events: %+v", byInstance)
	}

	bySince := filterEvents(all, InspectConfig{Since: time.Hour}, now)
	for _, e := range bySince {
		if e.Timestamp.Before(now.Add(-time.Hour)) {
			t.Errorf("since filter kept stale event %s", e.ID)
		}
	}
	if len(bySince) != 2 {
		t.Errorf("expected 2 recent events, got %d", len(bySince))
	}

	none := filterEvents(all, InspectConfig{AgentType: "nina", Instance: "nina-1", Types: "alert_created"}, now)
	if len(none) != 0 {
		t.Errorf("combined filters should match nothing, got %d", len(none))
	}
}

func TestFormatEvent(t *testing.T) {
	e := events.New(events.TypeExecutionRecorded, "nina", "nina-1", map[string]any{
		"success":        true,
		"cost_cents":     int64(12),
		"execution_time": 80.5,
	})

	line := formatEvent(&e)
	if !strings.Contains(line, "execution_recorded") {
		t.Errorf("formatted line missing event type: %s", line)
	}
	if !strings.Contains(line, "nina/nina-1") {
		t.Errorf("formatted line missing subject: %s", line)
	}
	// Data keys render sorted, so output is stable.
	if !strings.Contains(line, "cost_cents=12 execution_time=80.5 success=true") {
		t.Errorf("formatted line has wrong data section: %s", line)
	}

	bare := events.New(events.TypeHealthCheckCompleted, "", "", nil)
	if !strings.Contains(formatEvent(&bare), " - ") {
		t.Errorf("subjectless event should render a dash: %s", formatEvent(&bare))
	}
}

func TestResolveAndLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()

	writer, err := eventlog.NewWriter(dir)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	for i := 0; i < 3; i++ {
		e := events.New(events.TypeHealthCheckCompleted, "nina", "nina-1", nil)
		if err := writer.WriteEvent(&e); err != nil {
			t.Fatalf("failed to write event: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	files, err := resolveLogFiles(InspectConfig{LogDir: dir})
	if err != nil {
		t.Fatalf("failed to resolve log files: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(files))
	}

	loaded, err := loadEvents(files, false)
	if err != nil {
		t.Fatalf("failed to load events: %v", err)
	}
	if len(loaded) != 3 {
		t.Errorf("expected 3 events, got %d", len(loaded))
	}

	if _, err := resolveLogFiles(InspectConfig{LogDir: filepath.Join(dir, "empty")}); err == nil {
		t.Error("expected error for directory without log files")
	}
}

func TestParseTypeSet(t *testing.T) {
	if parseTypeSet("") != nil {
		t.Error("empty spec should return nil set")
	}

	set := parseTypeSet("instance_offline, alert_created,")
	if len(set) != 2 || !set[events.TypeInstanceOffline] || !set[events.TypeAlertCreated] {
		t.Errorf("unexpected type set: %v", set)
	}
}
