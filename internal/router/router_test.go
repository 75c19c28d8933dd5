package router

import (
	"testing"
	"time"
)

func TestResolveOrder(t *testing.T) {
	table, err := New(
		[]Queue{
			{Name: "exports", SoftTimeLimit: time.Minute, HardTimeLimit: 2 * time.Minute},
			{Name: "reports"},
			{Name: "default"},
		},
		[]Rule{
			{Pattern: "export_report", Queue: "exports"},
			{Pattern: "export_*", Queue: "exports"},
			{Pattern: "report_*", Queue: "reports"},
		},
		"default",
	)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}

	cases := map[string]string{
		"export_report":   "exports",
		"export_archive":  "exports",
		"report_cleanup":  "reports",
		"something_else":  "default",
		"exporter_wrong?": "default",
	}
	for name, want := range cases {
		if got := table.Resolve(name); got != want {
			t.Errorf("Resolve(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestExactBeatsWildcard(t *testing.T) {
	table, err := New(
		[]Queue{{Name: "a"}, {Name: "b"}, {Name: "default"}},
		[]Rule{
			{Pattern: "export_*", Queue: "a"},
			{Pattern: "export_report", Queue: "b"},
		},
		"default",
	)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	if got := table.Resolve("export_report"); got != "b" {
		t.Fatalf("exact rule should win, got %q", got)
	}
}

func TestSoftLimitMustBeBelowHard(t *testing.T) {
	_, err := New(
		[]Queue{{Name: "default", SoftTimeLimit: time.Minute, HardTimeLimit: time.Minute}},
		nil,
		"default",
	)
	if err == nil {
		t.Fatal("expected error for soft >= hard")
	}
}

func TestPrefetchDefaultsToOne(t *testing.T) {
	table, err := New([]Queue{{Name: "default"}}, nil, "default")
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	if got := table.Queue("default").Prefetch; got != 1 {
		t.Fatalf("prefetch = %d, want 1", got)
	}
}

func TestDefaultTopology(t *testing.T) {
	table := Default()
	if got := table.Resolve("export_report"); got != "exports" {
		t.Fatalf("export_report routed to %q, want exports", got)
	}
	for _, name := range table.Names() {
		q := table.Queue(name)
		if q.SoftTimeLimit >= q.HardTimeLimit {
			t.Errorf("queue %s: soft %s not below hard %s", name, q.SoftTimeLimit, q.HardTimeLimit)
		}
	}
}
