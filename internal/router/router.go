package router

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Queue describes delivery policy for one named queue. Jobs are acked only
// after the handler returns, never on receipt. Prefetch caps how many
// unacked jobs a single worker may hold at once.
type Queue struct {
	Name          string
	Prefetch      int
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
}

// Rule maps a job-name pattern to a queue. A pattern is either an exact job
// name or a prefix wildcard such as "export_*".
type Rule struct {
	Pattern string
	Queue   string
}

// Table resolves job names to queues over a static rule set. Resolution
// order: exact match, then longest wildcard prefix, then the default queue.
type Table struct {
	queues   map[string]Queue
	exact    map[string]string
	prefixes []Rule // sorted by descending prefix length
	fallback string
}

// New builds a routing table. Every rule must reference a declared queue,
// and every queue must keep its soft limit below its hard limit.
func New(queues []Queue, rules []Rule, fallback string) (*Table, error) {
	t := &Table{
		queues:   make(map[string]Queue, len(queues)),
		exact:    make(map[string]string),
		fallback: fallback,
	}
	for _, q := range queues {
		if q.Name == "" {
			return nil, fmt.Errorf("router: queue with empty name")
		}
		if q.Prefetch <= 0 {
			q.Prefetch = 1
		}
		if q.SoftTimeLimit > 0 && q.HardTimeLimit > 0 && q.SoftTimeLimit >= q.HardTimeLimit {
			return nil, fmt.Errorf("router: queue %s soft limit %s must be below hard limit %s", q.Name, q.SoftTimeLimit, q.HardTimeLimit)
		}
		t.queues[q.Name] = q
	}
	if _, ok := t.queues[fallback]; !ok {
		return nil, fmt.Errorf("router: default queue %s is not declared", fallback)
	}
	for _, r := range rules {
		if _, ok := t.queues[r.Queue]; !ok {
			return nil, fmt.Errorf("router: rule %q routes to undeclared queue %s", r.Pattern, r.Queue)
		}
		if strings.HasSuffix(r.Pattern, "*") {
			t.prefixes = append(t.prefixes, Rule{Pattern: strings.TrimSuffix(r.Pattern, "*"), Queue: r.Queue})
		} else {
			t.exact[r.Pattern] = r.Queue
		}
	}
	sort.SliceStable(t.prefixes, func(i, j int) bool {
		return len(t.prefixes[i].Pattern) > len(t.prefixes[j].Pattern)
	})
	return t, nil
}

// Resolve returns the destination queue for a job name. It is a pure lookup
// and always succeeds; unmatched names land on the default queue.
func (t *Table) Resolve(jobName string) string {
	if q, ok := t.exact[jobName]; ok {
		return q
	}
	for _, r := range t.prefixes {
		if strings.HasPrefix(jobName, r.Pattern) {
			return r.Queue
		}
	}
	return t.fallback
}

// Queue returns the policy for a queue name, falling back to the default
// queue's policy for unknown names.
func (t *Table) Queue(name string) Queue {
	if q, ok := t.queues[name]; ok {
		return q
	}
	return t.queues[t.fallback]
}

// Names lists all declared queues in stable order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.queues))
	for name := range t.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default builds the routing table for the report backend: report
// generation, exports, notifications, and a catch-all default queue.
func Default() *Table {
	t, err := New(
		[]Queue{
			{Name: "reports", Prefetch: 1, SoftTimeLimit: 4 * time.Minute, HardTimeLimit: 5 * time.Minute},
			{Name: "exports", Prefetch: 1, SoftTimeLimit: 9 * time.Minute, HardTimeLimit: 10 * time.Minute},
			{Name: "notifications", Prefetch: 4, SoftTimeLimit: 25 * time.Second, HardTimeLimit: 30 * time.Second},
			{Name: "default", Prefetch: 1, SoftTimeLimit: 50 * time.Second, HardTimeLimit: time.Minute},
		},
		[]Rule{
			{Pattern: "generate_report", Queue: "reports"},
			{Pattern: "export_report", Queue: "exports"},
			{Pattern: "report_*", Queue: "reports"},
			{Pattern: "export_*", Queue: "exports"},
			{Pattern: "notify_*", Queue: "notifications"},
		},
		"default",
	)
	if err != nil {
		panic(err) // static topology, checked by tests
	}
	return t
}
