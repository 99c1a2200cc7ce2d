package dumpagent

import (
	"context"
	"sync"
	"testing"
)

type stubRequester struct {
	mu       sync.Mutex
	requests [][]string
	triggers []TriggerReason
}

func (r *stubRequester) Request(trigger TriggerReason, targets []string, opts RequestOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, append([]string(nil), targets...))
	r.triggers = append(r.triggers, trigger)
}

func (r *stubRequester) requestCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func TestCrashMonitorTriggersFleetDumpOnFreshCoredump(t *testing.T) {
	transport := &stubTransport{
		serials: []string{"dev-1", "dev-2"},
		output: map[string]string{
			"ls " + coredumpDirectory: "core.alarm.1000.deadbeef\n",
		},
	}
	requester := &stubRequester{}
	monitor, err := NewCrashMonitor(transport, requester, 0)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	monitor.Poll(context.Background())

	if requester.requestCount() != 1 {
		t.Fatalf("expected one fleet request, got %d", requester.requestCount())
	}
	requester.mu.Lock()
	defer requester.mu.Unlock()
	if requester.triggers[0] != TriggerCrashMonitor {
		t.Fatalf("unexpected trigger: %s", requester.triggers[0])
	}
	// The whole fleet is dumped for the incident, not just the crashed device.
	if len(requester.requests[0]) != 2 {
		t.Fatalf("expected all connected devices as targets: %v", requester.requests[0])
	}
}

func TestCrashMonitorTriggersOncePerCoredump(t *testing.T) {
	transport := &stubTransport{
		serials: []string{"dev-1"},
		output: map[string]string{
			"ls " + coredumpDirectory: "core.alarm.1000.deadbeef\n",
		},
	}
	requester := &stubRequester{}
	monitor, err := NewCrashMonitor(transport, requester, 0)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	monitor.Poll(context.Background())
	monitor.Poll(context.Background())

	if requester.requestCount() != 1 {
		t.Fatalf("known coredump must not re-trigger, got %d requests", requester.requestCount())
	}
}

func TestCrashMonitorIgnoresEmptyAndErrorOutput(t *testing.T) {
	transport := &stubTransport{
		serials: []string{"dev-1"},
		output: map[string]string{
			"ls " + coredumpDirectory: "ls: /data/var/lib/systemd/systemd-coredump/: No such file or directory\n",
		},
	}
	requester := &stubRequester{}
	monitor, err := NewCrashMonitor(transport, requester, 0)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	monitor.Poll(context.Background())

	if requester.requestCount() != 0 {
		t.Fatalf("ls error output must not trigger a dump, got %d requests", requester.requestCount())
	}
}

func TestCrashMonitorIgnoresUnrelatedFiles(t *testing.T) {
	transport := &stubTransport{
		serials: []string{"dev-1"},
		output: map[string]string{
			"ls " + coredumpDirectory: "somelog.txt\nreadme\n",
		},
	}
	requester := &stubRequester{}
	monitor, err := NewCrashMonitor(transport, requester, 0)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	monitor.Poll(context.Background())

	if requester.requestCount() != 0 {
		t.Fatalf("non-coredump files must not trigger a dump, got %d requests", requester.requestCount())
	}
}
