package fleet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeHypervisor is a scripted Hypervisor.
type fakeHypervisor struct {
	nodes     []string
	instances []RemoteInstance
	stats     map[int]InstanceStats

	pingErr  error
	nodesErr error
	listErr  error
	statsErr error

	mu        sync.Mutex
	actions   []string
	actionErr map[string]error
	closed    bool
}

func (f *fakeHypervisor) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeHypervisor) ListNodes(ctx context.Context) ([]string, error) {
	if f.nodesErr != nil {
		return nil, f.nodesErr
	}
	return f.nodes, nil
}

func (f *fakeHypervisor) ListInstances(ctx context.Context) ([]RemoteInstance, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.instances, nil
}

func (f *fakeHypervisor) InstanceStats(ctx context.Context, node string, id int, kind InstanceKind) (InstanceStats, error) {
	if f.statsErr != nil {
		return InstanceStats{}, f.statsErr
	}
	return f.stats[id], nil
}

func (f *fakeHypervisor) act(verb string, id int) error {
	key := fmt.Sprintf("%s:%d", verb, id)
	f.mu.Lock()
	f.actions = append(f.actions, key)
	err := f.actionErr[key]
	f.mu.Unlock()
	return err
}

func (f *fakeHypervisor) Start(ctx context.Context, node string, id int, kind InstanceKind) error {
	return f.act("start", id)
}

func (f *fakeHypervisor) Stop(ctx context.Context, node string, id int, kind InstanceKind) error {
	return f.act("stop", id)
}

func (f *fakeHypervisor) Shutdown(ctx context.Context, node string, id int, kind InstanceKind) error {
	return f.act("shutdown", id)
}

func (f *fakeHypervisor) Restart(ctx context.Context, node string, id int, kind InstanceKind) error {
	return f.act("restart", id)
}

func (f *fakeHypervisor) Delete(ctx context.Context, node string, id int, kind InstanceKind) error {
	return f.act("delete", id)
}

func (f *fakeHypervisor) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeHypervisor) actionLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

// fakeDialer hands out scripted hypervisors by endpoint ID.
type fakeDialer struct {
	mu          sync.Mutex
	hypervisors map[int64]*fakeHypervisor
	dialErr     map[int64]error
	dials       map[int64]int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		hypervisors: make(map[int64]*fakeHypervisor),
		dialErr:     make(map[int64]error),
		dials:       make(map[int64]int),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, ep Endpoint) (Hypervisor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials[ep.ID]++
	if err := d.dialErr[ep.ID]; err != nil {
		return nil, err
	}
	h, ok := d.hypervisors[ep.ID]
	if !ok {
		return nil, fmt.Errorf("no hypervisor scripted for endpoint %d", ep.ID)
	}
	return h, nil
}

// recordingNotifier captures delivered notifications.
type recordingNotifier struct {
	mu        sync.Mutex
	delivered []Notification
	err       error
}

func (r *recordingNotifier) Deliver(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.delivered = append(r.delivered, n)
	return nil
}

func (r *recordingNotifier) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.delivered...)
}

func (r *recordingNotifier) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = nil
}

// recordingReleaser captures address release requests.
type recordingReleaser struct {
	mu    sync.Mutex
	calls []InstanceKey
	err   error
}

func (r *recordingReleaser) ReleaseByInstance(ctx context.Context, groupID int64, instanceID int, actor, reason string) (bool, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, "", r.err
	}
	r.calls = append(r.calls, InstanceKey{GroupID: groupID, InstanceID: instanceID})
	return true, "10.0.0.99", nil
}

func (r *recordingReleaser) released() []InstanceKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]InstanceKey(nil), r.calls...)
}

// fixedClock returns a controllable now function.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFixedClock(t time.Time) *fixedClock {
	return &fixedClock{t: t}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func mustEndpoint(id int64, name string) Endpoint {
	return Endpoint{
		ID:      id,
		Name:    name,
		Address: fmt.Sprintf("10.0.0.%d", id),
		Credentials: Credentials{
			User:       "root@pam",
			TokenName:  "fleet",
			TokenValue: "secret",
		},
	}
}
