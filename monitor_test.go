package fleet

import (
	"context"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(st Store, d Dialer, notif Notifier, users UserDirectory) (*Monitor, *fixedClock) {
	cfg := Config{Logger: testLogger()}
	m := NewMonitor(cfg, st, d, notif, users, NewAlertState(), nil)
	clock := newFixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m.now = clock.Now
	return m, clock
}

func TestCheckEndpointsOfflineAlertCooldown(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedEndpoints(t, st, mustEndpoint(1, "pve1"))

	d := newFakeDialer()
	d.dialErr[1] = errors.New("connection refused")

	notif := &recordingNotifier{}
	m, clock := newTestMonitor(st, d, notif, StaticUserDirectory{Admins: []int64{7}})

	// Three consecutive failing checks inside the cooldown window produce
	// exactly one alert.
	for i := 0; i < 3; i++ {
		require.NoError(t, m.CheckEndpoints(ctx))
		clock.Advance(time.Minute)
	}

	got := notif.all()
	require.Len(t, got, 1)
	assert.Equal(t, LevelCritical, got[0].Level)
	assert.Equal(t, int64(7), got[0].UserID)
	assert.False(t, got[0].Force)

	// Health is persisted on every check regardless of suppression.
	eps, err := st.ListEndpoints(ctx)
	require.NoError(t, err)
	assert.False(t, eps[0].IsOnline)
	assert.Contains(t, eps[0].LastError, "connection refused")

	// Past the cooldown window a repeat alert goes out.
	clock.Advance(DefaultEndpointAlertCooldown)
	require.NoError(t, m.CheckEndpoints(ctx))
	assert.Len(t, notif.all(), 2)
}

func TestCheckEndpointsRecovery(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedEndpoints(t, st, mustEndpoint(1, "pve1"))

	d := newFakeDialer()
	d.dialErr[1] = errors.New("connection refused")

	notif := &recordingNotifier{}
	m, clock := newTestMonitor(st, d, notif, StaticUserDirectory{Admins: []int64{7}})

	require.NoError(t, m.CheckEndpoints(ctx))
	require.Len(t, notif.all(), 1)

	// Endpoint comes back 30 seconds later: immediate recovery notice,
	// no cooldown applies.
	delete(d.dialErr, 1)
	d.hypervisors[1] = &fakeHypervisor{nodes: []string{"pve1"}}
	clock.Advance(30 * time.Second)
	require.NoError(t, m.CheckEndpoints(ctx))

	got := notif.all()
	require.Len(t, got, 2)
	assert.Equal(t, LevelSuccess, got[1].Level)
	assert.True(t, got[1].Force)

	eps, err := st.ListEndpoints(ctx)
	require.NoError(t, err)
	assert.True(t, eps[0].IsOnline)
	assert.Empty(t, eps[0].LastError)

	// A second online check is silent.
	require.NoError(t, m.CheckEndpoints(ctx))
	assert.Len(t, notif.all(), 2)

	// Recovery reset the cooldown: a fresh outage right after alerts
	// immediately.
	d.dialErr[1] = errors.New("down again")
	clock.Advance(time.Second)
	require.NoError(t, m.CheckEndpoints(ctx))
	got = notif.all()
	require.Len(t, got, 3)
	assert.Equal(t, LevelCritical, got[2].Level)
}

func TestCheckEndpointsPingFailureIsOffline(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedEndpoints(t, st, mustEndpoint(1, "pve1"))

	d := newFakeDialer()
	d.hypervisors[1] = &fakeHypervisor{pingErr: errors.New("api timeout")}

	notif := &recordingNotifier{}
	m, _ := newTestMonitor(st, d, notif, StaticUserDirectory{Admins: []int64{7}})

	require.NoError(t, m.CheckEndpoints(ctx))
	got := notif.all()
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Message, "api timeout")
}

func TestCheckEndpointsConfigErrorNoStateChange(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	ep := mustEndpoint(1, "pve1")
	ep.IsOnline = true
	seedEndpoints(t, st, ep)

	d := newFakeDialer()
	d.dialErr[1] = &ConfigError{Reason: "no credentials"}

	notif := &recordingNotifier{}
	m, _ := newTestMonitor(st, d, notif, StaticUserDirectory{Admins: []int64{7}})

	require.NoError(t, m.CheckEndpoints(ctx))

	// No alert, and the persisted health is untouched.
	assert.Empty(t, notif.all())
	eps, err := st.ListEndpoints(ctx)
	require.NoError(t, err)
	assert.True(t, eps[0].IsOnline)
}

func TestDiffInstances(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	upsert := func(id int, status string) {
		require.NoError(t, st.UpsertInstance(ctx, Instance{
			GroupID: 1, InstanceID: id, Name: "vm", Kind: KindVM, Status: status,
		}))
	}
	upsert(100, StatusRunning)
	upsert(101, StatusStopped)
	upsert(102, StatusRunning)

	notif := &recordingNotifier{}
	m, _ := newTestMonitor(st, newFakeDialer(), notif, StaticUserDirectory{Active: []int64{1, 2}})

	// First pass records baselines silently.
	require.NoError(t, m.DiffInstances(ctx))
	assert.Empty(t, notif.all())

	upsert(100, StatusStopped) // running -> stopped: warning
	upsert(101, StatusRunning) // stopped -> running: success
	require.NoError(t, m.DiffInstances(ctx))

	got := notif.all()
	// Two changes, two recipients each.
	require.Len(t, got, 4)

	levels := map[int]Level{}
	for _, n := range got {
		data := n.Data.(InstanceStateData)
		levels[data.InstanceID] = n.Level
	}
	assert.Equal(t, LevelWarning, levels[100])
	assert.Equal(t, LevelSuccess, levels[101])

	// Unchanged pass is silent.
	notif.reset()
	require.NoError(t, m.DiffInstances(ctx))
	assert.Empty(t, notif.all())
}

func TestDiffInstancesOtherTransitionIsInfo(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	require.NoError(t, st.UpsertInstance(ctx, Instance{
		GroupID: 1, InstanceID: 100, Name: "vm", Kind: KindVM, Status: StatusRunning,
	}))

	notif := &recordingNotifier{}
	m, _ := newTestMonitor(st, newFakeDialer(), notif, StaticUserDirectory{Active: []int64{1}})

	require.NoError(t, m.DiffInstances(ctx))
	require.NoError(t, st.UpsertInstance(ctx, Instance{
		GroupID: 1, InstanceID: 100, Name: "vm", Kind: KindVM, Status: "suspended",
	}))
	require.NoError(t, m.DiffInstances(ctx))

	got := notif.all()
	require.Len(t, got, 1)
	assert.Equal(t, LevelInfo, got[0].Level)
}

func TestSweepResourcesThresholdsAndCooldown(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedEndpoints(t, st, mustEndpoint(1, "pve1"))

	gib := int64(1 << 30)
	d := newFakeDialer()
	d.hypervisors[1] = &fakeHypervisor{
		nodes: []string{"pve1"},
		instances: []RemoteInstance{
			{ID: 100, Name: "hot", Node: "pve1", Kind: KindVM, Status: StatusRunning},
			{ID: 101, Name: "cool", Node: "pve1", Kind: KindVM, Status: StatusRunning},
			{ID: 102, Name: "off", Node: "pve1", Kind: KindVM, Status: StatusStopped},
		},
		stats: map[int]InstanceStats{
			// CPU over, memory over, disk under.
			100: {CPU: 0.95, MemoryBytes: 9 * gib, MaxMemoryBytes: 10 * gib, DiskBytes: 1 * gib, MaxDiskBytes: 10 * gib},
			// Everything comfortably under.
			101: {CPU: 0.10, MemoryBytes: 1 * gib, MaxMemoryBytes: 10 * gib, DiskBytes: 1 * gib, MaxDiskBytes: 10 * gib},
		},
	}

	notif := &recordingNotifier{}
	m, clock := newTestMonitor(st, d, notif, StaticUserDirectory{Active: []int64{1}})

	require.NoError(t, m.SweepResources(ctx))

	got := notif.all()
	require.Len(t, got, 2)
	resources := map[string]bool{}
	for _, n := range got {
		data := n.Data.(ResourceAlertData)
		assert.Equal(t, 100, data.InstanceID)
		assert.Equal(t, LevelWarning, n.Level)
		resources[data.Resource] = true
	}
	assert.True(t, resources["cpu"])
	assert.True(t, resources["memory"])
	assert.False(t, resources["disk"])

	// Within the cooldown window the same breaches stay silent.
	notif.reset()
	clock.Advance(time.Minute)
	require.NoError(t, m.SweepResources(ctx))
	assert.Empty(t, notif.all())

	// Each (instance, resource) cooldown is independent: disk crossing
	// now alerts even though cpu and memory are still suppressed.
	d.hypervisors[1].stats[100] = InstanceStats{
		CPU: 0.95, MemoryBytes: 9 * gib, MaxMemoryBytes: 10 * gib,
		DiskBytes: 19 * gib / 2, MaxDiskBytes: 10 * gib,
	}
	require.NoError(t, m.SweepResources(ctx))
	got = notif.all()
	require.Len(t, got, 1)
	assert.Equal(t, "disk", got[0].Data.(ResourceAlertData).Resource)

	// After the window everything alerts again.
	notif.reset()
	clock.Advance(DefaultResourceAlertCooldown)
	require.NoError(t, m.SweepResources(ctx))
	assert.Len(t, notif.all(), 3)
}

func TestSweepResourcesSkipsUnreachable(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedEndpoints(t, st, mustEndpoint(1, "pve1"))

	d := newFakeDialer()
	d.dialErr[1] = errors.New("down")

	notif := &recordingNotifier{}
	m, _ := newTestMonitor(st, d, notif, StaticUserDirectory{Active: []int64{1}})

	require.NoError(t, m.SweepResources(ctx))
	assert.Empty(t, notif.all())
}

func TestFanoutContinuesPastDeliveryFailure(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedEndpoints(t, st, mustEndpoint(1, "pve1"))

	d := newFakeDialer()
	d.dialErr[1] = errors.New("down")

	notif := &recordingNotifier{err: errors.New("broker unavailable")}
	m, _ := newTestMonitor(st, d, notif, StaticUserDirectory{Admins: []int64{1, 2, 3}})

	// Delivery failures never propagate to the job.
	require.NoError(t, m.CheckEndpoints(ctx))
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abc", 2))

	// Never cut through a multi-byte rune; back off to its start.
	assert.Equal(t, "a", truncate("aé", 2))
	assert.Equal(t, "", truncate("é", 1))
	assert.True(t, utf8.ValidString(truncate("Verbindung zurückgesetzt", 17)))
}
