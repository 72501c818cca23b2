package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(st Store, d Dialer, rel AddressReleaser) *Reconciler {
	return NewReconciler(st, d, rel, testLogger(), nil, time.Second)
}

func seedEndpoints(t *testing.T, st Store, eps ...Endpoint) {
	t.Helper()
	for _, ep := range eps {
		require.NoError(t, st.SaveEndpoint(context.Background(), ep))
	}
}

func TestReconcileClusterDedup(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedEndpoints(t, st, mustEndpoint(1, "pve1"), mustEndpoint(2, "pve2"))

	// Both endpoints are members of the same two-node cluster and both
	// report VM 101; only the first report may land, under group 1.
	shared := []RemoteInstance{
		{ID: 101, Name: "web", Node: "pve1", Kind: KindVM, Status: StatusRunning},
	}
	d := newFakeDialer()
	d.hypervisors[1] = &fakeHypervisor{nodes: []string{"pve1", "pve2"}, instances: shared}
	d.hypervisors[2] = &fakeHypervisor{nodes: []string{"pve1", "pve2"}, instances: shared}

	r := newTestReconciler(st, d, nil)
	require.NoError(t, r.Reconcile(ctx))

	rows, err := st.ListInstances(ctx, InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].GroupID)
	assert.Equal(t, 101, rows[0].InstanceID)
	assert.Equal(t, "web", rows[0].Name)
}

func TestReconcileFirstEndpointWins(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedEndpoints(t, st, mustEndpoint(1, "pve1"), mustEndpoint(2, "pve2"))

	// Both cluster members report VM 100 but disagree on its fields
	// (endpoint 2 holds a stale view). The lowest endpoint ID is
	// processed first and its report wins.
	d := newFakeDialer()
	d.hypervisors[1] = &fakeHypervisor{nodes: []string{"pve1", "pve2"}, instances: []RemoteInstance{
		{ID: 100, Name: "app", Node: "pve1", Kind: KindVM, Status: StatusRunning, Cores: 4},
	}}
	d.hypervisors[2] = &fakeHypervisor{nodes: []string{"pve1", "pve2"}, instances: []RemoteInstance{
		{ID: 100, Name: "app-old", Node: "pve2", Kind: KindVM, Status: StatusStopped, Cores: 2},
	}}

	rel := &recordingReleaser{}
	r := newTestReconciler(st, d, rel)
	require.NoError(t, r.Reconcile(ctx))

	rows, err := st.ListInstances(ctx, InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, InstanceKey{GroupID: 1, InstanceID: 100}, rows[0].Key())
	assert.Equal(t, "app", rows[0].Name)
	assert.Equal(t, "pve1", rows[0].Node)
	assert.Equal(t, StatusRunning, rows[0].Status)
	assert.Equal(t, 4, rows[0].Cores)

	// The VM vanishes from both members: exactly one row is marked and
	// its address released once.
	d.hypervisors[1].instances = nil
	d.hypervisors[2].instances = nil
	require.NoError(t, r.Reconcile(ctx))

	all, err := st.ListInstances(ctx, InstanceFilter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Deleted())
	assert.Equal(t, []InstanceKey{{GroupID: 1, InstanceID: 100}}, rel.released())
}

func TestReconcileStandaloneSameID(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedEndpoints(t, st, mustEndpoint(1, "pve1"), mustEndpoint(2, "pve2"))

	// Two standalone hosts with the same VMID stay distinct rows.
	d := newFakeDialer()
	d.hypervisors[1] = &fakeHypervisor{nodes: []string{"pve1"}, instances: []RemoteInstance{
		{ID: 100, Name: "a", Node: "pve1", Kind: KindVM, Status: StatusRunning},
	}}
	d.hypervisors[2] = &fakeHypervisor{nodes: []string{"pve2"}, instances: []RemoteInstance{
		{ID: 100, Name: "b", Node: "pve2", Kind: KindVM, Status: StatusStopped},
	}}

	r := newTestReconciler(st, d, nil)
	require.NoError(t, r.Reconcile(ctx))

	rows, err := st.ListInstances(ctx, InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, InstanceKey{GroupID: 1, InstanceID: 100}, rows[0].Key())
	assert.Equal(t, InstanceKey{GroupID: 2, InstanceID: 100}, rows[1].Key())
}

func TestReconcileSkipsTemplates(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedEndpoints(t, st, mustEndpoint(1, "pve1"))

	d := newFakeDialer()
	d.hypervisors[1] = &fakeHypervisor{nodes: []string{"pve1"}, instances: []RemoteInstance{
		{ID: 100, Name: "vm", Node: "pve1", Kind: KindVM, Status: StatusRunning},
		{ID: 900, Name: "tmpl", Node: "pve1", Kind: KindVM, Status: StatusStopped, IsTemplate: true},
	}}

	r := newTestReconciler(st, d, nil)
	require.NoError(t, r.Reconcile(ctx))

	rows, err := st.ListInstances(ctx, InstanceFilter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 100, rows[0].InstanceID)
}

func TestReconcileSoftDeleteAndRelease(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedEndpoints(t, st, mustEndpoint(1, "pve1"))

	d := newFakeDialer()
	h := &fakeHypervisor{nodes: []string{"pve1"}, instances: []RemoteInstance{
		{ID: 100, Name: "keep", Node: "pve1", Kind: KindVM, Status: StatusRunning},
		{ID: 101, Name: "gone", Node: "pve1", Kind: KindVM, Status: StatusRunning},
	}}
	d.hypervisors[1] = h

	rel := &recordingReleaser{}
	r := newTestReconciler(st, d, rel)
	require.NoError(t, r.Reconcile(ctx))

	// VM 101 disappears from the live inventory.
	h.instances = h.instances[:1]
	require.NoError(t, r.Reconcile(ctx))

	rows, err := st.ListInstances(ctx, InstanceFilter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	gone, err := st.GetInstance(ctx, InstanceKey{GroupID: 1, InstanceID: 101})
	require.NoError(t, err)
	assert.True(t, gone.Deleted())
	assert.Equal(t, []InstanceKey{{GroupID: 1, InstanceID: 101}}, rel.released())

	// The row stays soft-deleted on later cycles and the address is not
	// released again.
	require.NoError(t, r.Reconcile(ctx))
	assert.Len(t, rel.released(), 1)

	// Visible listing excludes the deleted row.
	visible, err := st.ListInstances(ctx, InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, 100, visible[0].InstanceID)
}

func TestReconcileResurrection(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedEndpoints(t, st, mustEndpoint(1, "pve1"))

	d := newFakeDialer()
	h := &fakeHypervisor{nodes: []string{"pve1"}, instances: []RemoteInstance{
		{ID: 100, Name: "vm", Node: "pve1", Kind: KindVM, Status: StatusRunning},
	}}
	d.hypervisors[1] = h

	r := newTestReconciler(st, d, nil)
	require.NoError(t, r.Reconcile(ctx))

	h.instances = nil
	require.NoError(t, r.Reconcile(ctx))
	row, err := st.GetInstance(ctx, InstanceKey{GroupID: 1, InstanceID: 100})
	require.NoError(t, err)
	require.True(t, row.Deleted())

	// The instance reappears; the fresh upsert clears the mark.
	h.instances = []RemoteInstance{{ID: 100, Name: "vm", Node: "pve1", Kind: KindVM, Status: StatusRunning}}
	require.NoError(t, r.Reconcile(ctx))

	row, err = st.GetInstance(ctx, InstanceKey{GroupID: 1, InstanceID: 100})
	require.NoError(t, err)
	assert.False(t, row.Deleted())
}

func TestReconcileUnreachableEndpointUntouched(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedEndpoints(t, st, mustEndpoint(1, "pve1"))

	d := newFakeDialer()
	h := &fakeHypervisor{nodes: []string{"pve1"}, instances: []RemoteInstance{
		{ID: 100, Name: "vm", Node: "pve1", Kind: KindVM, Status: StatusRunning},
	}}
	d.hypervisors[1] = h

	rel := &recordingReleaser{}
	r := newTestReconciler(st, d, rel)
	require.NoError(t, r.Reconcile(ctx))

	// The endpoint becomes unreachable. Its cached rows must survive.
	d.dialErr[1] = errors.New("connection refused")
	require.NoError(t, r.Reconcile(ctx))

	row, err := st.GetInstance(ctx, InstanceKey{GroupID: 1, InstanceID: 100})
	require.NoError(t, err)
	assert.False(t, row.Deleted())
	assert.Empty(t, rel.released())
}

func TestReconcileFetchFailureDoesNotSweepGroup(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedEndpoints(t, st, mustEndpoint(1, "pve1"))

	d := newFakeDialer()
	h := &fakeHypervisor{nodes: []string{"pve1"}, instances: []RemoteInstance{
		{ID: 100, Name: "vm", Node: "pve1", Kind: KindVM, Status: StatusRunning},
	}}
	d.hypervisors[1] = h

	r := newTestReconciler(st, d, nil)
	require.NoError(t, r.Reconcile(ctx))

	// Listing fails mid-cycle: the group is not connectable this cycle,
	// so nothing may be soft-deleted.
	h.listErr = errors.New("timeout")
	require.NoError(t, r.Reconcile(ctx))

	row, err := st.GetInstance(ctx, InstanceKey{GroupID: 1, InstanceID: 100})
	require.NoError(t, err)
	assert.False(t, row.Deleted())
}

func TestReconcilePartialClusterVisibility(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedEndpoints(t, st, mustEndpoint(1, "pve1"), mustEndpoint(2, "pve2"))

	d := newFakeDialer()
	d.hypervisors[1] = &fakeHypervisor{nodes: []string{"pve1", "pve2"}, instances: []RemoteInstance{
		{ID: 101, Name: "a", Node: "pve1", Kind: KindVM, Status: StatusRunning},
	}}
	d.hypervisors[2] = &fakeHypervisor{nodes: []string{"pve1", "pve2"}, instances: []RemoteInstance{
		{ID: 101, Name: "a", Node: "pve1", Kind: KindVM, Status: StatusRunning},
		{ID: 102, Name: "b", Node: "pve2", Kind: KindVM, Status: StatusRunning},
	}}

	r := newTestReconciler(st, d, nil)
	require.NoError(t, r.Reconcile(ctx))

	// Endpoint 1 goes dark. Endpoint 2 still covers the whole cluster,
	// so both rows stay and nothing is deleted.
	d.dialErr[1] = errors.New("down")
	require.NoError(t, r.Reconcile(ctx))

	rows, err := st.ListInstances(ctx, InstanceFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestReconcilePreservesOwner(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedEndpoints(t, st, mustEndpoint(1, "pve1"))

	d := newFakeDialer()
	d.hypervisors[1] = &fakeHypervisor{nodes: []string{"pve1"}, instances: []RemoteInstance{
		{ID: 100, Name: "vm", Node: "pve1", Kind: KindVM, Status: StatusRunning},
	}}

	r := newTestReconciler(st, d, nil)
	require.NoError(t, r.Reconcile(ctx))

	row, err := st.GetInstance(ctx, InstanceKey{GroupID: 1, InstanceID: 100})
	require.NoError(t, err)
	row.Owner = "alice"
	require.NoError(t, st.UpsertInstance(ctx, row))

	require.NoError(t, r.Reconcile(ctx))

	row, err = st.GetInstance(ctx, InstanceKey{GroupID: 1, InstanceID: 100})
	require.NoError(t, err)
	assert.Equal(t, "alice", row.Owner)
}

func TestReconcileNoEndpoints(t *testing.T) {
	r := newTestReconciler(NewMemoryStore(), newFakeDialer(), nil)
	require.NoError(t, r.Reconcile(context.Background()))
}

func TestReconcileIdempotent(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	seedEndpoints(t, st, mustEndpoint(1, "pve1"), mustEndpoint(2, "pve2"))

	shared := []RemoteInstance{
		{ID: 101, Name: "a", Node: "pve1", Kind: KindVM, Status: StatusRunning},
		{ID: 102, Name: "b", Node: "pve2", Kind: KindContainer, Status: StatusStopped},
	}
	d := newFakeDialer()
	d.hypervisors[1] = &fakeHypervisor{nodes: []string{"pve1", "pve2"}, instances: shared}
	d.hypervisors[2] = &fakeHypervisor{nodes: []string{"pve1", "pve2"}, instances: shared}

	r := newTestReconciler(st, d, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Reconcile(ctx))
		rows, err := st.ListInstances(ctx, InstanceFilter{})
		require.NoError(t, err)
		require.Len(t, rows, 2)
	}
}
