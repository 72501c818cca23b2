package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// AddressReleaser returns allocated IP addresses to the panel's address
// pool when a cached instance disappears. Releases are best effort:
// failures are logged by the reconciler and never retried within a cycle.
type AddressReleaser interface {
	ReleaseByInstance(ctx context.Context, groupID int64, instanceID int, actor, reason string) (released bool, ip string, err error)
}

// NoopReleaser is an AddressReleaser that releases nothing.
type NoopReleaser struct{}

func (NoopReleaser) ReleaseByInstance(ctx context.Context, groupID int64, instanceID int, actor, reason string) (bool, string, error) {
	return false, "", nil
}

// Reconciler merges per-endpoint instance snapshots into the cache.
//
// Endpoints are processed in ascending ID order, which makes the
// first-report-wins dedup of instances visible from multiple cluster
// members deterministic. An endpoint that cannot be reached or whose
// inventory fetch fails is skipped wholesale for the cycle; its cached
// rows are left untouched, since absence from an unreachable endpoint
// must never be read as deletion.
type Reconciler struct {
	store    Store
	dialer   Dialer
	releaser AddressReleaser
	logger   *slog.Logger
	metrics  *Metrics

	dialTimeout time.Duration
	now         func() time.Time
}

// NewReconciler creates a reconciler. releaser may be nil.
func NewReconciler(store Store, dialer Dialer, releaser AddressReleaser, logger *slog.Logger, metrics *Metrics, dialTimeout time.Duration) *Reconciler {
	if releaser == nil {
		releaser = NoopReleaser{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	return &Reconciler{
		store:       store,
		dialer:      dialer,
		releaser:    releaser,
		logger:      logger.With("component", "reconciler"),
		metrics:     metrics,
		dialTimeout: dialTimeout,
		now:         time.Now,
	}
}

// Reconcile runs one full reconciliation cycle: fetch inventories,
// detect clusters, dedup, upsert, soft-delete vanished rows and release
// their addresses. Re-running with unchanged live data is a no-op apart
// from sync timestamps.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	endpoints, err := r.store.ListEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to list endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		r.logger.Debug("no endpoints configured, skipping sync")
		return nil
	}

	syncTime := r.now()

	// Connect every endpoint once and collect node sets. A fetch failure
	// leaves the node set empty, which makes the endpoint standalone for
	// this cycle.
	handles := make(map[int64]Hypervisor, len(endpoints))
	nodeSets := make(map[int64][]string, len(endpoints))
	defer func() {
		for _, h := range handles {
			h.Close()
		}
	}()

	for _, ep := range endpoints {
		nodeSets[ep.ID] = nil

		h, err := r.dial(ctx, ep)
		if err != nil {
			if IsConfigError(err) {
				r.logger.Warn("endpoint misconfigured, skipping", "endpoint", ep.Name, "error", err)
			} else {
				r.logger.Debug("endpoint unreachable, skipping", "endpoint", ep.Name, "error", err)
			}
			continue
		}

		nodes, err := h.ListNodes(ctx)
		if err != nil {
			r.logger.Debug("could not fetch node set", "endpoint", ep.Name, "error", err)
			h.Close()
			continue
		}

		handles[ep.ID] = h
		nodeSets[ep.ID] = nodes
	}

	groups := DetectClusters(nodeSets)

	// Per-group seen sets drive both dedup and the soft-delete sweep.
	seen := make(map[int64]map[int]bool)
	connectable := make(map[int64]bool)
	applied := 0

	for _, ep := range endpoints {
		h, ok := handles[ep.ID]
		if !ok {
			continue
		}

		list, err := h.ListInstances(ctx)
		if err != nil {
			// Treated the same as an unreachable endpoint: no rows of
			// its group may be soft-deleted on its account.
			r.logger.Error("inventory fetch failed", "endpoint", ep.Name, "error", err)
			continue
		}

		gid := groups[ep.ID]
		connectable[gid] = true

		set := seen[gid]
		if set == nil {
			set = make(map[int]bool)
			seen[gid] = set
		}

		count := 0
		for _, ri := range list {
			if ri.IsTemplate {
				continue
			}
			if set[ri.ID] {
				// Already reported by an earlier endpoint of the same
				// cluster this cycle; first report wins.
				continue
			}
			set[ri.ID] = true

			if err := r.upsert(ctx, gid, ri, syncTime); err != nil {
				r.logger.Error("upsert failed", "endpoint", ep.Name, "instance", ri.ID, "error", err)
				continue
			}
			applied++
			count++
		}
		r.logger.Debug("collected inventory", "endpoint", ep.Name, "group", gid, "instances", count)
	}

	// Soft-delete rows that belong to a group we could read this cycle
	// but that no member reported.
	rows, err := r.store.ListInstances(ctx, InstanceFilter{})
	if err != nil {
		return fmt.Errorf("failed to list cached instances: %w", err)
	}

	softDeleted := 0
	for _, inst := range rows {
		if !connectable[inst.GroupID] {
			continue
		}
		if seen[inst.GroupID][inst.InstanceID] {
			continue
		}

		marked, err := r.store.SoftDeleteInstance(ctx, inst.Key(), syncTime)
		if err != nil {
			r.logger.Error("soft-delete failed", "key", inst.Key(), "error", err)
			continue
		}
		if !marked {
			continue
		}
		softDeleted++
		r.logger.Info("instance vanished, marked deleted", "name", inst.Name, "key", inst.Key())

		released, ip, err := r.releaser.ReleaseByInstance(ctx, inst.GroupID, inst.InstanceID, "system",
			fmt.Sprintf("instance %s (%d) no longer exists", inst.Name, inst.InstanceID))
		if err != nil {
			r.logger.Warn("address release failed", "key", inst.Key(), "error", err)
		} else if released {
			r.logger.Info("released address for deleted instance", "key", inst.Key(), "ip", ip)
		}
	}

	r.metrics.addApplied(applied)
	r.metrics.addSoftDeleted(softDeleted)
	r.metrics.setInstancesCached(len(rows) - softDeleted)

	r.logger.Info("sync cycle completed", "applied", applied, "softDeleted", softDeleted)
	return nil
}

func (r *Reconciler) dial(ctx context.Context, ep Endpoint) (Hypervisor, error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.dialTimeout)
	defer cancel()
	return r.dialer.Dial(dialCtx, ep)
}

// upsert writes one reported instance into the cache, clearing any
// soft-delete mark and preserving the panel-assigned owner.
func (r *Reconciler) upsert(ctx context.Context, groupID int64, ri RemoteInstance, syncTime time.Time) error {
	key := InstanceKey{GroupID: groupID, InstanceID: ri.ID}

	owner := ""
	if existing, err := r.store.GetInstance(ctx, key); err == nil {
		owner = existing.Owner
	}

	return r.store.UpsertInstance(ctx, Instance{
		GroupID:     groupID,
		InstanceID:  ri.ID,
		Name:        ri.Name,
		Node:        ri.Node,
		Kind:        ri.Kind,
		Status:      ri.Status,
		Cores:       ri.Cores,
		MemoryBytes: ri.MemoryBytes,
		DiskBytes:   ri.DiskBytes,
		Owner:       owner,
		IsTemplate:  ri.IsTemplate,
		LastSyncAt:  syncTime,
	})
}
