package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/docker/go-units"
)

// UserDirectory resolves alert recipients. Endpoint availability alerts
// go to admins; instance state and resource alerts go to all active
// users.
type UserDirectory interface {
	AdminUserIDs(ctx context.Context) ([]int64, error)
	ActiveUserIDs(ctx context.Context) ([]int64, error)
}

// StaticUserDirectory is a UserDirectory with fixed recipient lists.
type StaticUserDirectory struct {
	Admins []int64
	Active []int64
}

func (d StaticUserDirectory) AdminUserIDs(ctx context.Context) ([]int64, error) {
	return d.Admins, nil
}

func (d StaticUserDirectory) ActiveUserIDs(ctx context.Context) ([]int64, error) {
	return d.Active, nil
}

// AlertState is the process-local cooldown and last-known-state memory of
// the monitor. It is constructed once per process and injected; losing it
// on restart only means the next transition alerts immediately.
type AlertState struct {
	mu sync.Mutex

	endpointOnline  map[int64]bool
	endpointAlertAt map[int64]time.Time
	instanceStatus  map[InstanceKey]string
	resourceAlertAt map[string]time.Time
}

// NewAlertState creates an empty alert state.
func NewAlertState() *AlertState {
	return &AlertState{
		endpointOnline:  make(map[int64]bool),
		endpointAlertAt: make(map[int64]time.Time),
		instanceStatus:  make(map[InstanceKey]string),
		resourceAlertAt: make(map[string]time.Time),
	}
}

// lastEndpointOnline returns the last observed state for the endpoint. An
// endpoint never seen before counts as online so its first offline
// observation is a fresh transition.
func (a *AlertState) lastEndpointOnline(id int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	online, ok := a.endpointOnline[id]
	if !ok {
		return true
	}
	return online
}

func (a *AlertState) setEndpointOnline(id int64, online bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.endpointOnline[id] = online
}

// shouldEndpointAlert applies the repeat cooldown and, when it grants the
// alert, records now as the last alert time.
func (a *AlertState) shouldEndpointAlert(id int64, now time.Time, cooldown time.Duration, fresh bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	last, ok := a.endpointAlertAt[id]
	if !fresh && ok && now.Sub(last) < cooldown {
		return false
	}
	a.endpointAlertAt[id] = now
	return true
}

// clearEndpointCooldown forgets the last alert time so a future outage
// alerts right away.
func (a *AlertState) clearEndpointCooldown(id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.endpointAlertAt, id)
}

// swapInstanceStatus records the current status and returns the previous
// one, if any.
func (a *AlertState) swapInstanceStatus(key InstanceKey, status string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev, ok := a.instanceStatus[key]
	a.instanceStatus[key] = status
	return prev, ok
}

// shouldResourceAlert applies the per-(instance,resource) cooldown and,
// when it grants the alert, records now as the last alert time.
func (a *AlertState) shouldResourceAlert(key string, now time.Time, cooldown time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if last, ok := a.resourceAlertAt[key]; ok && now.Sub(last) < cooldown {
		return false
	}
	a.resourceAlertAt[key] = now
	return true
}

// Monitor tracks endpoint availability and instance state, applying
// cooldowns so transient flaps do not spam operators.
type Monitor struct {
	store    Store
	dialer   Dialer
	notifier Notifier
	users    UserDirectory
	state    *AlertState
	logger   *slog.Logger
	metrics  *Metrics

	endpointCooldown time.Duration
	resourceCooldown time.Duration
	cpuThreshold     float64
	memoryThreshold  float64
	diskThreshold    float64
	dialTimeout      time.Duration

	now func() time.Time
}

// NewMonitor creates a monitor from the engine config.
func NewMonitor(cfg Config, store Store, dialer Dialer, notifier Notifier, users UserDirectory, state *AlertState, metrics *Metrics) *Monitor {
	cfg.applyDefaults()
	if state == nil {
		state = NewAlertState()
	}
	return &Monitor{
		store:            store,
		dialer:           dialer,
		notifier:         notifier,
		users:            users,
		state:            state,
		logger:           cfg.Logger.With("component", "monitor"),
		metrics:          metrics,
		endpointCooldown: cfg.EndpointAlertCooldown,
		resourceCooldown: cfg.ResourceAlertCooldown,
		cpuThreshold:     cfg.CPUThresholdPercent,
		memoryThreshold:  cfg.MemoryThresholdPercent,
		diskThreshold:    cfg.DiskThresholdPercent,
		dialTimeout:      cfg.DialTimeout,
		now:              time.Now,
	}
}

// CheckEndpoints runs one availability pass over all endpoints, driving
// the online/offline state machine. Going offline alerts admins on the
// fresh transition and then at most once per cooldown window; coming back
// online notifies immediately, once, and resets the cooldown clock. A
// configuration error is logged but does not flip the endpoint offline.
func (m *Monitor) CheckEndpoints(ctx context.Context) error {
	admins, err := m.users.AdminUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve admin users: %w", err)
	}

	endpoints, err := m.store.ListEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to list endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		m.logger.Debug("no endpoints configured")
		return nil
	}

	for _, ep := range endpoints {
		m.checkEndpoint(ctx, ep, admins)
	}
	return nil
}

func (m *Monitor) checkEndpoint(ctx context.Context, ep Endpoint, admins []int64) {
	now := m.now()

	h, err := m.dial(ctx, ep)
	if err != nil {
		if IsConfigError(err) {
			// Misconfigured, not necessarily unreachable. No state change.
			m.logger.Warn("endpoint configuration error", "endpoint", ep.Name, "error", err)
			return
		}
		m.markOffline(ctx, ep, err, admins, now)
		return
	}
	defer h.Close()

	if err := h.Ping(ctx); err != nil {
		m.markOffline(ctx, ep, err, admins, now)
		return
	}

	m.markOnline(ctx, ep, admins, now)
}

func (m *Monitor) markOffline(ctx context.Context, ep Endpoint, cause error, admins []int64, now time.Time) {
	if err := m.store.SetEndpointHealth(ctx, ep.ID, false, truncate(cause.Error(), 500), now); err != nil {
		m.logger.Error("failed to persist endpoint health", "endpoint", ep.Name, "error", err)
	}
	m.metrics.setEndpointOnline(ep.Name, false)

	fresh := m.state.lastEndpointOnline(ep.ID)
	m.state.setEndpointOnline(ep.ID, false)

	if !m.state.shouldEndpointAlert(ep.ID, now, m.endpointCooldown, fresh) {
		// Still offline inside the cooldown window; suppressed, state
		// already updated above.
		return
	}

	if fresh {
		m.logger.Warn("endpoint went offline", "endpoint", ep.Name, "error", cause)
	} else {
		m.logger.Warn("endpoint still offline, repeat alert", "endpoint", ep.Name, "error", cause)
	}

	n := Notification{
		Type:    "system",
		Level:   LevelCritical,
		Title:   fmt.Sprintf("Server %s is offline", ep.Name),
		Message: fmt.Sprintf("Server %s (%s) is unreachable: %s", ep.Name, ep.Address, truncate(cause.Error(), 200)),
		Data: EndpointDownData{
			EndpointID: ep.ID,
			Name:       ep.Name,
			Address:    ep.Address,
			Error:      cause.Error(),
		},
		Source:   "monitor",
		SourceID: fmt.Sprintf("%d", ep.ID),
	}
	m.fanout(ctx, admins, n)
}

func (m *Monitor) markOnline(ctx context.Context, ep Endpoint, admins []int64, now time.Time) {
	if err := m.store.SetEndpointHealth(ctx, ep.ID, true, "", now); err != nil {
		m.logger.Error("failed to persist endpoint health", "endpoint", ep.Name, "error", err)
	}
	m.metrics.setEndpointOnline(ep.Name, true)

	wasOffline := !m.state.lastEndpointOnline(ep.ID)
	m.state.setEndpointOnline(ep.ID, true)
	if !wasOffline {
		return
	}

	// Recovery edge: notify once, immediately, and reset the cooldown so
	// the next outage alerts right away.
	m.state.clearEndpointCooldown(ep.ID)
	m.logger.Info("endpoint back online", "endpoint", ep.Name)

	n := Notification{
		Type:    "system",
		Level:   LevelSuccess,
		Title:   fmt.Sprintf("Server %s is back online", ep.Name),
		Message: fmt.Sprintf("Server %s (%s) is reachable again", ep.Name, ep.Address),
		Data: EndpointUpData{
			EndpointID: ep.ID,
			Name:       ep.Name,
			Address:    ep.Address,
		},
		Source:   "monitor",
		SourceID: fmt.Sprintf("%d", ep.ID),
		Force:    true,
	}
	m.fanout(ctx, admins, n)
}

// DiffInstances compares each cached instance's status against the value
// from the previous pass and notifies active users on every change.
// running to stopped is a warning, stopped to running a success, anything
// else informational. The first observation of an instance is recorded
// silently.
func (m *Monitor) DiffInstances(ctx context.Context) error {
	users, err := m.users.ActiveUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve active users: %w", err)
	}

	rows, err := m.store.ListInstances(ctx, InstanceFilter{})
	if err != nil {
		return fmt.Errorf("failed to list cached instances: %w", err)
	}

	for _, inst := range rows {
		prev, known := m.state.swapInstanceStatus(inst.Key(), inst.Status)
		if !known || prev == inst.Status {
			continue
		}

		level := LevelInfo
		switch {
		case prev == StatusRunning && inst.Status == StatusStopped:
			level = LevelWarning
		case prev == StatusStopped && inst.Status == StatusRunning:
			level = LevelSuccess
		}
		m.logger.Info("instance status changed",
			"name", inst.Name, "key", inst.Key(), "from", prev, "to", inst.Status)

		n := Notification{
			Type:    "system",
			Level:   level,
			Title:   fmt.Sprintf("%s changed state", inst.Name),
			Message: fmt.Sprintf("%s (%d) went from %s to %s", inst.Name, inst.InstanceID, prev, inst.Status),
			Data: InstanceStateData{
				GroupID:    inst.GroupID,
				InstanceID: inst.InstanceID,
				Name:       inst.Name,
				From:       prev,
				To:         inst.Status,
			},
			Source:   "monitor",
			SourceID: inst.Key().String(),
		}
		m.fanout(ctx, users, n)
	}
	return nil
}

// SweepResources samples resource usage for running instances and alerts
// when CPU, memory or disk usage crosses its threshold. Each
// (instance, resource) pair has an independent repeat cooldown.
func (m *Monitor) SweepResources(ctx context.Context) error {
	users, err := m.users.ActiveUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve active users: %w", err)
	}

	endpoints, err := m.store.ListEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to list endpoints: %w", err)
	}

	for _, ep := range endpoints {
		h, err := m.dial(ctx, ep)
		if err != nil {
			m.logger.Debug("skipping resource sweep for endpoint", "endpoint", ep.Name, "error", err)
			continue
		}

		list, err := h.ListInstances(ctx)
		if err != nil {
			m.logger.Debug("inventory fetch failed during resource sweep", "endpoint", ep.Name, "error", err)
			h.Close()
			continue
		}

		for _, ri := range list {
			if ri.IsTemplate || ri.Status != StatusRunning {
				continue
			}

			stats, err := h.InstanceStats(ctx, ri.Node, ri.ID, ri.Kind)
			if err != nil {
				m.logger.Debug("stats fetch failed", "endpoint", ep.Name, "instance", ri.ID, "error", err)
				continue
			}
			m.checkThresholds(ctx, ep, ri, stats, users)
		}
		h.Close()
	}
	return nil
}

func (m *Monitor) checkThresholds(ctx context.Context, ep Endpoint, ri RemoteInstance, stats InstanceStats, users []int64) {
	if pct := stats.CPU * 100; pct > m.cpuThreshold {
		m.resourceAlert(ctx, ep, ri, "cpu", pct, m.cpuThreshold,
			fmt.Sprintf("CPU usage on %s is %.1f%% (threshold %.0f%%)", ri.Name, pct, m.cpuThreshold), users)
	}
	if stats.MaxMemoryBytes > 0 {
		if pct := float64(stats.MemoryBytes) / float64(stats.MaxMemoryBytes) * 100; pct > m.memoryThreshold {
			m.resourceAlert(ctx, ep, ri, "memory", pct, m.memoryThreshold,
				fmt.Sprintf("Memory usage on %s is %.1f%% (%s of %s)", ri.Name, pct,
					units.BytesSize(float64(stats.MemoryBytes)), units.BytesSize(float64(stats.MaxMemoryBytes))), users)
		}
	}
	if stats.MaxDiskBytes > 0 {
		if pct := float64(stats.DiskBytes) / float64(stats.MaxDiskBytes) * 100; pct > m.diskThreshold {
			m.resourceAlert(ctx, ep, ri, "disk", pct, m.diskThreshold,
				fmt.Sprintf("Disk usage on %s is %.1f%% (%s of %s)", ri.Name, pct,
					units.BytesSize(float64(stats.DiskBytes)), units.BytesSize(float64(stats.MaxDiskBytes))), users)
		}
	}
}

func (m *Monitor) resourceAlert(ctx context.Context, ep Endpoint, ri RemoteInstance, resource string, pct, threshold float64, message string, users []int64) {
	key := fmt.Sprintf("%d:%d:%s", ep.ID, ri.ID, resource)
	if !m.state.shouldResourceAlert(key, m.now(), m.resourceCooldown) {
		return
	}
	m.logger.Warn("resource threshold exceeded",
		"endpoint", ep.Name, "instance", ri.ID, "resource", resource, "percent", pct)

	n := Notification{
		Type:    "system",
		Level:   LevelWarning,
		Title:   fmt.Sprintf("High %s usage on %s", resource, ri.Name),
		Message: message,
		Data: ResourceAlertData{
			EndpointID:   ep.ID,
			InstanceID:   ri.ID,
			Name:         ri.Name,
			Resource:     resource,
			UsagePercent: pct,
			Threshold:    threshold,
		},
		Source:   "monitor",
		SourceID: key,
	}
	m.fanout(ctx, users, n)
}

// fanout delivers one notification to every recipient, counting and
// logging failures without aborting.
func (m *Monitor) fanout(ctx context.Context, userIDs []int64, n Notification) {
	for _, id := range userIDs {
		n.UserID = id
		if err := m.notifier.Deliver(ctx, n); err != nil {
			m.logger.Error("notification delivery failed", "user", id, "error", err)
			continue
		}
		m.metrics.addNotification(n.Level)
	}
}

func (m *Monitor) dial(ctx context.Context, ep Endpoint) (Hypervisor, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()
	return m.dialer.Dial(dialCtx, ep)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
