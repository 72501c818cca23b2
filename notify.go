package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Level is the severity of a notification.
type Level string

const (
	LevelCritical Level = "critical"
	LevelWarning  Level = "warning"
	LevelInfo     Level = "info"
	LevelSuccess  Level = "success"
)

// Notification is one alert addressed to one user. Data carries a tagged
// payload record for the alert kind (EndpointDownData, EndpointUpData,
// InstanceStateData or ResourceAlertData).
type Notification struct {
	UserID   int64  `json:"userId"`
	Type     string `json:"type"`
	Level    Level  `json:"level"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Data     any    `json:"data,omitempty"`
	Source   string `json:"source"`
	SourceID string `json:"sourceId,omitempty"`
	// Force bypasses any delivery-side rate limiting; set on recovery
	// notices so they always go out.
	Force bool `json:"force,omitempty"`
}

// EndpointDownData is the payload of an endpoint-offline alert.
type EndpointDownData struct {
	EndpointID int64  `json:"endpointId"`
	Name       string `json:"name"`
	Address    string `json:"address"`
	Error      string `json:"error"`
}

// EndpointUpData is the payload of an endpoint-recovery notice.
type EndpointUpData struct {
	EndpointID int64  `json:"endpointId"`
	Name       string `json:"name"`
	Address    string `json:"address"`
}

// InstanceStateData is the payload of an instance status-change notice.
type InstanceStateData struct {
	GroupID    int64  `json:"groupId"`
	InstanceID int    `json:"instanceId"`
	Name       string `json:"name"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// ResourceAlertData is the payload of a resource-threshold alert.
type ResourceAlertData struct {
	EndpointID   int64   `json:"endpointId"`
	InstanceID   int     `json:"instanceId"`
	Name         string  `json:"name"`
	Resource     string  `json:"resource"`
	UsagePercent float64 `json:"usagePercent"`
	Threshold    float64 `json:"threshold"`
}

// Notifier delivers notifications to the panel's notification service.
// Delivery failures are logged by callers and never abort the job that
// produced the notification.
type Notifier interface {
	Deliver(ctx context.Context, n Notification) error
}

// NATSNotifier publishes notifications to NATS subjects of the form
// <prefix>.<level>, JSON-encoded. The hosting panel's notification
// service subscribes and fans out to its channels.
type NATSNotifier struct {
	nc     *nats.Conn
	prefix string
}

// NATSNotifierOption configures a NATSNotifier.
type NATSNotifierOption func(*NATSNotifier)

// WithSubjectPrefix overrides the default "fleet.notify" subject prefix.
func WithSubjectPrefix(prefix string) NATSNotifierOption {
	return func(n *NATSNotifier) {
		n.prefix = prefix
	}
}

// NewNATSNotifier creates a notifier publishing on the given connection.
func NewNATSNotifier(nc *nats.Conn, opts ...NATSNotifierOption) *NATSNotifier {
	n := &NATSNotifier{
		nc:     nc,
		prefix: "fleet.notify",
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (p *NATSNotifier) Deliver(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	msg := &nats.Msg{
		Subject: fmt.Sprintf("%s.%s", p.prefix, n.Level),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set("X-Source", n.Source)
	if n.SourceID != "" {
		msg.Header.Set("X-Source-Id", n.SourceID)
	}

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// LogNotifier writes notifications to the log. It is the fallback when no
// delivery backend is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs deliveries.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (l *LogNotifier) Deliver(ctx context.Context, n Notification) error {
	l.logger.Info("notification",
		"user", n.UserID,
		"level", n.Level,
		"title", n.Title,
		"message", n.Message,
		"source", n.Source,
		"sourceId", n.SourceID,
	)
	return nil
}
