// Package proxmox implements the fleet hypervisor interfaces against the
// Proxmox VE HTTP API.
package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/virtfleet/fleet"
)

const defaultPort = "8006"

// Dialer creates Proxmox API clients from endpoint records. It implements
// fleet.Dialer.
type Dialer struct {
	// Timeout bounds each HTTP request. Zero means 30 seconds.
	Timeout time.Duration
}

// Dial validates the endpoint's credentials and returns a connected
// client. A missing auth method is reported as a configuration error so
// the monitor does not count it as an outage. Password auth fetches an
// access ticket up front; token auth is stateless.
func (d *Dialer) Dial(ctx context.Context, ep fleet.Endpoint) (fleet.Hypervisor, error) {
	if ep.Address == "" {
		return nil, &fleet.ConfigError{Reason: fmt.Sprintf("endpoint %d has no address", ep.ID)}
	}
	if !ep.Credentials.Configured() {
		return nil, &fleet.ConfigError{Reason: fmt.Sprintf("endpoint %d has no valid authentication configured", ep.ID)}
	}

	timeout := d.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	host := ep.Address
	if !strings.Contains(host, ":") {
		host += ":" + defaultPort
	}

	c := &Client{
		base: fmt.Sprintf("https://%s/api2/json", host),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: !ep.VerifyTLS},
			},
		},
	}

	creds := ep.Credentials
	if creds.TokenName != "" && creds.TokenValue != "" {
		c.authHeader = fmt.Sprintf("PVEAPIToken=%s!%s=%s", creds.User, creds.TokenName, creds.TokenValue)
		return c, nil
	}

	if err := c.login(ctx, creds.User, creds.Password); err != nil {
		return nil, err
	}
	return c, nil
}

// Client is one authenticated Proxmox API connection.
type Client struct {
	base string
	http *http.Client

	// Token auth.
	authHeader string
	// Ticket auth.
	ticket string
	csrf   string
}

func (c *Client) login(ctx context.Context, user, password string) error {
	form := url.Values{}
	form.Set("username", user)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/access/ticket",
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed: %s", resp.Status)
	}

	var envelope struct {
		Data struct {
			Ticket string `json:"ticket"`
			CSRF   string `json:"CSRFPreventionToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	c.ticket = envelope.Data.Ticket
	c.csrf = envelope.Data.CSRF
	return nil
}

// do performs one API request and decodes the "data" envelope into out
// when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}

	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	} else {
		req.AddCookie(&http.Cookie{Name: "PVEAuthCookie", Value: c.ticket})
		if method != http.MethodGet {
			req.Header.Set("CSRFPreventionToken", c.csrf)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return json.Unmarshal(envelope.Data, out)
}

// Ping verifies the API responds.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/version", nil)
}

// ListNodes returns the node names visible through this endpoint.
func (c *Client) ListNodes(ctx context.Context) ([]string, error) {
	var nodes []struct {
		Node string `json:"node"`
	}
	if err := c.do(ctx, http.MethodGet, "/nodes", &nodes); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Node != "" {
			out = append(out, n.Node)
		}
	}
	return out, nil
}

// guest is the shared shape of qemu and lxc listing entries.
type guest struct {
	Vmid     int     `json:"vmid"`
	Name     string  `json:"name"`
	Status   string  `json:"status"`
	Cpus     float64 `json:"cpus"`
	Maxcpu   float64 `json:"maxcpu"`
	Maxmem   int64   `json:"maxmem"`
	Maxdisk  int64   `json:"maxdisk"`
	Template int     `json:"template"`
}

func (g guest) toRemote(node string, kind fleet.InstanceKind) fleet.RemoteInstance {
	cores := int(g.Cpus)
	if cores == 0 {
		cores = int(g.Maxcpu)
	}
	name := g.Name
	if name == "" {
		name = fmt.Sprintf("%s-%d", kind, g.Vmid)
	}
	return fleet.RemoteInstance{
		ID:          g.Vmid,
		Name:        name,
		Node:        node,
		Kind:        kind,
		Status:      g.Status,
		Cores:       cores,
		MemoryBytes: g.Maxmem,
		DiskBytes:   g.Maxdisk,
		IsTemplate:  g.Template == 1,
	}
}

// ListInstances returns every VM and container on every node visible
// through this endpoint. A node whose listing fails is skipped; the
// caller still gets the rest.
func (c *Client) ListInstances(ctx context.Context) ([]fleet.RemoteInstance, error) {
	nodes, err := c.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	var out []fleet.RemoteInstance
	for _, node := range nodes {
		var vms []guest
		if err := c.do(ctx, http.MethodGet, "/nodes/"+node+"/qemu", &vms); err == nil {
			for _, g := range vms {
				out = append(out, g.toRemote(node, fleet.KindVM))
			}
		}
		var cts []guest
		if err := c.do(ctx, http.MethodGet, "/nodes/"+node+"/lxc", &cts); err == nil {
			for _, g := range cts {
				out = append(out, g.toRemote(node, fleet.KindContainer))
			}
		}
	}
	return out, nil
}

// InstanceStats samples current resource usage for one instance.
func (c *Client) InstanceStats(ctx context.Context, node string, id int, kind fleet.InstanceKind) (fleet.InstanceStats, error) {
	var current struct {
		CPU     float64 `json:"cpu"`
		Mem     int64   `json:"mem"`
		Maxmem  int64   `json:"maxmem"`
		Disk    int64   `json:"disk"`
		Maxdisk int64   `json:"maxdisk"`
	}
	path := fmt.Sprintf("/nodes/%s/%s/%d/status/current", node, typePath(kind), id)
	if err := c.do(ctx, http.MethodGet, path, &current); err != nil {
		return fleet.InstanceStats{}, err
	}
	return fleet.InstanceStats{
		CPU:            current.CPU,
		MemoryBytes:    current.Mem,
		MaxMemoryBytes: current.Maxmem,
		DiskBytes:      current.Disk,
		MaxDiskBytes:   current.Maxdisk,
	}, nil
}

func (c *Client) Start(ctx context.Context, node string, id int, kind fleet.InstanceKind) error {
	return c.statusAction(ctx, node, id, kind, "start")
}

func (c *Client) Stop(ctx context.Context, node string, id int, kind fleet.InstanceKind) error {
	return c.statusAction(ctx, node, id, kind, "stop")
}

func (c *Client) Shutdown(ctx context.Context, node string, id int, kind fleet.InstanceKind) error {
	return c.statusAction(ctx, node, id, kind, "shutdown")
}

func (c *Client) Restart(ctx context.Context, node string, id int, kind fleet.InstanceKind) error {
	return c.statusAction(ctx, node, id, kind, "reboot")
}

func (c *Client) Delete(ctx context.Context, node string, id int, kind fleet.InstanceKind) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/nodes/%s/%s/%d", node, typePath(kind), id), nil)
}

func (c *Client) statusAction(ctx context.Context, node string, id int, kind fleet.InstanceKind, action string) error {
	path := fmt.Sprintf("/nodes/%s/%s/%d/status/%s", node, typePath(kind), id, action)
	return c.do(ctx, http.MethodPost, path, nil)
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func typePath(kind fleet.InstanceKind) string {
	if kind == fleet.KindContainer {
		return "lxc"
	}
	return "qemu"
}
