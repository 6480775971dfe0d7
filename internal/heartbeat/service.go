// ABOUTME: Heartbeat service: records node reports and derives online/offline status
// ABOUTME: A node is offline when it said so or when its last report is older than the staleness window

package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// ErrInvalidReport is returned for reports without a node name.
var ErrInvalidReport = errors.New("heartbeat requires a name")

// NodeStatus is a node with its derived status.
type NodeStatus struct {
	Name     string    `json:"name"`
	Hostname string    `json:"hostname"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
	Age      float64   `json:"ageSeconds"`
}

// View is the GET /heartbeat response.
type View struct {
	Nodes   []NodeStatus `json:"nodes"`
	Online  int          `json:"online"`
	Offline int          `json:"offline"`
}

// Service stores heartbeats and reports liveness.
type Service struct {
	store        store.Store
	offlineAfter time.Duration
	now          func() time.Time
}

// NewService creates a heartbeat service.
func NewService(s store.Store, offlineAfter time.Duration) *Service {
	return &Service{store: s, offlineAfter: offlineAfter, now: time.Now}
}

// Record upserts a node. An empty status means online.
func (s *Service) Record(ctx context.Context, r Report) (*store.Node, error) {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return nil, ErrInvalidReport
	}
	status := r.Status
	if status != store.NodeOffline {
		status = store.NodeOnline
	}
	hostname := r.Hostname
	if hostname == "" {
		hostname = name
	}

	node := &store.Node{Name: name, Hostname: hostname, Status: status, LastSeen: s.now().UTC()}
	if err := s.store.UpsertNode(ctx, node); err != nil {
		return nil, fmt.Errorf("recording heartbeat: %w", err)
	}
	return node, nil
}

// Snapshot lists every node with derived status.
func (s *Service) Snapshot(ctx context.Context) (*View, error) {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}

	now := s.now()
	view := &View{Nodes: make([]NodeStatus, 0, len(nodes))}
	for _, n := range nodes {
		age := now.Sub(n.LastSeen)
		status := store.NodeOnline
		if n.Status == store.NodeOffline || age > s.offlineAfter {
			status = store.NodeOffline
		}
		if status == store.NodeOnline {
			view.Online++
		} else {
			view.Offline++
		}
		view.Nodes = append(view.Nodes, NodeStatus{
			Name:     n.Name,
			Hostname: n.Hostname,
			Status:   status,
			LastSeen: n.LastSeen,
			Age:      age.Seconds(),
		})
	}
	return view, nil
}
