package policy

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vx-labs/crdt-sync/events"
)

type Profile string

const (
	ProfileFull        Profile = "full"
	ProfileConstrained Profile = "constrained"
	ProfileMinimal     Profile = "minimal"
)

type Connection string

const (
	ConnectionWifi     Connection = "wifi"
	ConnectionEthernet Connection = "ethernet"
	ConnectionCellular Connection = "cellular"
	ConnectionUnknown  Connection = "unknown"
)

var (
	ErrNodeNotRegistered = errors.New("node not registered")
)

// A CapabilityReport is what a peer declares about its runtime at
// connect time.
type CapabilityReport struct {
	HasWorkers      bool       `json:"has_workers"`
	HasSAB          bool       `json:"has_sab"`
	HasWebTransport bool       `json:"has_web_transport"`
	MemoryMB        uint64     `json:"memory_mb"`
	Connection      Connection `json:"connection"`
	Effective       string     `json:"effective"`
}

// A ProfileConfig drives the delivery cadence the session applies to
// one peer.
type ProfileConfig struct {
	UpdateFrequencyMs int  `json:"update_frequency_ms" mapstructure:"update_frequency_ms"`
	BatchEvents       bool `json:"batch_events" mapstructure:"batch_events"`
	DeltaSync         bool `json:"delta_sync" mapstructure:"delta_sync"`
	ServerRender      bool `json:"server_render" mapstructure:"server_render"`
	MaxBatchSize      int  `json:"max_batch_size" mapstructure:"max_batch_size"`
}

var profileConfigs = map[Profile]ProfileConfig{
	ProfileFull: {
		UpdateFrequencyMs: 16,
		BatchEvents:       false,
		DeltaSync:         true,
		ServerRender:      false,
		MaxBatchSize:      1,
	},
	ProfileConstrained: {
		UpdateFrequencyMs: 100,
		BatchEvents:       true,
		DeltaSync:         true,
		ServerRender:      false,
		MaxBatchSize:      10,
	},
	ProfileMinimal: {
		UpdateFrequencyMs: 1000,
		BatchEvents:       true,
		DeltaSync:         false,
		ServerRender:      true,
		MaxBatchSize:      50,
	},
}

var configMtx sync.RWMutex

func Config(profile Profile) ProfileConfig {
	configMtx.RLock()
	defer configMtx.RUnlock()
	return profileConfigs[profile]
}

// OverrideConfig replaces a profile's delivery config. Meant for
// deployment configuration at startup, before peers connect.
func OverrideConfig(profile Profile, config ProfileConfig) {
	configMtx.Lock()
	defer configMtx.Unlock()
	profileConfigs[profile] = config
}

// AssignProfile maps a capability report to a delivery profile.
// Rules apply in order, first match wins.
func AssignProfile(report CapabilityReport) Profile {
	goodLink := report.Connection == ConnectionWifi ||
		report.Connection == ConnectionEthernet ||
		report.Effective == "4g"
	if report.HasWorkers && report.HasSAB && report.MemoryMB >= 2048 && goodLink {
		return ProfileFull
	}
	if report.HasWorkers && report.MemoryMB >= 512 {
		return ProfileConstrained
	}
	return ProfileMinimal
}

type Registration struct {
	NodeID       string
	Report       CapabilityReport
	Profile      Profile
	RegisteredAt time.Time
}

// Table tracks the profile assigned to every connected node.
type Table struct {
	mtx    sync.RWMutex
	nodes  map[string]Registration
	logger *zap.Logger
	bus    *events.Bus
}

func NewTable(logger *zap.Logger, bus *events.Bus) *Table {
	return &Table{
		nodes:  map[string]Registration{},
		logger: logger,
		bus:    bus,
	}
}

func (t *Table) Register(nodeID string, report CapabilityReport) Registration {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	registration := Registration{
		NodeID:       nodeID,
		Report:       report,
		Profile:      AssignProfile(report),
		RegisteredAt: time.Now(),
	}
	t.nodes[nodeID] = registration
	return registration
}

// Update re-derives a node's profile from a fresh report. The change
// is observability-only: sessions keep the config they joined with.
func (t *Table) Update(nodeID string, report CapabilityReport) (Registration, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	current, ok := t.nodes[nodeID]
	if !ok {
		return Registration{}, ErrNodeNotRegistered
	}
	previous := current.Profile
	current.Report = report
	current.Profile = AssignProfile(report)
	t.nodes[nodeID] = current
	if current.Profile != previous {
		t.logger.Info("peer profile updated",
			zap.String("node_id", nodeID),
			zap.String("old_profile", string(previous)),
			zap.String("new_profile", string(current.Profile)))
		t.bus.Emit(events.Event{Key: events.ProfileUpdated, Payload: nodeID})
	}
	return current, nil
}

func (t *Table) Get(nodeID string) (Registration, error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	registration, ok := t.nodes[nodeID]
	if !ok {
		return Registration{}, ErrNodeNotRegistered
	}
	return registration, nil
}

func (t *Table) Unregister(nodeID string) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	delete(t.nodes, nodeID)
}

func (t *Table) Count() int {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return len(t.nodes)
}
