// Package runtime implements §9's "global singletons → dependency-
// injected handles" design note: a single Runtime struct owns every
// shared-resource component (broker, KV store, context propagator,
// metrics registry, tracer, alert manager, tool registry, MCP server)
// instead of the components living as process-wide globals. Top-level
// entry points (cmd/agentfabric) construct one Runtime and thread it
// into the subsystems they drive.
package runtime

import (
	"github.com/sawpanic/agentfabric/internal/alerts"
	"github.com/sawpanic/agentfabric/internal/anomaly"
	"github.com/sawpanic/agentfabric/internal/broker"
	"github.com/sawpanic/agentfabric/internal/clockid"
	"github.com/sawpanic/agentfabric/internal/ctxprop"
	"github.com/sawpanic/agentfabric/internal/kvstore"
	"github.com/sawpanic/agentfabric/internal/mcpproto"
	"github.com/sawpanic/agentfabric/internal/metrics"
	"github.com/sawpanic/agentfabric/internal/tools"
	"github.com/sawpanic/agentfabric/internal/tracing"
)

// Runtime bundles every ACF singleton a component would otherwise
// reach for as a package-level global.
type Runtime struct {
	Clock    clockid.Clock
	Broker   *broker.Broker
	KV       *kvstore.Store
	Contexts *ctxprop.Manager
	Metrics  *metrics.Registry
	Tracer   *tracing.Tracer
	Alerts   *alerts.Manager
	Anomaly  *anomaly.Manager
	Tools    *tools.Registry
	MCP      *mcpproto.Server
}

// Config seeds each owned component's configuration; zero-valued
// fields fall back to each component's own WithDefaults/DefaultConfig
// behavior.
type Config struct {
	Broker     broker.Config
	KVPolicy   kvstore.ConflictPolicy
	Metrics    metrics.Config
	Tracing    tracing.Config
	Rules      alerts.RuleSet
	ServerInfo mcpproto.ServerInfo
}

// New constructs a Runtime with its own clock and every owned
// component wired together (e.g. the alert manager reads from the
// same metrics registry instance it will be asked to evaluate).
func New(cfg Config) *Runtime {
	clock := clockid.SystemClock{}
	if cfg.Tracing == (tracing.Config{}) {
		cfg.Tracing = tracing.DefaultConfig()
	}

	r := &Runtime{
		Clock:    clock,
		Broker:   broker.NewBroker(cfg.Broker, clock),
		KV:       kvstore.NewStore(cfg.KVPolicy, clock),
		Contexts: ctxprop.NewManager(clock),
		Metrics:  metrics.NewRegistry(cfg.Metrics),
		Tracer:   tracing.NewTracer(cfg.Tracing, clock),
		Alerts:   alerts.NewManager(cfg.Rules, clock),
		Anomaly:  anomaly.NewManager(),
		Tools:    tools.NewRegistry(),
	}
	info := cfg.ServerInfo
	if info.Name == "" {
		info = mcpproto.ServerInfo{Name: "agentfabric", Version: "0.1.0"}
	}
	r.MCP = mcpproto.NewServer(info, r.Tools)
	return r
}

// Default returns a Runtime built entirely from each component's own
// defaults, for convenience tests and simple callers (§9's
// "default_runtime() for convenience tests").
func Default() *Runtime {
	return New(Config{
		Rules: alerts.DefaultRuleSet(),
		ServerInfo: mcpproto.ServerInfo{Name: "agentfabric", Version: "0.1.0"},
	})
}
