package engine

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/graflow/engine/config"
	"github.com/graflow/engine/flow"
	"github.com/graflow/engine/flow/executor"
	"github.com/graflow/engine/flow/types"
	"github.com/graflow/engine/policy"
	"github.com/graflow/engine/registry"
)

func newTestEngine(t *testing.T, cfg config.Config, opts Options) *Engine {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	eng, err := NewWithOptions(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("NewWithOptions failed: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func registerTally(t *testing.T, reg *registry.Registry) {
	t.Helper()
	reg.RegisterBuilder("builders/tally", func() executor.Step {
		return executor.StepFunc(func(ctx context.Context, state map[string]any, rt *executor.Runtime) executor.StepResult {
			count, _ := state["count"].(int)
			if count < 2 {
				next := types.CloneState(state)
				next["count"] = count + 1
				return executor.More(next, nil)
			}
			err := rt.Store().Put(ctx, []string{"tally"}, "latest", map[string]any{"count": count}, 0)
			if err != nil {
				return executor.Errored(err)
			}
			return executor.Done(state)
		})
	})
	err := reg.Register(context.Background(), &registry.FlowTypeDescriptor{
		App: "acme", FlowType: "tally", Version: "v1", BuilderRef: "builders/tally",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
}

func TestEngineRunsFlowEndToEnd(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, config.Default(), Options{})
	registerTally(t, eng.Registry())

	created, err := eng.Flows().Create(ctx, flow.CreateRequest{
		App: "acme", FlowType: "tally", InitialState: map[string]any{"count": 0},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	final, err := eng.Flows().Run(ctx, created.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final.Status != types.FlowStatusCompleted {
		t.Fatalf("run ended in %s, want completed", final.Status)
	}
	if got, _ := final.State["count"].(int); got != 2 {
		t.Errorf("final count = %v, want 2", final.State["count"])
	}

	// The step wrote through the runtime's long-term store handle.
	entry, err := eng.LongTerm().Get(ctx, []string{"tally"}, "latest")
	if err != nil {
		t.Fatalf("LongTerm Get failed: %v", err)
	}
	if got, _ := entry.Value["count"].(int); got != 2 {
		t.Errorf("long-term count = %v, want 2", entry.Value["count"])
	}
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.PersistenceBackend = "sqlite"

	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("New with an unknown backend succeeded, want error")
	}
}

func TestEngineMetricsHandler(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, config.Default(), Options{})
	registerTally(t, eng.Registry())

	created, err := eng.Flows().Create(ctx, flow.CreateRequest{
		App: "acme", FlowType: "tally", InitialState: map[string]any{"count": 0},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := eng.Flows().Run(ctx, created.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	rec := httptest.NewRecorder()
	eng.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, line := range []string{
		"graflow_flows_created_total 1",
		`graflow_runs_completed_total{status="completed"} 1`,
		"graflow_checkpoints_written_total 2",
	} {
		if !strings.Contains(body, line) {
			t.Errorf("metrics output missing %q\n%s", line, body)
		}
	}
}

func TestEnginePolicyResolver(t *testing.T) {
	ctx := context.Background()

	strict := newTestEngine(t, config.Default(), Options{})
	res := strict.Policies().ResolvePermission("")
	if res.Policy.Allow(ctx, policy.Principal{}) {
		t.Error("default resolver admitted an anonymous caller")
	}

	open := config.Default()
	open.RequireAuthentication = false
	lax := newTestEngine(t, open, Options{})
	res = lax.Policies().ResolvePermission("")
	if !res.Policy.Allow(ctx, policy.Principal{}) {
		t.Error("unauthenticated-default resolver rejected an anonymous caller")
	}

	custom := policy.NewRegistry()
	custom.RegisterPermission("acme/auth:Agents", func() policy.PermissionPolicy {
		return policy.RequireRole("agent")
	})
	eng := newTestEngine(t, config.Default(), Options{Policies: custom})
	res = eng.Policies().ResolvePermission("acme.auth.Agents")
	if res.FellBack {
		t.Fatalf("custom policy fell back: %s", res.Reason)
	}
	agent := policy.Principal{ID: "u1", Authenticated: true, Roles: []string{"agent"}}
	if !res.Policy.Allow(ctx, agent) {
		t.Error("custom policy rejected an agent")
	}
}
