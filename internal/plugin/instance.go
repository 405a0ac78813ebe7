package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"speakeasy/internal/eventbus"
	"speakeasy/internal/metrics"
)

// Instance is one running plugin: its own wazero runtime, its own linear
// memory, its own capability-scoped host imports. Per spec §5 "Plugin
// Host: each plugin runs in its own task with its own linear-memory
// instance", nothing is shared across instances except the event bus.
type Instance struct {
	Manifest Manifest
	budget   Budget

	runtime wazero.Runtime
	module  api.Module

	state   atomic.Value // State
	reason  atomic.Value // string, populated on StateError

	sub    *eventbus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Load instantiates a plugin's wasm module under its granted capability
// set and starts its event pump if it subscribed to anything.
func Load(ctx context.Context, m Manifest, env HostEnv, budget Budget) (*Instance, error) {
	wasmBytes, err := os.ReadFile(m.WasmPath)
	if err != nil {
		return nil, fmt.Errorf("read plugin bytecode: %w", err)
	}

	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(budget.MaxMemoryPages)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	if _, err := buildHostModule(ctx, rt, env, m.Name, m.Granted); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("build host module for %s: %w", m.Name, err)
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile plugin %s: %w", m.Name, err)
	}

	// A module importing a host function outside its granted set fails
	// to link right here, before it ever reaches StateActive — the
	// linking failure is the "forbidden" surfaced at load time.
	modCfg := wazero.NewModuleConfig().WithName(m.Name).WithStartFunctions("_initialize")
	mod, err := rt.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate plugin %s: %w", m.Name, err)
	}

	inst := &Instance{Manifest: m, budget: budget, runtime: rt, module: mod}
	inst.state.Store(StateLoaded)

	if m.Granted.Has(CapChatRead) || m.Granted.Has(CapAudioRead) {
		var topics []string
		if m.Granted.Has(CapChatRead) {
			topics = append(topics, "chat.*")
		}
		if m.Granted.Has(CapAudioRead) {
			topics = append(topics, "media.*")
		}
		inst.sub = env.Bus.Subscribe(topics...)
		pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		inst.cancel = cancel
		inst.wg.Add(1)
		go inst.pumpEvents(pumpCtx)
	}

	inst.state.Store(StateActive)
	return inst, nil
}

// State reports the plugin's current lifecycle state.
func (inst *Instance) State() State {
	s, _ := inst.state.Load().(State)
	return s
}

// FailureReason returns the reason recorded when the plugin entered
// StateError, empty otherwise.
func (inst *Instance) FailureReason() string {
	r, _ := inst.reason.Load().(string)
	return r
}

// Disable transitions an active plugin to StateDisabled; it can be
// re-enabled via Enable without reloading the module.
func (inst *Instance) Disable() {
	inst.state.Store(StateDisabled)
}

// Enable transitions a disabled plugin back to StateActive.
func (inst *Instance) Enable() {
	if inst.State() == StateDisabled {
		inst.state.Store(StateActive)
	}
}

// fail transitions the plugin to StateError, recording reason; deliver
// calls it when a callback exceeds the call timeout. Reaching the memory
// page limit does not call it.
func (inst *Instance) fail(reason string) {
	inst.reason.Store(reason)
	inst.state.Store(StateError)
	metrics.Default().PluginFaults.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("plugin_id", inst.Manifest.Name)))
}

func (inst *Instance) pumpEvents(ctx context.Context) {
	defer inst.wg.Done()
	for {
		ev, ok := inst.sub.Next(ctx)
		if !ok {
			return
		}
		if inst.State() != StateActive {
			continue
		}
		inst.deliver(ctx, ev)
	}
}

// deliver calls the guest's exported callback for ev's topic family, if
// the guest exports one, under the plugin's call timeout budget.
func (inst *Instance) deliver(ctx context.Context, ev eventbus.Event) {
	fnName := "on_chat_message"
	if len(ev.Topic) >= 6 && ev.Topic[:6] == "media." {
		fnName = "on_audio_frame"
	}
	fn := inst.module.ExportedFunction(fnName)
	if fn == nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, inst.budget.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := fn.Call(callCtx)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			slog.Warn("plugin callback failed", "plugin", inst.Manifest.Name, "fn", fnName, "err", err)
		}
	case <-callCtx.Done():
		inst.fail(fmt.Sprintf("%s exceeded call timeout of %s", fnName, inst.budget.CallTimeout))
	}
}

// Close tears the plugin runtime down, unsubscribing from the event bus
// and closing its wazero runtime (and with it, its linear memory).
func (inst *Instance) Close(ctx context.Context) error {
	if inst.cancel != nil {
		inst.cancel()
	}
	if inst.sub != nil {
		inst.sub.Close()
	}
	inst.wg.Wait()
	return inst.runtime.Close(ctx)
}
