package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"speakeasy/internal/apperr"
)

// AuditLogger records administrator actions that must appear in the
// audit trail, notably confirming installation of an unsigned plugin
// (spec §4.7).
type AuditLogger interface {
	Audit(ctx context.Context, actor, action, detail string)
}

// Host owns every loaded plugin instance and watches the plugin
// directory for new manifests, grounded on trellis's BinaryWatcher
// (fsnotify.Watcher + debounced event channel processed by one
// goroutine), generalized from binary/config reload to plugin install.
type Host struct {
	dir   string
	env   HostEnv
	audit AuditLogger

	mu      sync.RWMutex
	plugins map[string]*Instance

	watcher *fsnotify.Watcher
	closeCh chan struct{}
	wg      sync.WaitGroup

	allowlist map[string]bool // trusted signer IDs
}

// NewHost creates a Host watching dir for manifest files matching
// *.plugin.json, each naming a sibling .wasm module.
func NewHost(dir string, env HostEnv, audit AuditLogger, trustedSigners []string) (*Host, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plugin directory: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create plugin watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch plugin directory: %w", err)
	}

	allow := make(map[string]bool, len(trustedSigners))
	for _, s := range trustedSigners {
		allow[s] = true
	}

	h := &Host{
		dir:       dir,
		env:       env,
		audit:     audit,
		plugins:   make(map[string]*Instance),
		watcher:   w,
		closeCh:   make(chan struct{}),
		allowlist: allow,
	}
	h.wg.Add(1)
	go h.watchLoop()
	return h, nil
}

func (h *Host) watchLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.closeCh:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".plugin.json") {
				continue
			}
			ctx := context.Background()
			if _, err := h.Install(ctx, "fsnotify", event.Name, false); err != nil {
				slog.Warn("plugin autoload failed", "path", event.Name, "err", err)
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("plugin watcher error", "err", err)
		}
	}
}

// trustLevelOf classifies a manifest by signature presence and signer
// allowlist membership.
func (h *Host) trustLevelOf(m Manifest) TrustLevel {
	if m.Signature == "" {
		return TrustUnsigned
	}
	if h.allowlist[m.Signature] {
		return TrustTrusted
	}
	return TrustSigned
}

// Install loads the manifest at manifestPath, classifies its trust
// level, and grants its requested capability set. Unsigned plugins
// require confirmUnsigned=true and are recorded in the audit log
// regardless (spec §4.7).
func (h *Host) Install(ctx context.Context, actor, manifestPath string, confirmUnsigned bool) (*Instance, error) {
	m, err := ManifestFromFile(manifestPath)
	if err != nil {
		return nil, apperr.New("plugin.install", apperr.BadRequest, err)
	}
	if !filepath.IsAbs(m.WasmPath) {
		m.WasmPath = filepath.Join(filepath.Dir(manifestPath), m.WasmPath)
	}
	m.Trust = h.trustLevelOf(m)

	if m.Trust == TrustUnsigned && !confirmUnsigned {
		return nil, apperr.WithReason("plugin.install", apperr.Forbidden, "unsigned_confirmation_required", nil)
	}
	if m.Trust == TrustUnsigned {
		h.audit.Audit(ctx, actor, "plugin.install.unsigned_confirmed", m.Name)
	}

	m.Granted = NewCapabilitySet(m.Capabilities...)

	inst, err := Load(ctx, m, h.env, DefaultBudget())
	if err != nil {
		return nil, apperr.New("plugin.install", apperr.Internal, err)
	}

	h.mu.Lock()
	if old, exists := h.plugins[m.Name]; exists {
		old.Close(ctx)
	}
	h.plugins[m.Name] = inst
	h.mu.Unlock()

	h.audit.Audit(ctx, actor, "plugin.install", fmt.Sprintf("%s@%s (%s)", m.Name, m.Version, m.Trust))
	return inst, nil
}

// Enable transitions a disabled plugin back to active.
func (h *Host) Enable(name string) error {
	h.mu.RLock()
	inst, ok := h.plugins[name]
	h.mu.RUnlock()
	if !ok {
		return apperr.New("plugin.enable", apperr.NotFound, nil)
	}
	inst.Enable()
	return nil
}

// Disable transitions an active plugin to disabled without unloading it.
func (h *Host) Disable(name string) error {
	h.mu.RLock()
	inst, ok := h.plugins[name]
	h.mu.RUnlock()
	if !ok {
		return apperr.New("plugin.disable", apperr.NotFound, nil)
	}
	inst.Disable()
	return nil
}

// Uninstall stops and removes a plugin entirely.
func (h *Host) Uninstall(ctx context.Context, name string) error {
	h.mu.Lock()
	inst, ok := h.plugins[name]
	delete(h.plugins, name)
	h.mu.Unlock()
	if !ok {
		return apperr.New("plugin.uninstall", apperr.NotFound, nil)
	}
	return inst.Close(ctx)
}

// PluginInfo is the list-view projection of one loaded plugin.
type PluginInfo struct {
	Name    string
	Version string
	Author  string
	Trust   TrustLevel
	State   State
	Reason  string
	Granted []Capability
}

// List returns a snapshot of every loaded plugin.
func (h *Host) List() []PluginInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]PluginInfo, 0, len(h.plugins))
	for _, inst := range h.plugins {
		var granted []Capability
		for _, c := range AllCapabilities {
			if inst.Manifest.Granted.Has(c) {
				granted = append(granted, c)
			}
		}
		out = append(out, PluginInfo{
			Name:    inst.Manifest.Name,
			Version: inst.Manifest.Version,
			Author:  inst.Manifest.Author,
			Trust:   inst.Manifest.Trust,
			State:   inst.State(),
			Reason:  inst.FailureReason(),
			Granted: granted,
		})
	}
	return out
}

// Close tears down the watcher and every loaded plugin.
func (h *Host) Close(ctx context.Context) error {
	close(h.closeCh)
	h.watcher.Close()
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for name, inst := range h.plugins {
		if err := inst.Close(ctx); err != nil {
			slog.Warn("plugin close failed", "plugin", name, "err", err)
		}
	}
	return nil
}
