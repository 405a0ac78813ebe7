package plugin

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"speakeasy/internal/eventbus"
	"speakeasy/internal/metrics"
)

// HostEnv is everything a host function needs to act on Speakeasy state:
// the event bus (audio_read/chat_read subscriptions), a chat poster
// (chat_write), and the plugin's private filesystem root.
type HostEnv struct {
	Bus       *eventbus.Bus
	ChatWrite func(ctx context.Context, channelID, content string) error
	Moderate  func(ctx context.Context, action, userID, reason string) error
	FSRoot    func(pluginName string) string // directory the filesystem capability is scoped to
}

// buildHostModule registers only the host functions whose gating
// capability is present in granted, the way spec §4.7 requires: an
// ungranted capability's import simply isn't defined, so a guest module
// importing it fails to link instead of failing the call at runtime.
func buildHostModule(ctx context.Context, rt wazero.Runtime, env HostEnv, name string, granted CapabilitySet) (api.Module, error) {
	builder := rt.NewHostModuleBuilder("speakeasy")

	if granted.Has(CapChatWrite) {
		builder.NewFunctionBuilder().
			WithFunc(func(ctx context.Context, m api.Module, channelPtr, channelLen, contentPtr, contentLen uint32) uint32 {
				metrics.Default().RecordPluginInvocation(ctx, string(CapChatWrite), "attempted")
				channelID, ok1 := readString(m, channelPtr, channelLen)
				content, ok2 := readString(m, contentPtr, contentLen)
				if !ok1 || !ok2 {
					return 1
				}
				if err := env.ChatWrite(ctx, channelID, content); err != nil {
					slog.Warn("plugin chat_write failed", "plugin", name, "err", err)
					metrics.Default().RecordPluginInvocation(ctx, string(CapChatWrite), "error")
					return 1
				}
				metrics.Default().RecordPluginInvocation(ctx, string(CapChatWrite), "ok")
				return 0
			}).Export("chat_write")
	}

	if granted.Has(CapUserManagement) {
		builder.NewFunctionBuilder().
			WithFunc(func(ctx context.Context, m api.Module, actionPtr, actionLen, userPtr, userLen, reasonPtr, reasonLen uint32) uint32 {
				action, ok1 := readString(m, actionPtr, actionLen)
				userID, ok2 := readString(m, userPtr, userLen)
				reason, _ := readString(m, reasonPtr, reasonLen)
				if !ok1 || !ok2 {
					return 1
				}
				if err := env.Moderate(ctx, action, userID, reason); err != nil {
					metrics.Default().RecordPluginInvocation(ctx, string(CapUserManagement), "error")
					return 1
				}
				metrics.Default().RecordPluginInvocation(ctx, string(CapUserManagement), "ok")
				return 0
			}).Export("moderate")
	}

	if granted.Has(CapFilesystem) {
		root := env.FSRoot(name)
		builder.NewFunctionBuilder().
			WithFunc(func(ctx context.Context, m api.Module, pathPtr, pathLen, dataPtr, dataLen uint32) uint32 {
				rel, ok := readString(m, pathPtr, pathLen)
				if !ok {
					return 1
				}
				data, ok := readBytes(m, dataPtr, dataLen)
				if !ok {
					return 1
				}
				full, err := scopedPath(root, rel)
				if err != nil {
					metrics.Default().RecordPluginInvocation(ctx, string(CapFilesystem), "forbidden")
					return 1
				}
				if err := os.WriteFile(full, data, 0o644); err != nil {
					metrics.Default().RecordPluginInvocation(ctx, string(CapFilesystem), "error")
					return 1
				}
				metrics.Default().RecordPluginInvocation(ctx, string(CapFilesystem), "ok")
				return 0
			}).Export("fs_write")
	}

	return builder.Instantiate(ctx)
}

// scopedPath resolves rel under root, rejecting any path that escapes it
// (the sandbox boundary for the filesystem capability).
func scopedPath(root, rel string) (string, error) {
	clean := filepath.Join(root, filepath.Clean("/"+rel))
	if !strings.HasPrefix(clean, filepath.Clean(root)+string(filepath.Separator)) && clean != filepath.Clean(root) {
		return "", os.ErrPermission
	}
	return clean, nil
}

func readString(m api.Module, ptr, length uint32) (string, bool) {
	b, ok := readBytes(m, ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}

func readBytes(m api.Module, ptr, length uint32) ([]byte, bool) {
	buf, ok := m.Memory().Read(ptr, length)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, true
}

// ManifestFromFile reads and validates a plugin manifest JSON file.
func ManifestFromFile(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}
