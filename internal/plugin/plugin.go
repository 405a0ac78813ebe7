// Package plugin is the Plugin Host (spec §4.7): a wazero-sandboxed WASM
// runtime that loads a manifest-declared capability set per plugin and
// registers only the host functions that capability set grants. A plugin
// that tries to import a host function outside its mask fails to link
// at instantiation time rather than being checked per call, the stronger
// sandboxing property the spec calls out.
//
// No teacher grounding exists for a bytecode plugin host (the teacher has
// none); this package follows wazero's own documented host-module/import
// pattern, and borrows its manifest/trust-level/capability vocabulary
// directly from spec §4.7.
package plugin

import (
	"context"
	"fmt"
	"time"
)

// Capability is one of the fixed, host-mediated permissions a plugin
// manifest may declare.
type Capability string

const (
	CapFilesystem     Capability = "filesystem"
	CapNetwork        Capability = "network"
	CapAudioRead      Capability = "audio_read"
	CapAudioWrite     Capability = "audio_write"
	CapChatRead       Capability = "chat_read"
	CapChatWrite      Capability = "chat_write"
	CapUserManagement Capability = "user_management"
	CapServerConfig   Capability = "server_config"
)

// AllCapabilities enumerates the fixed capability set in manifest/UI order.
var AllCapabilities = []Capability{
	CapFilesystem, CapNetwork, CapAudioRead, CapAudioWrite,
	CapChatRead, CapChatWrite, CapUserManagement, CapServerConfig,
}

// TrustLevel drives the default-capability install prompt.
type TrustLevel string

const (
	TrustUnsigned TrustLevel = "unsigned"
	TrustSigned   TrustLevel = "signed"   // valid signature, unknown signer
	TrustTrusted  TrustLevel = "trusted"  // signer on the administrator allowlist
)

// State is a plugin's lifecycle state.
type State string

const (
	StateLoaded   State = "loaded"
	StateActive   State = "active"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

// CapabilitySet is a bitset over Capability, small enough to copy by value.
type CapabilitySet uint16

func capBit(c Capability) CapabilitySet {
	for i, known := range AllCapabilities {
		if known == c {
			return 1 << uint(i)
		}
	}
	return 0
}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s |= capBit(c)
	}
	return s
}

// Has reports whether c is present in the set.
func (s CapabilitySet) Has(c Capability) bool {
	return s&capBit(c) != 0
}

// Manifest is a plugin's declared identity and capability request,
// parsed from the plugin directory's manifest file at install time.
type Manifest struct {
	Name        string        `json:"name"`
	Version     string        `json:"version"`
	Author      string        `json:"author"`
	Capabilities []Capability `json:"capabilities"`
	Signature   string        `json:"signature,omitempty"`
	WasmPath    string        `json:"wasm_path"`

	Trust   TrustLevel    `json:"-"` // computed at install time, not declared
	Granted CapabilitySet `json:"-"` // administrator-approved subset of Capabilities
}

// Budget bounds one plugin instance's resource consumption. A callback
// that outruns CallTimeout transitions the plugin to StateError;
// MaxMemoryPages caps linear-memory growth in the runtime and does not
// change the plugin's state when reached.
type Budget struct {
	MaxMemoryPages uint32 // wazero linear-memory pages (64KiB each)
	CallTimeout    time.Duration
}

// DefaultBudget is the budget Host.Install loads every plugin with;
// a manifest has no field to override it.
func DefaultBudget() Budget {
	return Budget{MaxMemoryPages: 256, CallTimeout: 5 * time.Second} // 256 pages = 16MiB
}

// errForbidden describes a call denied for a missing capability. No host
// function returns it: buildHostModule registers only the functions of
// granted capabilities, so a guest importing an ungranted one fails to
// link at instantiation instead.
type errForbidden struct {
	plugin     string
	capability Capability
}

func (e *errForbidden) Error() string {
	return fmt.Sprintf("plugin %s: capability %s not granted", e.plugin, e.capability)
}

// forbidden builds an errForbidden value; no host function in hostapi.go
// calls it.
func forbidden(pluginName string, cap Capability) error {
	return &errForbidden{plugin: pluginName, capability: cap}
}

// context key for the plugin name. Nothing in this package calls
// withPluginName or pluginNameFrom: host functions are built per plugin
// instance by buildHostModule.
type pluginNameKey struct{}

func withPluginName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, pluginNameKey{}, name)
}

func pluginNameFrom(ctx context.Context) string {
	name, _ := ctx.Value(pluginNameKey{}).(string)
	return name
}
