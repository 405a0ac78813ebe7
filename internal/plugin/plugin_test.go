package plugin

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestCapabilitySetHasOnlyGranted(t *testing.T) {
	set := NewCapabilitySet(CapChatWrite, CapAudioRead)
	if !set.Has(CapChatWrite) || !set.Has(CapAudioRead) {
		t.Fatalf("expected granted capabilities to report Has=true")
	}
	if set.Has(CapFilesystem) || set.Has(CapServerConfig) {
		t.Fatalf("expected ungranted capabilities to report Has=false")
	}
}

func TestTrustLevelClassification(t *testing.T) {
	h := &Host{allowlist: map[string]bool{"sig-trusted": true}}

	if lvl := h.trustLevelOf(Manifest{}); lvl != TrustUnsigned {
		t.Fatalf("expected unsigned for empty signature, got %s", lvl)
	}
	if lvl := h.trustLevelOf(Manifest{Signature: "sig-unknown"}); lvl != TrustSigned {
		t.Fatalf("expected signed for unknown signer, got %s", lvl)
	}
	if lvl := h.trustLevelOf(Manifest{Signature: "sig-trusted"}); lvl != TrustTrusted {
		t.Fatalf("expected trusted for allowlisted signer, got %s", lvl)
	}
}

func TestScopedPathNeutralizesTraversal(t *testing.T) {
	root := t.TempDir()

	escaped, err := scopedPath(root, "../../etc/passwd")
	if err != nil {
		t.Fatalf("scopedPath returned error for neutralized traversal: %v", err)
	}
	if !strings.HasPrefix(escaped, filepath.Clean(root)) {
		t.Fatalf("traversal attempt %q resolved outside root %q", escaped, root)
	}

	normal, err := scopedPath(root, "notes/today.txt")
	if err != nil {
		t.Fatalf("expected path inside root to be accepted, got %v", err)
	}
	if !strings.HasPrefix(normal, filepath.Clean(root)) {
		t.Fatalf("expected %q to resolve inside root %q", normal, root)
	}
}
