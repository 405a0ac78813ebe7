package permission

import (
	"testing"

	"speakeasy/internal/model"
)

func triState(key string, ts model.TriState) *model.Permission {
	return &model.Permission{Key: key, Value: model.PermissionValue{Kind: model.ValueTriState, TriState: ts}}
}

func TestResolveTriStateIndividualWins(t *testing.T) {
	snap := Snapshot{
		Individual:    []*model.Permission{triState("speak", model.Deny)},
		ServerDefault: []*model.Permission{triState("speak", model.Grant)},
	}
	d := ResolveTriState(snap, "speak")
	if d.Granted || d.Layer != LayerIndividual {
		t.Fatalf("expected individual deny to win, got %+v", d)
	}
}

func TestResolveTriStateSkipDefers(t *testing.T) {
	snap := Snapshot{
		Individual:     []*model.Permission{triState("speak", model.Skip)},
		ChannelDefault: []*model.Permission{triState("speak", model.Grant)},
	}
	d := ResolveTriState(snap, "speak")
	if !d.Granted || d.Layer != LayerChannelDefault {
		t.Fatalf("expected channel default grant, got %+v", d)
	}
}

func TestResolveTriStateDefaultsDenied(t *testing.T) {
	d := ResolveTriState(Snapshot{}, "speak")
	if d.Granted || d.Layer != LayerNone {
		t.Fatalf("expected fail-closed default, got %+v", d)
	}
}

func TestResolveTriStateServerGroupsSkipDefers(t *testing.T) {
	snap := Snapshot{
		ServerGroups: [][]*model.Permission{
			{triState("speak", model.Skip)},  // highest priority group, defers
			{triState("speak", model.Grant)}, // next group resolves it
		},
	}
	d := ResolveTriState(snap, "speak")
	if !d.Granted || d.Layer != LayerServerGroups {
		t.Fatalf("expected server group grant, got %+v", d)
	}
}

// TestResolveTriStateServerGroupsDenyWinsRegardlessOfPriority pins spec §3's
// requirement that group priority is display-only: a deny from a
// lower-priority group still beats a grant from a higher-priority one.
func TestResolveTriStateServerGroupsDenyWinsRegardlessOfPriority(t *testing.T) {
	snap := Snapshot{
		ServerGroups: [][]*model.Permission{
			{triState("speak", model.Grant)}, // G_high, listed first
			{triState("speak", model.Deny)},  // G_low, listed second
		},
	}
	d := ResolveTriState(snap, "speak")
	if d.Granted || d.Layer != LayerServerGroups {
		t.Fatalf("expected deny to win across groups regardless of order, got %+v", d)
	}
}

func intLimit(key string, v int64) *model.Permission {
	return &model.Permission{Key: key, Value: model.PermissionValue{Kind: model.ValueIntLimit, IntLimit: v}}
}

func TestResolveIntLimitMaxWins(t *testing.T) {
	snap := Snapshot{
		Individual:    []*model.Permission{intLimit("max_channels", 3)},
		ServerDefault: []*model.Permission{intLimit("max_channels", 10)},
	}
	r := ResolveIntLimit(snap, "max_channels")
	if r.Denied || r.Limit != 10 {
		t.Fatalf("expected max-wins limit 10, got %+v", r)
	}
}

func TestResolveIntLimitNegativeDenies(t *testing.T) {
	snap := Snapshot{
		Individual:    []*model.Permission{intLimit("max_channels", -1)},
		ServerDefault: []*model.Permission{intLimit("max_channels", 10)},
	}
	r := ResolveIntLimit(snap, "max_channels")
	if !r.Denied {
		t.Fatalf("expected negative limit to deny, got %+v", r)
	}
}

func scopeValue(key string, values ...string) *model.Permission {
	scope := make(map[string]struct{}, len(values))
	for _, v := range values {
		scope[v] = struct{}{}
	}
	return &model.Permission{Key: key, Value: model.PermissionValue{Kind: model.ValueScope, Scope: scope}}
}

func TestResolveScopeUnion(t *testing.T) {
	snap := Snapshot{
		Individual:    []*model.Permission{scopeValue("icon_upload", "png")},
		ServerDefault: []*model.Permission{scopeValue("icon_upload", "jpg", "png")},
	}
	got := ResolveScope(snap, "icon_upload")
	if len(got) != 2 {
		t.Fatalf("expected union of 2 entries, got %v", got)
	}
}
