package monitor

import (
	"reflect"
	"testing"

	"github.com/onnwee/channel-warden/twitchapi"
)

func liveSet(logins ...string) map[string]twitchapi.Stream {
	m := make(map[string]twitchapi.Stream, len(logins))
	for _, l := range logins {
		m[l] = twitchapi.Stream{UserLogin: l}
	}
	return m
}

func hasNone(string) bool { return false }

func TestReconcileDecisionTable(t *testing.T) {
	tests := []struct {
		name       string
		prev       map[string]string
		live       map[string]twitchapi.Stream
		has        func(string) bool
		first      bool
		wantOpens  []string
		wantCloses []string
	}{
		{"offline to live opens", map[string]string{"abc": StatusOffline}, liveSet("abc"), hasNone, false, []string{"abc"}, nil},
		{"unknown live on first check opens", map[string]string{}, liveSet("abc"), hasNone, true, []string{"abc"}, nil},
		{"unknown live later treated as offline", map[string]string{}, liveSet("abc"), hasNone, false, []string{"abc"}, nil},
		{"live to offline closes", map[string]string{"abc": StatusLive}, liveSet(), hasNone, false, nil, []string{"abc"}},
		{"live to live no-op", map[string]string{"abc": StatusLive}, liveSet("abc"), hasNone, false, nil, nil},
		{"offline to offline no-op", map[string]string{"abc": StatusOffline}, liveSet(), hasNone, true, nil, nil},
		{"first check live with entry suppressed", map[string]string{"abc": StatusLive}, liveSet("abc"), func(string) bool { return true }, true, nil, nil},
		{"first check live without entry reopens", map[string]string{"abc": StatusLive}, liveSet("abc"), hasNone, true, []string{"abc"}, nil},
		{"existing entry never reopened", map[string]string{"abc": StatusOffline}, liveSet("abc"), func(string) bool { return true }, false, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Reconcile([]string{"abc"}, tt.prev, tt.live, tt.has, tt.first)
			if !reflect.DeepEqual(p.Opens, tt.wantOpens) {
				t.Errorf("opens = %v, want %v", p.Opens, tt.wantOpens)
			}
			if !reflect.DeepEqual(p.Closes, tt.wantCloses) {
				t.Errorf("closes = %v, want %v", p.Closes, tt.wantCloses)
			}
		})
	}
}

func TestReconcileScenario(t *testing.T) {
	prev := map[string]string{"a": StatusOffline, "b": StatusLive}
	p := Reconcile([]string{"a", "b"}, prev, liveSet("a"), hasNone, false)
	if !reflect.DeepEqual(p.Opens, []string{"a"}) || !reflect.DeepEqual(p.Closes, []string{"b"}) {
		t.Fatalf("plan = %+v", p)
	}
	want := map[string]string{"a": StatusLive, "b": StatusOffline}
	if !reflect.DeepEqual(p.Status, want) {
		t.Errorf("status = %v, want %v", p.Status, want)
	}
	if prev["a"] != StatusOffline {
		t.Error("previous snapshot was modified")
	}
}

func TestReconcileCaseInsensitiveAndDeduplicated(t *testing.T) {
	p := Reconcile([]string{"abc", "abc", "xyz"}, nil, liveSet("abc"), hasNone, false)
	if len(p.Status) != 2 || len(p.Opens) != 1 {
		t.Errorf("plan = %+v", p)
	}
	p = Reconcile([]string{"MixedCase"}, nil, liveSet("mixedcase"), hasNone, false)
	if p.Status["MixedCase"] != StatusLive {
		t.Errorf("status = %v", p.Status)
	}
}

func TestLiveCount(t *testing.T) {
	if n := LiveCount(map[string]string{"a": StatusLive, "b": StatusOffline, "c": StatusLive}); n != 2 {
		t.Errorf("LiveCount() = %d", n)
	}
}
