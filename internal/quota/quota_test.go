package quota

import (
	"context"
	"errors"
	"testing"

	"docpilot/internal/apperr"
	"docpilot/internal/backend"
)

type stubFetcher struct {
	info  backend.UsageInfo
	err   error
	calls int
}

func (s *stubFetcher) UsageInfo(context.Context) (backend.UsageInfo, error) {
	s.calls++
	return s.info, s.err
}

func TestCanGenerateTruthTable(t *testing.T) {
	cases := []struct {
		q    UsageQuota
		want bool
	}{
		{UsageQuota{ServiceAvailable: true, RemainingToday: 1, DailyLimit: 5}, true},
		{UsageQuota{ServiceAvailable: true, RemainingToday: 0, DailyLimit: 5}, false},
		{UsageQuota{ServiceAvailable: true, RemainingToday: 0, DailyLimit: 5, HasUserCredential: true}, true},
		{UsageQuota{ServiceAvailable: false, RemainingToday: 5, DailyLimit: 5}, false},
		{UsageQuota{ServiceAvailable: false, RemainingToday: 0, HasUserCredential: true}, false},
	}
	for i, tc := range cases {
		if got := CanGenerate(tc.q); got != tc.want {
			t.Fatalf("case %d: CanGenerate(%+v)=%v want %v", i, tc.q, got, tc.want)
		}
	}
}

func TestFromUsageInfoOptimisticDefaults(t *testing.T) {
	q := FromUsageInfo(backend.UsageInfo{ServiceAvailable: true})
	if q.DailyLimit != DefaultDailyLimit || q.RemainingToday != DefaultRemainingToday {
		t.Fatalf("expected optimistic defaults, got %+v", q)
	}
}

func TestFromUsageInfoClampsRemaining(t *testing.T) {
	q := FromUsageInfo(backend.UsageInfo{
		ServiceAvailable: true,
		DailyLimit:       backend.Limit{Value: 5, Set: true},
		RemainingToday:   backend.Limit{Value: 9, Set: true},
	})
	if q.RemainingToday != 5 {
		t.Fatalf("expected remaining clamped to limit, got %d", q.RemainingToday)
	}

	q = FromUsageInfo(backend.UsageInfo{
		DailyLimit:     backend.Limit{Value: 5, Set: true},
		RemainingToday: backend.Limit{Value: -1, Set: true},
	})
	if q.RemainingToday != 0 {
		t.Fatalf("expected remaining clamped to zero, got %d", q.RemainingToday)
	}
}

func TestFromUsageInfoUnlimited(t *testing.T) {
	q := FromUsageInfo(backend.UsageInfo{
		ServiceAvailable: true,
		DailyLimit:       backend.Limit{Unlimited: true, Set: true},
		RemainingToday:   backend.Limit{Unlimited: true, Set: true},
	})
	if !q.Unlimited || !CanGenerate(q) {
		t.Fatalf("expected unlimited quota to allow generation, got %+v", q)
	}
}

func TestRefreshSwallowsFailures(t *testing.T) {
	f := &stubFetcher{info: backend.UsageInfo{
		ServiceAvailable: true,
		DailyLimit:       backend.Limit{Value: 5, Set: true},
		RemainingToday:   backend.Limit{Value: 3, Set: true},
	}}
	g := NewGate(f, nil)
	q := g.Refresh(context.Background())
	if q.RemainingToday != 3 || !q.ServiceAvailable {
		t.Fatalf("unexpected quota after refresh: %+v", q)
	}

	f.err = errors.New("connection refused")
	q = g.Refresh(context.Background())
	if q.RemainingToday != 3 || !q.ServiceAvailable {
		t.Fatalf("failed refresh must keep last known quota, got %+v", q)
	}
}

func TestRefreshCmdIsSingleFlight(t *testing.T) {
	f := &stubFetcher{info: backend.UsageInfo{ServiceAvailable: true}}
	g := NewGate(f, nil)

	cmd := g.RefreshCmd()
	if cmd == nil {
		t.Fatalf("expected refresh command")
	}
	if again := g.RefreshCmd(); again != nil {
		t.Fatalf("expected overlapping refresh to be suppressed")
	}
	msg, ok := cmd().(RefreshedMsg)
	if !ok {
		t.Fatalf("unexpected message type")
	}
	g.Apply(msg)
	if !g.Current().ServiceAvailable {
		t.Fatalf("expected applied refresh")
	}
	if g.RefreshCmd() == nil {
		t.Fatalf("expected refresh to be allowed after completion")
	}
}

func TestCredentialBypassesQuota(t *testing.T) {
	g := NewGate(&stubFetcher{info: backend.UsageInfo{
		ServiceAvailable: true,
		DailyLimit:       backend.Limit{Value: 5, Set: true},
		RemainingToday:   backend.Limit{Value: 0, Set: true},
	}}, nil)
	g.Refresh(context.Background())
	if g.CanGenerate() {
		t.Fatalf("expected exhausted quota to block")
	}
	if got := Blocked(g.Current()); got.Kind != apperr.KindQuotaExceeded {
		t.Fatalf("unexpected blocked kind %s", got.Kind)
	}
	g.SetCredential("user-key")
	if !g.CanGenerate() {
		t.Fatalf("expected credential to bypass quota")
	}
}

func TestInitialGateBlocksUntilServiceKnown(t *testing.T) {
	g := NewGate(&stubFetcher{}, nil)
	if g.CanGenerate() {
		t.Fatalf("service availability is unknown before the first refresh")
	}
	if got := Blocked(g.Current()); got.Kind != apperr.KindServiceUnavailable {
		t.Fatalf("unexpected blocked kind %s", got.Kind)
	}
}
