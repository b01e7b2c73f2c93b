// Package quota interprets the free-tier usage information reported by the
// backend and decides whether generation may proceed.
package quota

import (
	"context"

	"docpilot/internal/apperr"
	"docpilot/internal/backend"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
)

// Optimistic defaults used when the backend omits its counters. They mirror
// the free tier the service advertises and are corrected by the next
// successful refresh.
const (
	DefaultDailyLimit     = 2
	DefaultRemainingToday = 2

	// UnlimitedSentinel stands in for the backend's "unlimited" development tier.
	UnlimitedSentinel = 999999
)

type UsageQuota struct {
	DailyLimit        int
	RemainingToday    int
	ServiceAvailable  bool
	HasUserCredential bool
	Unlimited         bool
	Message           string
}

// CanGenerate reports whether a generation call may be attempted.
func CanGenerate(q UsageQuota) bool {
	return q.ServiceAvailable && (q.HasUserCredential || q.RemainingToday > 0)
}

// Blocked explains why CanGenerate is false, in classifier terms.
func Blocked(q UsageQuota) apperr.Classified {
	if !q.ServiceAvailable {
		return apperr.Classified{Kind: apperr.KindServiceUnavailable, Message: apperr.MessageServiceUnavailable}
	}
	return apperr.Classified{Kind: apperr.KindQuotaExceeded, Message: apperr.MessageQuotaExceeded}
}

// FromUsageInfo converts the backend report, applying the optimistic
// defaults and clamping remaining to [0, limit].
func FromUsageInfo(info backend.UsageInfo) UsageQuota {
	q := UsageQuota{
		ServiceAvailable: info.ServiceAvailable,
		Message:          info.Message,
	}
	if info.DailyLimit.Unlimited || info.RemainingToday.Unlimited {
		q.Unlimited = true
		q.DailyLimit = UnlimitedSentinel
		q.RemainingToday = UnlimitedSentinel
		return q
	}

	q.DailyLimit = DefaultDailyLimit
	if info.DailyLimit.Set {
		q.DailyLimit = info.DailyLimit.Value
	}
	q.RemainingToday = DefaultRemainingToday
	if info.RemainingToday.Set {
		q.RemainingToday = info.RemainingToday.Value
	}
	return clamp(q)
}

func clamp(q UsageQuota) UsageQuota {
	if q.DailyLimit < 0 {
		q.DailyLimit = 0
	}
	if q.RemainingToday < 0 {
		q.RemainingToday = 0
	}
	if q.RemainingToday > q.DailyLimit {
		q.RemainingToday = q.DailyLimit
	}
	return q
}

type Fetcher interface {
	UsageInfo(ctx context.Context) (backend.UsageInfo, error)
}

// RefreshedMsg carries the result of a background refresh.
type RefreshedMsg struct {
	Info backend.UsageInfo
	Err  error
}

// Gate holds the last known quota and the user's credential. It is mutated
// only from the owning Update loop.
type Gate struct {
	fetcher    Fetcher
	log        *zap.Logger
	current    UsageQuota
	credential string
	refreshing bool
}

func NewGate(f Fetcher, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{
		fetcher: f,
		log:     log,
		current: UsageQuota{
			DailyLimit:     DefaultDailyLimit,
			RemainingToday: DefaultRemainingToday,
		},
	}
}

// Current returns the last known quota.
func (g *Gate) Current() UsageQuota {
	q := g.current
	q.HasUserCredential = g.credential != ""
	return q
}

func (g *Gate) CanGenerate() bool {
	return CanGenerate(g.Current())
}

// SetCredential stores the user's own access key. It is opaque here.
func (g *Gate) SetCredential(key string) {
	g.credential = key
}

func (g *Gate) Credential() string {
	return g.credential
}

// Refresh fetches and applies the quota synchronously. Failures are
// swallowed and the last known quota is returned.
func (g *Gate) Refresh(ctx context.Context) UsageQuota {
	info, err := g.fetcher.UsageInfo(ctx)
	g.Apply(RefreshedMsg{Info: info, Err: err})
	return g.Current()
}

// RefreshCmd starts a background refresh unless one is already in flight.
func (g *Gate) RefreshCmd() tea.Cmd {
	if g.fetcher == nil || g.refreshing {
		return nil
	}
	g.refreshing = true
	f := g.fetcher
	return func() tea.Msg {
		info, err := f.UsageInfo(context.Background())
		return RefreshedMsg{Info: info, Err: err}
	}
}

// Apply records a refresh result.
func (g *Gate) Apply(msg RefreshedMsg) {
	g.refreshing = false
	if msg.Err != nil {
		g.log.Debug("usage refresh failed", zap.Error(msg.Err))
		return
	}
	g.current = FromUsageInfo(msg.Info)
}

// ApplyUsageInfo records usage info embedded in another response. A nil
// info leaves the quota untouched.
func (g *Gate) ApplyUsageInfo(info *backend.UsageInfo) {
	if info == nil {
		return
	}
	q := FromUsageInfo(*info)
	// Embedded usage info omits service_available; the service evidently answered.
	q.ServiceAvailable = true
	g.current = q
}
