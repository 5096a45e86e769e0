package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"nicp-arb-alerts/internal/calc"
	"nicp-arb-alerts/internal/fetcher"
	"nicp-arb-alerts/internal/refrate"
	"nicp-arb-alerts/internal/storage"
)

type fakeRules struct {
	rules []storage.AlertRule
}

func (f *fakeRules) ListActiveRules(ctx context.Context, pair string) ([]storage.AlertRule, error) {
	matched := make([]storage.AlertRule, 0, len(f.rules))
	for _, rule := range f.rules {
		if rule.Pair == pair && rule.Enabled {
			matched = append(matched, rule)
		}
	}
	return matched, nil
}

type fakeLedger struct {
	last   map[int64]time.Time
	claims int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{last: make(map[int64]time.Time)}
}

func (f *fakeLedger) LastDispatch(ctx context.Context, ruleID, userID int64) (time.Time, bool, error) {
	t, ok := f.last[ruleID]
	return t, ok, nil
}

func (f *fakeLedger) ClaimDispatch(ctx context.Context, claim storage.DispatchClaim) (storage.AlertDispatch, error) {
	if t, ok := f.last[claim.RuleID]; ok && claim.FiredAt.Sub(t) < claim.Cooldown {
		return storage.AlertDispatch{}, storage.ErrCooldownActive
	}
	f.last[claim.RuleID] = claim.FiredAt
	f.claims++
	return storage.AlertDispatch{
		ID:           int64(f.claims),
		RuleID:       claim.RuleID,
		UserID:       claim.UserID,
		FiredAt:      claim.FiredAt,
		ProfitPct:    claim.ProfitPct,
		ThresholdPct: claim.ThresholdPct,
		Exchange:     claim.Exchange,
	}, nil
}

type fakeNotifier struct {
	sent []string
	fail bool
}

func (f *fakeNotifier) Notify(ctx context.Context, chatID string, note Notification) error {
	if f.fail {
		return errors.New("delivery down")
	}
	f.sent = append(f.sent, chatID)
	return nil
}

func testOpportunity(profitPct float64) calc.Opportunity {
	return calc.Opportunity{
		Quote: fetcher.Quote{
			Exchange: "ICPSwap",
			Pair:     "nICP/ICP",
			Price:    decimal.NewFromFloat(0.95),
		},
		Rate: refrate.ReferenceRate{
			Rate:   decimal.NewFromFloat(0.9001103),
			Source: refrate.SourceLive,
		},
		ProfitPct:     decimal.NewFromFloat(profitPct),
		APYPct:        decimal.NewFromFloat(profitPct * 2),
		Risk:          calc.TierLow,
		HoldingMonths: 6,
	}
}

func testRule(id int64, thresholdPct float64) storage.AlertRule {
	return storage.AlertRule{
		ID:              id,
		UserID:          100 + id,
		ChatID:          "chat",
		Pair:            "nICP/ICP",
		ThresholdPct:    decimal.NewFromFloat(thresholdPct),
		CooldownSeconds: 3600,
		Enabled:         true,
	}
}

func TestEvaluatorFiresAboveThreshold(t *testing.T) {
	ledger := newFakeLedger()
	notifier := &fakeNotifier{}
	eval := NewEvaluator(&fakeRules{rules: []storage.AlertRule{testRule(1, 10)}}, ledger, notifier, testLogger())

	fired, err := eval.Evaluate(context.Background(), testOpportunity(16.9))
	if err != nil {
		t.Fatalf("Evaluate 应成功: %v", err)
	}
	if fired != 1 {
		t.Fatalf("应触发 1 条告警, 实际 %d", fired)
	}
	if len(notifier.sent) != 1 || notifier.sent[0] != "chat" {
		t.Fatalf("通知应送达 chat: %#v", notifier.sent)
	}
}

func TestEvaluatorSkipsBelowThreshold(t *testing.T) {
	ledger := newFakeLedger()
	eval := NewEvaluator(&fakeRules{rules: []storage.AlertRule{testRule(1, 20)}}, ledger, &fakeNotifier{}, testLogger())

	fired, err := eval.Evaluate(context.Background(), testOpportunity(16.9))
	if err != nil {
		t.Fatalf("Evaluate 应成功: %v", err)
	}
	if fired != 0 {
		t.Fatalf("未达阈值不应触发, 实际 %d", fired)
	}
	if ledger.claims != 0 {
		t.Fatalf("不应写入 ledger: %d", ledger.claims)
	}
}

func TestEvaluatorCooldownWindow(t *testing.T) {
	ledger := newFakeLedger()
	notifier := &fakeNotifier{}
	eval := NewEvaluator(&fakeRules{rules: []storage.AlertRule{testRule(1, 10)}}, ledger, notifier, testLogger())

	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	now := base
	eval.now = func() time.Time { return now }

	opp := testOpportunity(16.9)

	fired, err := eval.Evaluate(context.Background(), opp)
	if err != nil || fired != 1 {
		t.Fatalf("首次评估应触发: fired=%d err=%v", fired, err)
	}

	// 10 分钟后仍在冷却期内
	now = base.Add(10 * time.Minute)
	fired, err = eval.Evaluate(context.Background(), opp)
	if err != nil || fired != 0 {
		t.Fatalf("冷却期内不应触发: fired=%d err=%v", fired, err)
	}

	// 61 分钟后冷却期已过
	now = base.Add(61 * time.Minute)
	fired, err = eval.Evaluate(context.Background(), opp)
	if err != nil || fired != 1 {
		t.Fatalf("冷却期过后应再次触发: fired=%d err=%v", fired, err)
	}

	if ledger.claims != 2 {
		t.Fatalf("ledger 应记录 2 次触发, 实际 %d", ledger.claims)
	}
}

func TestEvaluatorSendFailureKeepsClaim(t *testing.T) {
	ledger := newFakeLedger()
	notifier := &fakeNotifier{fail: true}
	eval := NewEvaluator(&fakeRules{rules: []storage.AlertRule{testRule(1, 10)}}, ledger, notifier, testLogger())

	fired, err := eval.Evaluate(context.Background(), testOpportunity(16.9))
	if err != nil {
		t.Fatalf("Evaluate 应成功: %v", err)
	}
	if fired != 1 {
		t.Fatalf("发送失败仍应计为触发, 实际 %d", fired)
	}
	if ledger.claims != 1 {
		t.Fatalf("claim 应保留: %d", ledger.claims)
	}

	// 发送失败不重发, 冷却期内保持静默
	fired, err = eval.Evaluate(context.Background(), testOpportunity(16.9))
	if err != nil || fired != 0 {
		t.Fatalf("冷却期内不应重发: fired=%d err=%v", fired, err)
	}
}

func TestEvaluatorMultipleRules(t *testing.T) {
	ledger := newFakeLedger()
	notifier := &fakeNotifier{}
	rules := &fakeRules{rules: []storage.AlertRule{
		testRule(1, 5),
		testRule(2, 10),
		testRule(3, 25),
	}}
	eval := NewEvaluator(rules, ledger, notifier, testLogger())

	fired, err := eval.Evaluate(context.Background(), testOpportunity(16.9))
	if err != nil {
		t.Fatalf("Evaluate 应成功: %v", err)
	}
	if fired != 2 {
		t.Fatalf("应触发阈值 5 和 10 的两条规则, 实际 %d", fired)
	}
}
