package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	evalNow    = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	newYork    = domain.Location{Latitude: 40.7128, Longitude: -74.0060}
	london     = domain.Location{Latitude: 51.5074, Longitude: -0.1278}
	errStorage = errors.New("storage unavailable")
)

// stubHistory answers window lookups with canned values.
type stubHistory struct {
	count   int
	latest  *domain.Transaction
	err     error
	onCount func()
}

func (h *stubHistory) CountInWindow(ctx context.Context, tx *domain.Transaction, window time.Duration) (int, error) {
	if h.onCount != nil {
		h.onCount()
	}
	return h.count, h.err
}

func (h *stubHistory) LatestInWindow(ctx context.Context, tx *domain.Transaction, window time.Duration) (*domain.Transaction, error) {
	return h.latest, h.err
}

// panicHistory simulates a broken collaborator.
type panicHistory struct{}

func (panicHistory) CountInWindow(context.Context, *domain.Transaction, time.Duration) (int, error) {
	panic("nil map write")
}

func (panicHistory) LatestInWindow(context.Context, *domain.Transaction, time.Duration) (*domain.Transaction, error) {
	panic("nil map write")
}

func newTestEngine(h HistoryLookup) *Engine {
	return NewEngine(h, domain.FixedClock(evalNow), 4)
}

func rule(id string, conditions string) *domain.FraudRule {
	return &domain.FraudRule{
		ID:         id,
		Name:       "rule " + id,
		IsActive:   true,
		RiskLevel:  domain.RiskMedium,
		Priority:   5,
		Conditions: json.RawMessage(conditions),
	}
}

func txWithAmount(amount string) *domain.Transaction {
	return &domain.Transaction{
		ID:        "tx-1",
		AccountID: "ACC-1",
		Amount:    domain.Money{Amount: decimal.RequireFromString(amount), Currency: "USD"},
		Merchant:  domain.Merchant{Category: "Groceries"},
		Location:  newYork,
		Timestamp: evalNow,
		Status:    domain.TxStatusPending,
	}
}

func accountWith(ageDays int, count int, avg string) *domain.Account {
	return &domain.Account{
		AccountID:                "ACC-1",
		RegistrationDate:         evalNow.Add(-time.Duration(ageDays) * 24 * time.Hour),
		TotalTransactions:        count,
		AverageTransactionAmount: decimal.RequireFromString(avg),
	}
}

func TestHaversine(t *testing.T) {
	if d := DistanceKm(newYork, newYork); d > 0.01 {
		t.Errorf("expected 0 for identical points, got %.4f", d)
	}

	d := DistanceKm(newYork, london)
	if d < 5500 || d > 5600 {
		t.Errorf("expected New York to London within [5500, 5600] km, got %.2f", d)
	}

	if back := DistanceKm(london, newYork); math.Abs(back-d) > 1e-9 {
		t.Errorf("expected symmetric distance, got %.6f and %.6f", d, back)
	}
}

func TestAmountThreshold(t *testing.T) {
	engine := newTestEngine(nil)
	ctx := context.Background()
	acc := accountWith(100, 0, "0")

	tests := []struct {
		name      string
		operator  string
		amount    string
		triggered bool
	}{
		{"below threshold", "GreaterThan", "999.99", false},
		{"equal to threshold", "GreaterThan", "1000", false},
		{"above threshold", "GreaterThan", "1000.01", true},
		{"less than", "LessThan", "10", true},
		{"not less than", "lessthan", "1000", false},
		{"equals", "Equals", "1000.00", true},
		{"not equals", "EQUALS", "1000.01", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule("amt", fmt.Sprintf(`{"type":"AmountThreshold","threshold":1000,"operator":%q}`, tt.operator))
			res := engine.Evaluate(ctx, r, txWithAmount(tt.amount), acc)
			if res.Triggered != tt.triggered {
				t.Fatalf("expected triggered=%v, got %v (%s)", tt.triggered, res.Triggered, res.Details)
			}
			want := 0.0
			if tt.triggered {
				want = AmountThresholdScore
			}
			if res.Score != want {
				t.Errorf("expected score %v, got %v", want, res.Score)
			}
		})
	}
}

func TestVelocity(t *testing.T) {
	ctx := context.Background()
	cond := `{"type":"Velocity","transactionCount":5,"timeWindowMinutes":10}`

	tests := []struct {
		count     int
		triggered bool
		score     float64
	}{
		{0, false, 0},
		{4, false, 0},
		{5, true, 50},
		{6, true, 50},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("count=%d", tt.count), func(t *testing.T) {
			engine := newTestEngine(&stubHistory{count: tt.count})
			res := engine.Evaluate(ctx, rule("vel", cond), txWithAmount("10"), accountWith(30, 0, "0"))
			if res.Triggered != tt.triggered || res.Score != tt.score {
				t.Errorf("expected %v/%v, got %v/%v (%s)", tt.triggered, tt.score, res.Triggered, res.Score, res.Details)
			}
		})
	}

	t.Run("score scales below cap", func(t *testing.T) {
		engine := newTestEngine(&stubHistory{count: 3})
		res := engine.Evaluate(ctx, rule("vel", `{"type":"Velocity","transactionCount":2,"timeWindowMinutes":10}`), txWithAmount("10"), accountWith(30, 0, "0"))
		if !res.Triggered || res.Score != 30 {
			t.Errorf("expected triggered with score 30, got %v/%v", res.Triggered, res.Score)
		}
	})
}

func TestLocationAnomaly(t *testing.T) {
	ctx := context.Background()
	cond := `{"type":"LocationAnomaly","maxDistanceKm":500,"timeWindowMinutes":60}`
	acc := accountWith(30, 0, "0")

	t.Run("no prior transaction", func(t *testing.T) {
		res := newTestEngine(&stubHistory{}).Evaluate(ctx, rule("loc", cond), txWithAmount("10"), acc)
		if res.Triggered || res.Failed {
			t.Errorf("expected quiet non-trigger, got %+v", res)
		}
	})

	t.Run("impossible travel", func(t *testing.T) {
		prev := &domain.Transaction{ID: "prev", Location: london}
		res := newTestEngine(&stubHistory{latest: prev}).Evaluate(ctx, rule("loc", cond), txWithAmount("10"), acc)
		if !res.Triggered {
			t.Fatalf("expected trigger, got %s", res.Details)
		}
		if res.Score != LocationAnomalyMaxScore {
			t.Errorf("expected capped score 60, got %v", res.Score)
		}
	})

	t.Run("nearby", func(t *testing.T) {
		prev := &domain.Transaction{ID: "prev", Location: domain.Location{Latitude: 40.73, Longitude: -73.99}}
		res := newTestEngine(&stubHistory{latest: prev}).Evaluate(ctx, rule("loc", cond), txWithAmount("10"), acc)
		if res.Triggered {
			t.Errorf("expected no trigger, got %s", res.Details)
		}
	})

	t.Run("score below cap", func(t *testing.T) {
		// One degree of latitude is about 111.19 km.
		prev := &domain.Transaction{ID: "prev", Location: domain.Location{Latitude: 41.7128, Longitude: -74.0060}}
		r := rule("loc", `{"type":"LocationAnomaly","maxDistanceKm":100,"timeWindowMinutes":60}`)
		res := newTestEngine(&stubHistory{latest: prev}).Evaluate(ctx, r, txWithAmount("10"), acc)
		if !res.Triggered {
			t.Fatalf("expected trigger, got %s", res.Details)
		}
		if math.Abs(res.Score-11.119) > 0.01 {
			t.Errorf("expected score about 11.12, got %v", res.Score)
		}
	})
}

func TestNewAccount(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(nil)

	tests := []struct {
		name      string
		cond      string
		ageDays   int
		amount    string
		triggered bool
	}{
		{"new without cap", `{"type":"NewAccount","accountAgeDays":7}`, 3, "10", true},
		{"exactly at age limit", `{"type":"NewAccount","accountAgeDays":7}`, 7, "10", true},
		{"old account", `{"type":"NewAccount","accountAgeDays":7}`, 10, "10000", false},
		{"new under cap", `{"type":"NewAccount","accountAgeDays":7,"maxTransactionAmount":1000}`, 2, "500", false},
		{"new at cap", `{"type":"NewAccount","accountAgeDays":7,"maxTransactionAmount":1000}`, 2, "1000", false},
		{"new over cap", `{"type":"NewAccount","accountAgeDays":7,"maxTransactionAmount":1000}`, 2, "1500", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := engine.Evaluate(ctx, rule("new", tt.cond), txWithAmount(tt.amount), accountWith(tt.ageDays, 0, "0"))
			if res.Triggered != tt.triggered {
				t.Fatalf("expected triggered=%v, got %v (%s)", tt.triggered, res.Triggered, res.Details)
			}
			if tt.triggered && res.Score != NewAccountScore {
				t.Errorf("expected score 40, got %v", res.Score)
			}
		})
	}
}

func TestUnusualMerchant(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(nil)
	r := rule("merch", `{"type":"UnusualMerchant","highRiskCategories":["Gambling","Wire Transfer"]}`)

	for category, want := range map[string]bool{
		"gambling":      true,
		"WIRE TRANSFER": true,
		"Groceries":     false,
		"":              false,
	} {
		tx := txWithAmount("10")
		tx.Merchant.Category = category
		res := engine.Evaluate(ctx, r, tx, accountWith(30, 0, "0"))
		if res.Triggered != want {
			t.Errorf("category %q: expected triggered=%v, got %v", category, want, res.Triggered)
		}
		if want && res.Score != UnusualMerchantScore {
			t.Errorf("category %q: expected score 25, got %v", category, res.Score)
		}
	}
}

func TestTimeOfDay(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(nil)

	tests := []struct {
		cond      string
		hour      int
		triggered bool
	}{
		{`{"type":"TimeOfDay","startHour":2,"endHour":4}`, 1, false},
		{`{"type":"TimeOfDay","startHour":2,"endHour":4}`, 2, true},
		{`{"type":"TimeOfDay","startHour":2,"endHour":4}`, 4, true},
		{`{"type":"TimeOfDay","startHour":2,"endHour":4}`, 5, false},
		{`{"type":"TimeOfDay","startHour":0,"endHour":23}`, 0, true},
		{`{"type":"TimeOfDay","startHour":22,"endHour":3}`, 23, false},
		{`{"type":"TimeOfDay","startHour":22,"endHour":3}`, 0, false},
		{`{"type":"TimeOfDay","startHour":22,"endHour":3}`, 3, false},
		{`{"type":"TimeOfDay","startHour":22,"endHour":3}`, 12, false},
	}
	for _, tt := range tests {
		tx := txWithAmount("10")
		tx.Timestamp = time.Date(2025, 3, 14, tt.hour, 30, 0, 0, time.UTC)
		res := engine.Evaluate(ctx, rule("tod", tt.cond), tx, accountWith(30, 0, "0"))
		if res.Triggered != tt.triggered {
			t.Errorf("%s at %02d:30: expected triggered=%v, got %v", tt.cond, tt.hour, tt.triggered, res.Triggered)
		}
		if tt.triggered && res.Score != TimeOfDayScore {
			t.Errorf("expected score 15, got %v", res.Score)
		}
	}
}

func TestAmountDeviation(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(nil)
	r := rule("dev", `{"type":"AmountDeviation","standardDeviationMultiplier":3.0,"minimumTransactionCount":5}`)

	t.Run("six prior averaging 100", func(t *testing.T) {
		res := engine.Evaluate(ctx, r, txWithAmount("500"), accountWith(90, 6, "100"))
		if !res.Triggered {
			t.Fatalf("expected trigger, got %s", res.Details)
		}
		if res.Score != 40 {
			t.Errorf("expected score 40, got %v", res.Score)
		}
	})

	t.Run("deviation at threshold", func(t *testing.T) {
		res := engine.Evaluate(ctx, r, txWithAmount("400"), accountWith(90, 6, "100"))
		if res.Triggered {
			t.Errorf("deviation equal to threshold must not trigger, got %s", res.Details)
		}
	})

	t.Run("score below cap", func(t *testing.T) {
		lenient := rule("dev", `{"type":"AmountDeviation","standardDeviationMultiplier":1.0,"minimumTransactionCount":5}`)
		res := engine.Evaluate(ctx, lenient, txWithAmount("250"), accountWith(90, 6, "100"))
		if !res.Triggered || res.Score != 15 {
			t.Errorf("expected score 15, got %v/%v", res.Triggered, res.Score)
		}
	})

	t.Run("insufficient history never triggers", func(t *testing.T) {
		for _, count := range []int{0, 1, 4} {
			for _, amount := range []string{"0", "500", "1000000"} {
				res := engine.Evaluate(ctx, r, txWithAmount(amount), accountWith(90, count, "100"))
				if res.Triggered {
					t.Errorf("count=%d amount=%s: expected no trigger", count, amount)
				}
			}
		}
	})

	t.Run("zero average", func(t *testing.T) {
		res := engine.Evaluate(ctx, r, txWithAmount("0.01"), accountWith(90, 6, "0"))
		if res.Triggered || res.Score != 0 {
			t.Errorf("expected no trigger, got %v/%v", res.Triggered, res.Score)
		}
		if !res.Failed || !strings.Contains(res.Details, "average amount is zero") {
			t.Errorf("expected failed result explaining the zero average, got failed=%v details=%q", res.Failed, res.Details)
		}
	})

	t.Run("zero average and zero amount", func(t *testing.T) {
		res := engine.Evaluate(ctx, r, txWithAmount("0"), accountWith(90, 6, "0"))
		if res.Triggered || res.Failed {
			t.Errorf("expected plain non-trigger, got triggered=%v failed=%v", res.Triggered, res.Failed)
		}
	})
}

func TestComposite(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(&stubHistory{count: 6})
	acc := accountWith(3, 0, "0")

	// Velocity (50) triggers, NewAccount (40) triggers, TimeOfDay does not.
	velocity := `{"type":"Velocity","transactionCount":5,"timeWindowMinutes":10}`
	fresh := `{"type":"NewAccount","accountAgeDays":7}`
	night := `{"type":"TimeOfDay","startHour":1,"endHour":3}`

	tests := []struct {
		name      string
		cond      string
		triggered bool
		score     float64
	}{
		{"and all", `{"type":"Composite","logic":"AND","conditions":[` + velocity + `,` + fresh + `]}`, true, 90},
		{"and partial", `{"type":"Composite","logic":"AND","conditions":[` + velocity + `,` + night + `]}`, false, 0},
		{"or partial", `{"type":"Composite","logic":"or","conditions":[` + night + `,` + fresh + `]}`, true, 40},
		{"or none", `{"type":"Composite","logic":"OR","conditions":[` + night + `]}`, false, 0},
		{"score clamped", `{"type":"Composite","logic":"AND","conditions":[` + velocity + `,` + fresh + `,` + velocity + `]}`, true, 100},
		{"nested", `{"type":"Composite","logic":"AND","conditions":[` + velocity + `,{"type":"Composite","logic":"OR","conditions":[` + night + `,` + fresh + `]}]}`, true, 90},
		{"empty and", `{"type":"Composite","logic":"AND","conditions":[]}`, false, 0},
		{"empty or", `{"type":"Composite","logic":"OR","conditions":[]}`, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := engine.Evaluate(ctx, rule("comp", tt.cond), txWithAmount("10"), acc)
			if res.Failed {
				t.Fatalf("unexpected failure: %s", res.Details)
			}
			if res.Triggered != tt.triggered || res.Score != tt.score {
				t.Errorf("expected %v/%v, got %v/%v (%s)", tt.triggered, tt.score, res.Triggered, res.Score, res.Details)
			}
		})
	}

	t.Run("details are joined", func(t *testing.T) {
		cond := `{"type":"Composite","logic":"OR","conditions":[` + night + `,` + fresh + `]}`
		res := engine.Evaluate(ctx, rule("comp", cond), txWithAmount("10"), acc)
		parts := strings.Split(res.Details, "; ")
		if len(parts) != 2 {
			t.Errorf("expected two detail parts, got %q", res.Details)
		}
	})

	t.Run("empty composite details", func(t *testing.T) {
		res := engine.Evaluate(ctx, rule("comp", `{"type":"Composite","conditions":[]}`), txWithAmount("10"), acc)
		if res.Details != "composite condition has no children" {
			t.Errorf("unexpected details %q", res.Details)
		}
	})
}

func TestEvaluateAbsorbsFailures(t *testing.T) {
	ctx := context.Background()
	acc := accountWith(30, 0, "0")

	tests := []struct {
		name    string
		engine  *Engine
		cond    string
		details string
	}{
		{"unknown type", newTestEngine(nil), `{"type":"Astrology"}`, "invalid rule configuration"},
		{"malformed json", newTestEngine(nil), `{"type":`, "invalid rule configuration"},
		{"lookup failure", newTestEngine(&stubHistory{err: errStorage}), `{"type":"Velocity","transactionCount":1,"timeWindowMinutes":5}`, "storage unavailable"},
		{"no history", newTestEngine(nil), `{"type":"Velocity","transactionCount":1,"timeWindowMinutes":5}`, "rule evaluation error"},
		{"panicking lookup", newTestEngine(panicHistory{}), `{"type":"Velocity","transactionCount":1,"timeWindowMinutes":5}`, "rule evaluation failed"},
		{"failure inside composite", newTestEngine(&stubHistory{err: errStorage}), `{"type":"Composite","logic":"OR","conditions":[{"type":"TimeOfDay","startHour":0,"endHour":23},{"type":"Velocity","transactionCount":1,"timeWindowMinutes":5}]}`, "conditions[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.engine.Evaluate(ctx, rule("bad", tt.cond), txWithAmount("10"), acc)
			if res.Triggered || res.Score != 0 {
				t.Errorf("expected non-triggered zero score, got %v/%v", res.Triggered, res.Score)
			}
			if !res.Failed {
				t.Error("expected failed flag")
			}
			if !strings.Contains(res.Details, tt.details) {
				t.Errorf("expected details to mention %q, got %q", tt.details, res.Details)
			}
			if res.RuleID != "bad" {
				t.Errorf("expected rule id to be kept, got %q", res.RuleID)
			}
		})
	}

	t.Run("missing account", func(t *testing.T) {
		res := newTestEngine(nil).Evaluate(ctx, rule("dev", `{"type":"AmountDeviation"}`), txWithAmount("10"), nil)
		if !res.Failed || res.Triggered {
			t.Errorf("expected failed non-trigger, got %+v", res)
		}
	})
}

func TestEvaluateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(&stubHistory{count: 7, latest: &domain.Transaction{ID: "p", Location: london}})
	r := rule("mix", `{"type":"Composite","logic":"OR","conditions":[
		{"type":"Velocity","transactionCount":5,"timeWindowMinutes":10},
		{"type":"LocationAnomaly","maxDistanceKm":500,"timeWindowMinutes":60},
		{"type":"AmountDeviation"}]}`)
	tx := txWithAmount("900")
	acc := accountWith(90, 10, "100")

	first := engine.Evaluate(ctx, r, tx, acc)
	second := engine.Evaluate(ctx, r, tx, acc)
	if first.Triggered != second.Triggered || first.Score != second.Score || first.Details != second.Details {
		t.Errorf("expected identical results, got %+v and %+v", first, second)
	}
}

func TestEvaluateAllKeepsRuleOrder(t *testing.T) {
	engine := newTestEngine(&stubHistory{count: 2})
	var rules []*domain.FraudRule
	for i := 0; i < 20; i++ {
		rules = append(rules, rule(fmt.Sprintf("r-%02d", i), `{"type":"Velocity","transactionCount":1,"timeWindowMinutes":5}`))
	}

	results := engine.EvaluateAll(context.Background(), rules, txWithAmount("10"), accountWith(30, 0, "0"))
	if len(results) != len(rules) {
		t.Fatalf("expected %d results, got %d", len(rules), len(results))
	}
	for i, res := range results {
		if res.RuleID != rules[i].ID {
			t.Errorf("position %d: expected %s, got %s", i, rules[i].ID, res.RuleID)
		}
		if !res.Triggered {
			t.Errorf("rule %s: expected trigger", res.RuleID)
		}
	}
}

func TestConcurrencyLimit(t *testing.T) {
	var concurrentCount int32
	var maxConcurrent int32

	h := &stubHistory{count: 1, onCount: func() {
		current := atomic.AddInt32(&concurrentCount, 1)
		defer atomic.AddInt32(&concurrentCount, -1)

		// Track max concurrent
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if current <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, current) {
				break
			}
		}

		time.Sleep(10 * time.Millisecond) // Simulate work
	}}

	engine := NewEngine(h, domain.FixedClock(evalNow), 2) // Max 2 workers

	var rules []*domain.FraudRule
	for i := 0; i < 10; i++ {
		rules = append(rules, rule(fmt.Sprintf("rule-%d", i), `{"type":"Velocity","transactionCount":1,"timeWindowMinutes":5}`))
	}

	engine.EvaluateAll(context.Background(), rules, txWithAmount("10"), accountWith(30, 0, "0"))

	if got := atomic.LoadInt32(&maxConcurrent); got > 2 {
		t.Errorf("expected at most 2 concurrent evaluations, got %d", got)
	}
}

func TestEvaluateAllIsolatesFailures(t *testing.T) {
	engine := newTestEngine(panicHistory{})
	rules := []*domain.FraudRule{
		rule("ok", `{"type":"AmountThreshold","threshold":1}`),
		rule("boom", `{"type":"Velocity","transactionCount":1,"timeWindowMinutes":5}`),
		rule("broken", `not json`),
		rule("ok2", `{"type":"UnusualMerchant","highRiskCategories":["groceries"]}`),
	}

	results := engine.EvaluateAll(context.Background(), rules, txWithAmount("10"), accountWith(30, 0, "0"))
	if !results[0].Triggered || !results[3].Triggered {
		t.Errorf("expected healthy rules to trigger, got %+v and %+v", results[0], results[3])
	}
	if !results[1].Failed || !results[2].Failed {
		t.Errorf("expected broken rules to be marked failed")
	}
}

func TestEvaluateAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := newTestEngine(&stubHistory{count: 9})
	rules := []*domain.FraudRule{
		rule("a", `{"type":"Velocity","transactionCount":1,"timeWindowMinutes":5}`),
		rule("b", `{"type":"Velocity","transactionCount":1,"timeWindowMinutes":5}`),
	}
	for _, res := range engine.EvaluateAll(ctx, rules, txWithAmount("10"), accountWith(30, 0, "0")) {
		if res.Triggered || !res.Failed {
			t.Errorf("expected skipped result, got %+v", res)
		}
	}
}

func TestEvaluateAllEmpty(t *testing.T) {
	results := newTestEngine(nil).EvaluateAll(context.Background(), nil, txWithAmount("10"), nil)
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}
