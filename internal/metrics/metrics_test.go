package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestCollector(t *testing.T) {
	c := New("kestrel")

	c.ObserveAnalysis(domain.RiskHigh, 80, 3*time.Millisecond)
	c.ObserveAnalysis(domain.RiskHigh, 77, time.Millisecond)
	c.ObserveAnalysis(domain.RiskNone, 0, time.Millisecond)
	c.AnalysisFailed()
	c.ObserveRules([]domain.RuleEvaluationResult{
		{RuleName: "High Value Transaction", Triggered: true},
		{RuleName: "High Value Transaction", Triggered: true},
		{RuleName: "Unusual Transaction Time", Triggered: false},
		{RuleName: "Broken", Failed: true},
	})
	c.CacheHit()
	c.CacheMiss()
	c.CacheMiss()
	c.TransactionIngested(domain.TxTypePurchase)

	t.Run("Analyses", func(t *testing.T) {
		if got := testutil.ToFloat64(c.analyses.WithLabelValues("High")); got != 2 {
			t.Errorf("expected 2 high analyses, got %v", got)
		}
		if got := testutil.ToFloat64(c.analyses.WithLabelValues("None")); got != 1 {
			t.Errorf("expected 1 none analysis, got %v", got)
		}
		if got := testutil.ToFloat64(c.analysisFailures); got != 1 {
			t.Errorf("expected 1 failure, got %v", got)
		}
	})

	t.Run("Rules", func(t *testing.T) {
		if got := testutil.ToFloat64(c.ruleTriggers.WithLabelValues("High Value Transaction")); got != 2 {
			t.Errorf("expected 2 triggers, got %v", got)
		}
		if got := testutil.ToFloat64(c.ruleFailures.WithLabelValues("Broken")); got != 1 {
			t.Errorf("expected 1 rule failure, got %v", got)
		}
		if got := testutil.CollectAndCount(c.ruleTriggers); got != 1 {
			t.Errorf("expected only triggered rules to be labelled, got %d series", got)
		}
	})

	t.Run("Cache", func(t *testing.T) {
		if got := testutil.ToFloat64(c.cacheRequests.WithLabelValues("miss")); got != 2 {
			t.Errorf("expected 2 misses, got %v", got)
		}
		if got := testutil.ToFloat64(c.cacheRequests.WithLabelValues("hit")); got != 1 {
			t.Errorf("expected 1 hit, got %v", got)
		}
	})

	t.Run("Handler", func(t *testing.T) {
		srv := httptest.NewServer(c.Handler())
		defer srv.Close()

		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatalf("scrape failed: %v", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		for _, name := range []string{"kestrel_analyses_total", "kestrel_fraud_score_bucket", "kestrel_transactions_ingested_total"} {
			if !strings.Contains(string(body), name) {
				t.Errorf("expected %s in exposition", name)
			}
		}
	})
}

func TestNilCollector(t *testing.T) {
	var c *Collector

	// None of these may panic.
	c.ObserveAnalysis(domain.RiskLow, 30, time.Millisecond)
	c.AnalysisFailed()
	c.ObserveRules([]domain.RuleEvaluationResult{{RuleName: "x", Triggered: true}})
	c.CacheHit()
	c.CacheMiss()
	c.TransactionIngested(domain.TxTypeRefund)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 from nil collector, got %d", rec.Code)
	}
}
