package perf

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/jobs"
)

func TestCuttingOptimizeJobThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)

	svc, err := ledger.NewService(ledger.NewMemoryRepository(), ledger.ServiceConfig{NodeID: 9}, ledger.ServiceDeps{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	gw := ledger.NewGateway(svc)
	ctx := context.Background()
	for _, length := range []string{"5.8", "6", "6.5"} {
		if _, err := gw.Receive(ctx, ledger.ReceiptForm{
			MaterialID:   "AL-6063",
			Length:       length,
			LengthUnit:   "m",
			Gauge:        "1.4",
			Quantity:     "80",
			ActualWeight: "320",
			UnitCost:     "75.5",
		}); err != nil {
			t.Fatalf("receive %s: %v", length, err)
		}
	}

	cuts := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		cuts = append(cuts, []string{"1.215", "0.985", "2.4", "1.6"}[i%4])
	}
	task, err := jobs.NewCuttingOptimizeTask(jobs.CuttingOptimizePayload{Requests: []ledger.CuttingForm{
		{MaterialID: "AL-6063", Gauge: "1.4", Reference: "WO-1", Cuts: cuts},
		{MaterialID: "AL-6063", Gauge: "1.4", Reference: "WO-2", Cuts: cuts[:12], Policy: "scrap-first"},
	}})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	job := jobs.NewCuttingOptimizeJob(gw, nil, metrics)
	for i := 0; i < 25; i++ {
		if err := job.Handle(ctx, task); err != nil {
			t.Fatalf("optimize run %d: %v", i, err)
		}
	}

	// Unknown materials fail after the tracker starts.
	missing, err := jobs.NewCuttingOptimizeTask(jobs.CuttingOptimizePayload{Requests: []ledger.CuttingForm{
		{MaterialID: "AL-MISSING", Cuts: []string{"1"}},
	}})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := job.Handle(ctx, missing); !errors.Is(err, asynq.SkipRetry) {
			t.Fatalf("expected unknown material to skip retries, got %v", err)
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	success := metricValue(t, families, "stockledger_jobs_total", map[string]string{"job": jobs.TaskCuttingOptimize, "status": "success"})
	failure := metricValue(t, families, "stockledger_jobs_total", map[string]string{"job": jobs.TaskCuttingOptimize, "status": "failure"})
	if success != 25 || failure != 2 {
		t.Fatalf("unexpected run counts success=%v failure=%v", success, failure)
	}
	if ratio := success / (success + failure); ratio < 0.9 {
		t.Fatalf("optimize job success ratio too low: %f", ratio)
	}

	mean := histogramMean(t, families, "stockledger_job_duration_seconds", map[string]string{"job": jobs.TaskCuttingOptimize})
	if mean > 2.0 {
		t.Fatalf("optimize job duration above budget: %f", mean)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
		}
	}
	for key := range labels {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
