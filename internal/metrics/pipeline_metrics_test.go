package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func histogram(t *testing.T, o prometheus.Observer) *dto.Histogram {
	t.Helper()
	m := &dto.Metric{}
	if err := o.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetHistogram()
}

func TestRecordApprovalObservesWait(t *testing.T) {
	before := histogram(t, ApprovalWaitSeconds.WithLabelValues("rejected"))
	RecordApproval("rejected", 45*time.Minute)
	after := histogram(t, ApprovalWaitSeconds.WithLabelValues("rejected"))

	if after.GetSampleCount()-before.GetSampleCount() != 1 {
		t.Fatalf("expected one new sample, got %d", after.GetSampleCount()-before.GetSampleCount())
	}
	if got := after.GetSampleSum() - before.GetSampleSum(); got != 2700 {
		t.Fatalf("expected 2700s observed, got %v", got)
	}
}

func TestRecordGate(t *testing.T) {
	before := testutil.ToFloat64(GateResultsTotal.WithLabelValues("manifest", "failed"))
	RecordGate("manifest", false, false)
	after := testutil.ToFloat64(GateResultsTotal.WithLabelValues("manifest", "failed"))
	if after-before != 1 {
		t.Fatalf("expected failed manifest counter to increase by 1, got %v", after-before)
	}

	skippedBefore := testutil.ToFloat64(GateResultsTotal.WithLabelValues("runtime", "skipped"))
	RecordGate("runtime", true, true)
	if testutil.ToFloat64(GateResultsTotal.WithLabelValues("runtime", "skipped"))-skippedBefore != 1 {
		t.Fatal("expected skipped to take precedence over passed")
	}
}

func TestSetLockHeld(t *testing.T) {
	SetLockHeld(true)
	if testutil.ToFloat64(ProductionLockHeld) != 1 {
		t.Fatal("expected lock gauge 1")
	}
	SetLockHeld(false)
	if testutil.ToFloat64(ProductionLockHeld) != 0 {
		t.Fatal("expected lock gauge 0")
	}
}

func TestMonitoredErrorRateLifecycle(t *testing.T) {
	SetMonitoredErrorRate("deployment/metrics-test/api", 0.25)
	if got := testutil.ToFloat64(MonitoredErrorRate.WithLabelValues("deployment/metrics-test/api")); got != 0.25 {
		t.Fatalf("gauge = %v", got)
	}
	ClearMonitoredErrorRate("deployment/metrics-test/api")
	if testutil.CollectAndCount(MonitoredErrorRate) != 0 {
		t.Fatal("expected series to be removed")
	}
}

func TestRecordHelpersDoNotPanic(t *testing.T) {
	RecordEnqueue("created")
	RecordTransition("queued")
	RecordFinished("resolved")
	SetQueueDepth("P0", 2)
	RecordApproval("approved", 3*time.Minute)
	RecordLockWait(time.Second)
	RecordProvisionAttempt("transient")
	RecordVerification("passed", time.Minute)
	SetBreakerState("trivy", 1)
	RecordRollback("stable")
}
