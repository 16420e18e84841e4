package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestApprovalRecorded(t *testing.T) {
	before := testutil.ToFloat64(approvalsRecorded)

	ApprovalRecorded()

	if got := testutil.ToFloat64(approvalsRecorded); got != before+1 {
		t.Errorf("approvalsRecorded = %v, want %v", got, before+1)
	}
}

func TestApprovalsRevoked(t *testing.T) {
	before := testutil.ToFloat64(approvalsRevoked)

	ApprovalsRevoked(3)

	if got := testutil.ToFloat64(approvalsRevoked); got != before+3 {
		t.Errorf("approvalsRevoked = %v, want %v", got, before+3)
	}
}

func TestApprovalEvaluated(t *testing.T) {
	approved := testutil.ToFloat64(approvalEvaluations.WithLabelValues("approved"))
	blocked := testutil.ToFloat64(approvalEvaluations.WithLabelValues("blocked"))

	ApprovalEvaluated(true)
	ApprovalEvaluated(false)
	ApprovalEvaluated(false)

	if got := testutil.ToFloat64(approvalEvaluations.WithLabelValues("approved")); got != approved+1 {
		t.Errorf("approved = %v, want %v", got, approved+1)
	}
	if got := testutil.ToFloat64(approvalEvaluations.WithLabelValues("blocked")); got != blocked+2 {
		t.Errorf("blocked = %v, want %v", got, blocked+2)
	}
}

func TestTrainTransition(t *testing.T) {
	c := trainTransitions.WithLabelValues("fresh", "merging")
	before := testutil.ToFloat64(c)

	TrainTransition("fresh", "merging")

	if got := testutil.ToFloat64(c); got != before+1 {
		t.Errorf("transitions = %v, want %v", got, before+1)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	c := webhooksReceived.WithLabelValues("gitlab")
	before := testutil.ToFloat64(c)

	var wg sync.WaitGroup
	iterations := 500
	for i := 0; i < iterations; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			WebhookReceived("gitlab")
		}()
	}
	wg.Wait()

	if got := testutil.ToFloat64(c); got != before+float64(iterations) {
		t.Errorf("webhooksReceived = %v, want %v", got, before+float64(iterations))
	}
}

func TestHandler_ExposesConductorMetrics(t *testing.T) {
	ApprovalRecorded()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "conductor_approvals_recorded_total") {
		t.Error("metrics output missing conductor_approvals_recorded_total")
	}
}
