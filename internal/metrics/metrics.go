package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	approvalsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conductor_approvals_recorded_total",
		Help: "Approvals recorded against merge requests",
	})

	approvalsRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conductor_approvals_revoked_total",
		Help: "Approvals removed by the approver or reset on push",
	})

	approvalEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_approval_evaluations_total",
		Help: "Approval state evaluations by outcome",
	}, []string{"outcome"})

	trainTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_train_transitions_total",
		Help: "Merge train entry state transitions",
	}, []string{"from", "to"})

	trainRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_train_removals_total",
		Help: "Entries removed from a merge train by reason",
	}, []string{"reason"})

	trainMergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conductor_train_merge_duration_seconds",
		Help:    "Time from joining a merge train to being merged",
		Buckets: prometheus.ExponentialBuckets(30, 2, 10),
	})

	pipelinesCanceled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conductor_pipelines_canceled_total",
		Help: "Pipelines canceled because their train entry went away",
	})

	webhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_webhooks_received_total",
		Help: "Webhook deliveries accepted by provider",
	}, []string{"provider"})

	webhooksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_webhooks_processed_total",
		Help: "Normalized webhook events handled by type",
	}, []string{"type"})

	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conductor_jobs_failed_total",
		Help: "Background jobs that failed after retries",
	}, []string{"kind"})
)

// ApprovalRecorded counts a new approval.
func ApprovalRecorded() { approvalsRecorded.Inc() }

// ApprovalsRevoked counts n removed approvals.
func ApprovalsRevoked(n int) { approvalsRevoked.Add(float64(n)) }

// ApprovalEvaluated counts an approval state evaluation.
func ApprovalEvaluated(approved bool) {
	outcome := "blocked"
	if approved {
		outcome = "approved"
	}
	approvalEvaluations.WithLabelValues(outcome).Inc()
}

// TrainTransition counts a merge train state change.
func TrainTransition(from, to string) { trainTransitions.WithLabelValues(from, to).Inc() }

// TrainRemoved counts an entry dropped from a train.
func TrainRemoved(reason string) { trainRemovals.WithLabelValues(reason).Inc() }

// TrainMerged observes how long an entry spent on the train.
func TrainMerged(d time.Duration) { trainMergeDuration.Observe(d.Seconds()) }

// PipelineCanceled counts a pipeline cancellation.
func PipelineCanceled() { pipelinesCanceled.Inc() }

// WebhookReceived counts an accepted webhook delivery.
func WebhookReceived(provider string) { webhooksReceived.WithLabelValues(provider).Inc() }

// WebhookProcessed counts a handled event.
func WebhookProcessed(eventType string) { webhooksProcessed.WithLabelValues(eventType).Inc() }

// JobFailed counts a background job that gave up.
func JobFailed(kind string) { jobsFailed.WithLabelValues(kind).Inc() }

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
