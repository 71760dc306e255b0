// Package metrics holds the process-wide Prometheus collectors for ingest,
// dispatch and the workers. Collectors live on a private registry so tests
// and the /metrics route see only this service's series.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry every collector below is registered on.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

// Worker transports, used as the "transport" label.
const (
	TransportSQS    = "sqs"
	TransportAsynq  = "asynq"
	TransportLambda = "lambda"
)

var (
	submissions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_submissions_total",
		Help: "Video submissions by result",
	}, []string{"result"})
	orphanedObjects = factory.NewCounter(prometheus.CounterOpts{
		Name: "ingest_orphaned_objects_total",
		Help: "Stored videos left without an analysis record",
	})

	dispatched = factory.NewCounter(prometheus.CounterOpts{
		Name: "analysis_dispatched_total",
		Help: "Analyses handed to the dispatcher",
	})
	dispatchFailed = factory.NewCounter(prometheus.CounterOpts{
		Name: "analysis_dispatch_failed_total",
		Help: "Dispatch triggers that returned an error",
	})

	transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "analysis_transitions_total",
		Help: "Analyses entering each lifecycle status",
	}, []string{"status"})
	inFlight = factory.NewGauge(prometheus.GaugeOpts{
		Name: "analysis_in_flight",
		Help: "Analyses currently executing in this process",
	})
	processingDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "analysis_processing_duration_ms",
		Help:    "Analysis processing duration in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 300000},
	})

	leasesExpired = factory.NewCounter(prometheus.CounterOpts{
		Name: "watchdog_leases_expired_total",
		Help: "Processing analyses failed by the watchdog",
	})
	redispatched = factory.NewCounter(prometheus.CounterOpts{
		Name: "watchdog_redispatched_total",
		Help: "Pending analyses re-dispatched by the watchdog",
	})

	workerReceived = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_jobs_received_total",
		Help: "Queue messages received by the worker",
	}, []string{"transport"})
	workerFailed = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_jobs_failed_total",
		Help: "Queue messages whose processing returned an error",
	}, []string{"transport"})
	workerDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_messages_dropped_total",
		Help: "Malformed queue messages deleted without processing",
	}, []string{"transport", "reason"})

	rateLimited = factory.NewCounter(prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "Requests rejected with 429",
	})
)

func init() {
	// Pre-create the label values dashboards alert on, so they report zero
	// instead of being absent.
	for _, result := range []string{"accepted", "rejected"} {
		submissions.WithLabelValues(result)
	}
	for _, status := range []string{"processing", "completed", "failed"} {
		transitions.WithLabelValues(status)
	}
}

func IncSubmissionAccepted() { submissions.WithLabelValues("accepted").Inc() }
func IncSubmissionRejected() { submissions.WithLabelValues("rejected").Inc() }
func IncOrphanedObject()     { orphanedObjects.Inc() }
func IncDispatched()         { dispatched.Inc() }
func IncDispatchFailed()     { dispatchFailed.Inc() }

func IncAnalysisStarted()   { transitions.WithLabelValues("processing").Inc() }
func IncAnalysisCompleted() { transitions.WithLabelValues("completed").Inc() }
func IncAnalysisFailed()    { transitions.WithLabelValues("failed").Inc() }

// TrackInFlight counts an executing analysis until the returned func is called.
func TrackInFlight() (done func()) {
	inFlight.Inc()
	return inFlight.Dec
}

// ObserveProcessingDurationMs records a processing duration in milliseconds.
func ObserveProcessingDurationMs(value float64) {
	processingDuration.Observe(max(value, 0))
}

func IncLeaseExpired() { leasesExpired.Inc() }
func IncRedispatched() { redispatched.Inc() }

func IncWorkerReceived(transport string) { workerReceived.WithLabelValues(transport).Inc() }
func IncWorkerFailed(transport string)   { workerFailed.WithLabelValues(transport).Inc() }

// IncWorkerDropped counts a poison message deleted by transport for reason.
func IncWorkerDropped(transport, reason string) {
	workerDropped.WithLabelValues(transport, reason).Inc()
}

func IncRateLimited() { rateLimited.Inc() }

// Handler serves Registry in the Prometheus exposition format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
}

// Value sums every series of the named metric family. Counters, gauges and
// histogram sample counts are supported; ok is false when the family is unknown.
func Value(name string) (total float64, ok bool) {
	families, err := Registry.Gather()
	if err != nil {
		return 0, false
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		return total, true
	}
	return 0, false
}
