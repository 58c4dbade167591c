package stats

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	ocstats "go.opencensus.io/stats"
	ocview "go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// ReportingInterval is the exporter reporting period.
const ReportingInterval = 1 * time.Minute

// Create Measures. A measure represents a metric type to be recorded.
var (
	syncCyclesTotal      = ocstats.Int64("sync_cycles_total", "The total number of sync cycles started", "cycles")
	syncCyclesConcurrent = ocstats.Int64("sync_cycles_concurrent_peak", "The peak concurrent sync cycles in the last reporting period", "cycles")
	usersRetrievedTotal  = ocstats.Int64("users_retrieved_total", "The number of users retrieved from the directory", "users")
	groupsRetrievedTotal = ocstats.Int64("groups_retrieved_total", "The number of groups retrieved from the directory", "groups")
	pushRequestsTotal    = ocstats.Int64("push_requests_total", "The number of SCIM requests issued", "requests")
	pushFailuresTotal    = ocstats.Int64("push_failures_total", "The number of failed SCIM requests", "requests")
	anomalyState         = ocstats.Int64("anomaly_state", "The current anomaly detection state (0 none, 1 first seen, 2 persistent)", "state")
)

// KeyForest tags per-forest measurements with the forest guid.
var KeyForest, _ = tag.NewKey("Forest")

// Create Views. Views are the coupling of an Aggregation applied to a
// Measure and optionally Tags. Views are the connection to exporters.
var (
	syncCyclesTotalView = &ocview.View{
		Name:        "adsync/monitor/cycles_total",
		Measure:     syncCyclesTotal,
		Description: "The total number of sync cycles started",
		Aggregation: ocview.LastValue(),
	}

	syncCyclesConcurrentView = &ocview.View{
		Name:        "adsync/monitor/cycles_concurrent_peak",
		Measure:     syncCyclesConcurrent,
		Description: "The peak concurrent sync cycles in the past 60s",
		Aggregation: ocview.LastValue(),
	}

	usersRetrievedView = &ocview.View{
		Name:        "adsync/monitor/users_retrieved_total",
		Measure:     usersRetrievedTotal,
		Description: "The number of users retrieved from the directory",
		Aggregation: ocview.LastValue(),
		TagKeys:     []tag.Key{KeyForest},
	}

	groupsRetrievedView = &ocview.View{
		Name:        "adsync/monitor/groups_retrieved_total",
		Measure:     groupsRetrievedTotal,
		Description: "The number of groups retrieved from the directory",
		Aggregation: ocview.LastValue(),
		TagKeys:     []tag.Key{KeyForest},
	}

	pushRequestsView = &ocview.View{
		Name:        "adsync/pusher/requests_total",
		Measure:     pushRequestsTotal,
		Description: "The number of SCIM requests issued",
		Aggregation: ocview.LastValue(),
	}

	pushFailuresView = &ocview.View{
		Name:        "adsync/pusher/failures_total",
		Measure:     pushFailuresTotal,
		Description: "The number of failed SCIM requests",
		Aggregation: ocview.LastValue(),
	}

	anomalyStateView = &ocview.View{
		Name:        "adsync/monitor/anomaly_state",
		Measure:     anomalyState,
		Description: "The current anomaly detection state",
		Aggregation: ocview.LastValue(),
	}
)

// periodicPeak contains periodic peaks for concurrent sync cycles.
type periodicPeak struct {
	// Lock is required for concurrent writes.
	lock                 sync.Mutex
	concurrentSyncCycles counter
}

var peak periodicPeak

// StartRecordingMetrics registers the views and starts the periodic peak
// recorder. It is imperative that the views get registered, otherwise
// recorded metrics are dropped and never exported.
func StartRecordingMetrics(log logr.Logger) {
	if err := ocview.Register(
		syncCyclesTotalView,
		syncCyclesConcurrentView,
		usersRetrievedView,
		groupsRetrievedView,
		pushRequestsView,
		pushFailuresView,
		anomalyStateView,
	); err != nil {
		log.Error(err, "Failed to register the views")
	}

	go recordPeakConcurrentSyncCycles()
}

// recordMetric records a measurement to a predefined measure without any specific tags.
func recordMetric(m int64, ms *ocstats.Int64Measure) {
	ocstats.Record(context.Background(), ms.M(m))
}

// recordForestMetric tags the measurement with the forest guid.
func recordForestMetric(m int64, ms *ocstats.Int64Measure, forestGUID string) {
	ctx, _ := tag.New(context.Background(), tag.Insert(KeyForest, forestGUID))
	ocstats.Record(ctx, ms.M(m))
}

func recordPeakConcurrentSyncCycles() {
	for {
		// This runs forever. It records and resets the peak value every
		// reporting interval.
		time.Sleep(ReportingInterval)

		peak.lock.Lock()
		recordMetric(peak.concurrentSyncCycles.get(), syncCyclesConcurrent)
		peak.concurrentSyncCycles = 0
		peak.lock.Unlock()
	}
}
