package stats

type stat struct {
	// totalSyncCycles is the total number of sync cycles started.
	totalSyncCycles counter

	// curSyncCycles is the number of sync cycles currently running. It can
	// only be 0 or 1 given the single-worker contract, but the peak
	// recorder doesn't need to know that.
	curSyncCycles counter

	usersRetrieved  counter
	groupsRetrieved counter
	pushRequests    counter
	pushFailures    counter
}

var stats stat

// StartSyncCycle updates stats when a sync cycle starts.
func StartSyncCycle() {
	stats.totalSyncCycles.incr()
	stats.curSyncCycles.incr()
	recordMetric(stats.totalSyncCycles.get(), syncCyclesTotal)

	peak.lock.Lock()
	defer peak.lock.Unlock()
	if peak.concurrentSyncCycles.get() < stats.curSyncCycles.get() {
		peak.concurrentSyncCycles = counter(stats.curSyncCycles.get())
	}
}

// StopSyncCycle updates stats when a sync cycle finishes.
func StopSyncCycle() {
	stats.curSyncCycles.decr()
}

// RetrievedUsers records users enumerated from a forest's directory.
func RetrievedUsers(forestGUID string, n int) {
	for i := 0; i < n; i++ {
		stats.usersRetrieved.incr()
	}
	recordForestMetric(stats.usersRetrieved.get(), usersRetrievedTotal, forestGUID)
}

// RetrievedGroups records groups enumerated from a forest's directory.
func RetrievedGroups(forestGUID string, n int) {
	for i := 0; i < n; i++ {
		stats.groupsRetrieved.incr()
	}
	recordForestMetric(stats.groupsRetrieved.get(), groupsRetrievedTotal, forestGUID)
}

// PushRequest records one SCIM request, failed or not.
func PushRequest(failed bool) {
	stats.pushRequests.incr()
	recordMetric(stats.pushRequests.get(), pushRequestsTotal)
	if failed {
		stats.pushFailures.incr()
		recordMetric(stats.pushFailures.get(), pushFailuresTotal)
	}
}

// SetAnomalyState publishes the anomaly detector state (0 none, 1 first
// seen, 2 persistent).
func SetAnomalyState(state int) {
	recordMetric(int64(state), anomalyState)
}
