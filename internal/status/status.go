// Package status publishes live progress for observers of the sync engine.
package status

import "sync"

// Progress is a value/maximum pair with a human-readable text. A maximum
// of -1 means indeterminate.
type Progress struct {
	Value   int
	Maximum int
	Text    string
}

func (p *Progress) Reset() {
	p.Value = 0
	p.Maximum = -1
	p.Text = ""
}

func (p Progress) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"value":   float64(p.Value),
		"maximum": float64(p.Maximum),
		"text":    p.Text,
	}
}

// Snapshot is the observable state of the engine at one moment.
type Snapshot struct {
	IsAdSyncInProgress         bool
	IsWebPushInProgress        bool
	AdSyncProgress             Progress
	WebPushProgress            Progress
	IsAnomalyDetected          bool
	AnomalyMessage             string
	AnomalyNotPresentUserCount int
	AnomalyNotPresentGroupCount int
}

func (s Snapshot) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"isAdSyncInProgress":          s.IsAdSyncInProgress,
		"isWebPushInProgress":         s.IsWebPushInProgress,
		"adSyncProgress":              s.AdSyncProgress.ToMap(),
		"webPushProgress":             s.WebPushProgress.ToMap(),
		"isAnomalyDetected":           s.IsAnomalyDetected,
		"anomalyMessage":              s.AnomalyMessage,
		"anomalyNotPresentUserCount":  float64(s.AnomalyNotPresentUserCount),
		"anomalyNotPresentGroupCount": float64(s.AnomalyNotPresentGroupCount),
	}
}

// Tracker guards a Progress with a short-lived mutex. The worker writes,
// the RPC surface reads.
type Tracker struct {
	mu sync.Mutex
	p  Progress
}

func NewTracker() *Tracker {
	t := &Tracker{}
	t.p.Reset()
	return t
}

func (t *Tracker) Set(text string, value, maximum int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Text = text
	t.p.Value = value
	t.p.Maximum = maximum
}

func (t *Tracker) SetText(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Text = text
}

func (t *Tracker) Add(delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Value += delta
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Reset()
}

func (t *Tracker) Get() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p
}
