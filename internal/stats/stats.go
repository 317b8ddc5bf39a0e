package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"
)

// Metric names tracked by the realtime core.
const (
	MessagesSent          = "MessagesSent"
	MessagesReceived      = "MessagesReceived"
	MessagesDeduped       = "MessagesDeduped"
	Reconnects            = "Reconnects"
	ChannelsOpen          = "ChannelsOpen"
	TypingEvents          = "TypingEvents"
	PresenceEvents        = "PresenceEvents"
	NotificationsReceived = "NotificationsReceived"
	BackendSyncFailures   = "BackendSyncFailures"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

// StatsUpdater aggregates counters on a private expvar map so multiple
// updaters (tests, embedded sessions) never collide in the process-wide
// expvar registry.
type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
}

type metricsUpdateReq struct {
	name  string
	value int
}

// NewStatsUpdater creates a stats updater with the core metric set
// pre-registered.
func NewStatsUpdater() *StatsUpdater {
	su := &StatsUpdater{
		vars:       new(expvar.Map).Init(),
		updateChan: make(chan *metricsUpdateReq, 512),
	}

	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	for _, name := range []string{
		MessagesSent, MessagesReceived, MessagesDeduped, Reconnects,
		ChannelsOpen, TypingEvents, PresenceEvents,
		NotificationsReceived, BackendSyncFailures,
	} {
		su.RegisterMetric(name)
	}

	return su
}

// Handler serves the current counter values as JSON.
func (su *StatsUpdater) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		expvarData := make(map[string]any)
		su.vars.Do(func(kv expvar.KeyValue) {
			var value any
			json.Unmarshal([]byte(kv.Value.String()), &value)
			expvarData[kv.Key] = value
		})

		json.NewEncoder(w).Encode(expvarData)
	}
}

func (su *StatsUpdater) updateMetrics() {
	for req := range su.updateChan {
		metric := su.vars.Get(req.name)
		if metric == nil {
			panic("metric not found: " + req.name)
		}

		metric.(*expvar.Int).Add(int64(req.value))
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: 1}
}

func (su *StatsUpdater) Decr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: -1}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

// Get returns the current value of a counter.
func (su *StatsUpdater) Get(name string) int64 {
	v, ok := su.vars.Get(name).(*expvar.Int)
	if !ok {
		return 0
	}
	return v.Value()
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	close(su.updateChan)
}
