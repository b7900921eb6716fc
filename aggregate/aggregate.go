// Package aggregate folds decoded scan results into running per-sender
// statistics.
package aggregate

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/whitespace/export"
	"github.com/hb9tf/whitespace/metrics"
	"github.com/hb9tf/whitespace/sdr"
)

// ErrStoreWrite wraps every store failure. The engine stops on it since
// the aggregates can no longer be trusted.
var ErrStoreWrite = errors.New("store write failed")

// Engine is the single writer of the store.
type Engine struct {
	store   export.Store
	metrics *metrics.Metrics
}

func New(store export.Store, m *metrics.Metrics) *Engine {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Engine{store: store, metrics: m}
}

// Run handles events until the channel is closed or a store write fails,
// then closes the store. After a failure the caller must stop the
// producers; nothing reads events anymore.
func (e *Engine) Run(events <-chan sdr.ScanResult) error {
	var runErr error
	for ev := range events {
		e.metrics.EventQueueLength.Set(float64(len(events)))
		if err := e.Handle(ev); err != nil {
			glog.Errorf("aggregation stopped: %s", err)
			runErr = err
			break
		}
	}

	if err := e.store.Close(); err != nil {
		closeErr := fmt.Errorf("%w: closing store: %w", ErrStoreWrite, err)
		if runErr == nil {
			return closeErr
		}
		glog.Warningf("%s", closeErr)
	}
	return runErr
}

// Handle applies one event to the store.
func (e *Engine) Handle(ev sdr.ScanResult) error {
	id := export.SenderID(ev.Sender)
	start := time.Now()
	defer func() {
		e.metrics.StoreLatency.Observe(time.Since(start).Seconds())
	}()

	if ev.Lost() {
		if err := e.store.MarkNotAlive(id); err != nil {
			return fmt.Errorf("%w: marking %s not alive: %w", ErrStoreWrite, id, err)
		}
		e.metrics.LivenessLost.Inc()
		glog.Infof("sender %s is no longer alive", id)
		return nil
	}

	rec, err := e.store.GetOrCreate(id)
	if err != nil {
		return fmt.Errorf("%w: loading %s: %w", ErrStoreWrite, id, err)
	}
	if needsReset(rec, ev) {
		if rec.Count > 0 {
			glog.Infof("resetting aggregate of %s (alive=%t, options changed=%t)", id, rec.Alive, rec.Options != *ev.Options)
		}
		rec = reset(rec, ev)
		e.metrics.AggregateResets.Inc()
	} else {
		fold(&rec, ev)
		e.metrics.AggregateFolds.Inc()
	}
	if err := e.store.Put(id, rec); err != nil {
		return fmt.Errorf("%w: saving %s: %w", ErrStoreWrite, id, err)
	}
	return nil
}

func needsReset(rec sdr.Record, ev sdr.ScanResult) bool {
	switch {
	case rec.Count == 0:
		return true
	case !rec.Alive:
		return true
	case rec.Options != *ev.Options:
		return true
	case len(rec.Avg) != len(ev.RSSI):
		return true
	}
	return false
}

// reset starts a new epoch from the single sample of ev.
func reset(prev sdr.Record, ev sdr.ScanResult) sdr.Record {
	return sdr.Record{
		Sender:     mergeSender(prev.Sender, ev.Sender),
		Options:    *ev.Options,
		Alive:      true,
		LastReport: ev.Time,
		Last:       copyOf(ev.RSSI),
		Avg:        copyOf(ev.RSSI),
		Min:        copyOf(ev.RSSI),
		Max:        copyOf(ev.RSSI),
		Count:      1,
		Epoch:      prev.Epoch + 1,
	}
}

// fold adds ev to rec with weights [Count, 1].
func fold(rec *sdr.Record, ev sdr.ScanResult) {
	rec.Count++
	n := float64(rec.Count)
	for i, x := range ev.RSSI {
		// Incremental form keeps a constant input exact.
		rec.Avg[i] += (x - rec.Avg[i]) / n
		if x < rec.Min[i] {
			rec.Min[i] = x
		}
		if x > rec.Max[i] {
			rec.Max[i] = x
		}
	}
	rec.Last = copyOf(ev.RSSI)
	rec.Sender = mergeSender(rec.Sender, ev.Sender)
	rec.LastReport = ev.Time
	rec.Alive = true
}

// mergeSender keeps a known hardware id when a report carries none.
func mergeSender(prev, cur sdr.Sender) sdr.Sender {
	if cur.HardwareID == "" {
		cur.HardwareID = prev.HardwareID
	}
	return cur
}

func copyOf(in []float64) []float64 {
	out := make([]float64, len(in))
	copy(out, in)
	return out
}
