package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"endpointq/internal/eventbus"
	"endpointq/internal/queue"
)

// StatsProvider supplies point-in-time queue snapshots.
type StatsProvider interface {
	AllQueueStats() map[string]queue.StatsSnapshot
}

// Exporter periodically maps queue snapshots into Prometheus gauges and
// feeds a duration histogram from terminal bus events.
type Exporter struct {
	provider StatsProvider
	bus      eventbus.Bus
	interval time.Duration

	tasksTotal    *prom.GaugeVec // {endpoint, outcome}
	bandTotal     *prom.GaugeVec // {endpoint, band, outcome}
	queueDepth    *prom.GaugeVec // {endpoint}
	avgSeconds    *prom.GaugeVec // {endpoint}
	windowSamples *prom.GaugeVec // {endpoint}

	durationSeconds *prom.HistogramVec // {endpoint, band}

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	unsub   func()
	done    chan struct{}
	busDone chan struct{}
}

// NewExporter registers the collectors with reg (DefaultRegisterer when
// nil) and returns an exporter ready to Start.
func NewExporter(namespace string, reg prom.Registerer, provider StatsProvider, bus eventbus.Bus, interval time.Duration) (*Exporter, error) {
	if namespace == "" {
		namespace = "endpointq"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	tasksTotal := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Task counter snapshot per endpoint and outcome.",
	}, []string{"endpoint", "outcome"})
	bandTotal := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "band_tasks_total",
		Help:      "Task counter snapshot per endpoint, priority band and outcome.",
	}, []string{"endpoint", "band", "outcome"})
	queueDepth := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Current queue depth per endpoint.",
	}, []string{"endpoint"})
	avgSeconds := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "avg_processing_seconds",
		Help:      "Rolling-window average processing time per endpoint.",
	}, []string{"endpoint"})
	windowSamples := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "window_samples",
		Help:      "Number of samples currently in the rolling window.",
	}, []string{"endpoint"})
	durationSeconds := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Task execution duration in seconds.",
		Buckets:   prom.DefBuckets,
	}, []string{"endpoint", "band"})

	var err error
	if tasksTotal, err = registerCollector(reg, tasksTotal); err != nil {
		return nil, err
	}
	if bandTotal, err = registerCollector(reg, bandTotal); err != nil {
		return nil, err
	}
	if queueDepth, err = registerCollector(reg, queueDepth); err != nil {
		return nil, err
	}
	if avgSeconds, err = registerCollector(reg, avgSeconds); err != nil {
		return nil, err
	}
	if windowSamples, err = registerCollector(reg, windowSamples); err != nil {
		return nil, err
	}
	if durationSeconds, err = registerCollector(reg, durationSeconds); err != nil {
		return nil, err
	}

	return &Exporter{
		provider:        provider,
		bus:             bus,
		interval:        interval,
		tasksTotal:      tasksTotal,
		bandTotal:       bandTotal,
		queueDepth:      queueDepth,
		avgSeconds:      avgSeconds,
		windowSamples:   windowSamples,
		durationSeconds: durationSeconds,
	}, nil
}

// Start begins periodic polling and bus consumption; repeated calls are
// no-ops.
func (e *Exporter) Start(ctx context.Context) {
	if e == nil {
		return
	}
	e.stateMu.Lock()
	if e.running {
		e.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	if e.bus != nil {
		ch, unsub := e.bus.Subscribe(256)
		e.unsub = unsub
		e.busDone = make(chan struct{})
		go e.consume(ch)
	}
	e.stateMu.Unlock()

	go e.loop(pollCtx)
}

// Stop halts polling and waits for both loops; repeated calls are safe.
func (e *Exporter) Stop() {
	if e == nil {
		return
	}
	e.stateMu.Lock()
	if !e.running {
		e.stateMu.Unlock()
		return
	}
	cancel := e.cancel
	unsub := e.unsub
	done := e.done
	busDone := e.busDone
	e.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
	if done != nil {
		<-done
	}
	if busDone != nil {
		<-busDone
	}

	e.stateMu.Lock()
	e.running = false
	e.cancel = nil
	e.unsub = nil
	e.done = nil
	e.busDone = nil
	e.stateMu.Unlock()
}

func (e *Exporter) loop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.collectOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.collectOnce()
		}
	}
}

func (e *Exporter) collectOnce() {
	if e.provider == nil {
		return
	}
	for key, s := range e.provider.AllQueueStats() {
		e.tasksTotal.WithLabelValues(key, "queued").Set(float64(s.QueuedTasks))
		e.tasksTotal.WithLabelValues(key, "processed").Set(float64(s.ProcessedTasks))
		e.tasksTotal.WithLabelValues(key, "failed").Set(float64(s.FailedTasks))
		e.tasksTotal.WithLabelValues(key, "cancelled").Set(float64(s.CancelledTasks))
		e.queueDepth.WithLabelValues(key).Set(float64(s.CurrentQueueDepth))
		e.avgSeconds.WithLabelValues(key).Set(s.AverageProcessingTime.Seconds())
		e.windowSamples.WithLabelValues(key).Set(float64(s.WindowSamples))
		for band, bc := range s.PriorityBreakdown {
			b := string(band)
			e.bandTotal.WithLabelValues(key, b, "queued").Set(float64(bc.Queued))
			e.bandTotal.WithLabelValues(key, b, "processed").Set(float64(bc.Processed))
			e.bandTotal.WithLabelValues(key, b, "failed").Set(float64(bc.Failed))
			e.bandTotal.WithLabelValues(key, b, "cancelled").Set(float64(bc.Cancelled))
		}
	}
}

func (e *Exporter) consume(ch <-chan eventbus.Event) {
	defer close(e.busDone)
	for ev := range ch {
		if ev.Type != queue.EventTaskCompleted && ev.Type != queue.EventTaskFailed {
			continue
		}
		te, ok := ev.Data.(queue.TaskEvent)
		if !ok {
			continue
		}
		e.durationSeconds.WithLabelValues(te.Endpoint, string(te.Band)).Observe(te.Duration.Seconds())
	}
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var already prom.AlreadyRegisteredError
	if errors.As(err, &already) {
		existing, ok := already.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, err
}
