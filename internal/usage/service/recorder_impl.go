package service

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/veridoc/apigate/internal/clock"
	"github.com/veridoc/apigate/internal/config"
	obsmetrics "github.com/veridoc/apigate/internal/observability/metrics"
	usagedomain "github.com/veridoc/apigate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type aggKey struct {
	credentialID string
	day          string
}

type recorder struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  usagedomain.Repository
	clock clock.Clock

	queue chan usagedomain.Event
	stop  chan struct{}
	done  chan struct{}

	flushInterval time.Duration
	topEndpoints  int
	dropped       atomic.Int64

	mu    sync.Mutex
	dirty map[aggKey]*usagedomain.UsageAggregate
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Repo   usagedomain.Repository
	Clock  clock.Clock
	Config config.Config
}

func New(lc fx.Lifecycle, p Params) usagedomain.Recorder {
	queueSize := p.Config.Usage.QueueSize
	if queueSize <= 0 {
		queueSize = 4096
	}
	flushInterval := time.Duration(p.Config.Usage.FlushInterval) * time.Second
	if flushInterval <= 0 {
		flushInterval = 15 * time.Second
	}
	topEndpoints := p.Config.Usage.TopEndpoints
	if topEndpoints <= 0 {
		topEndpoints = 10
	}

	r := &recorder{
		db:            p.DB,
		log:           p.Log,
		genID:         p.GenID,
		repo:          p.Repo,
		clock:         p.Clock,
		queue:         make(chan usagedomain.Event, queueSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		flushInterval: flushInterval,
		topEndpoints:  topEndpoints,
		dirty:         make(map[aggKey]*usagedomain.UsageAggregate),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go r.run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(r.stop)
			select {
			case <-r.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	})

	return r
}

// Record enqueues without blocking. When the queue is full the oldest
// pending event is discarded so recent traffic wins.
func (r *recorder) Record(ev usagedomain.Event) {
	if ev.CredentialID == "" {
		return
	}
	if ev.At.IsZero() {
		ev.At = r.clock.Now()
	}
	select {
	case r.queue <- ev:
		return
	default:
	}
	select {
	case <-r.queue:
		r.dropped.Add(1)
	default:
	}
	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
	}
}

func (r *recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-r.queue:
			r.fold(ev)
		case <-ticker.C:
			r.flush()
		case <-r.stop:
			r.drain()
			r.flush()
			return
		}
	}
}

func (r *recorder) drain() {
	for {
		select {
		case ev := <-r.queue:
			r.fold(ev)
		default:
			return
		}
	}
}

// fold merges one event into the in-memory aggregate for its day. The
// first touch of a (credential, day) pair seeds from the stored row so
// the upsert can overwrite with complete totals.
func (r *recorder) fold(ev usagedomain.Event) {
	day := usagedomain.DayKey(ev.At)
	key := aggKey{credentialID: ev.CredentialID, day: day}

	r.mu.Lock()
	defer r.mu.Unlock()

	agg, ok := r.dirty[key]
	if !ok {
		agg = r.seed(ev.CredentialID, day)
		r.dirty[key] = agg
	}

	agg.RequestCount++
	if ev.Outcome == usagedomain.OutcomeError {
		agg.ErrorCount++
	}
	agg.LatencySumMS += ev.LatencyMS
	if ev.Endpoint != "" {
		agg.Endpoints[ev.Endpoint] = endpointCount(agg.Endpoints, ev.Endpoint) + 1
	}
	obsmetrics.Pipeline().AddEventsFolded(1)
}

func (r *recorder) seed(credentialID, day string) *usagedomain.UsageAggregate {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rows, err := r.repo.ListSince(ctx, r.db, credentialID, day)
	if err == nil {
		for i := range rows {
			if rows[i].Day == day {
				agg := rows[i]
				if agg.Endpoints == nil {
					agg.Endpoints = datatypes.JSONMap{}
				}
				return &agg
			}
		}
	} else {
		r.log.Warn("usage seed failed, starting from zero",
			zap.String("credential_id", credentialID),
			zap.String("day", day),
			zap.Error(err),
		)
	}

	return &usagedomain.UsageAggregate{
		ID:           r.genID.Generate(),
		CredentialID: credentialID,
		Day:          day,
		Endpoints:    datatypes.JSONMap{},
		CreatedAt:    r.clock.Now(),
	}
}

func (r *recorder) flush() {
	r.mu.Lock()
	pending := r.dirty
	r.dirty = make(map[aggKey]*usagedomain.UsageAggregate)
	r.mu.Unlock()

	pipeline := obsmetrics.Pipeline()
	pipeline.SetQueueDepth(len(r.queue))
	if dropped := r.dropped.Swap(0); dropped > 0 {
		pipeline.AddEventsDropped(dropped)
		r.log.Warn("usage events dropped under backpressure", zap.Int64("count", dropped))
	}
	if len(pending) == 0 {
		return
	}

	pipeline.IncFlushRun()
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for key, agg := range pending {
		agg.UpdatedAt = r.clock.Now()
		if err := r.repo.Upsert(ctx, r.db, agg); err != nil {
			pipeline.IncFlushError(err)
			r.log.Warn("usage flush failed, retaining aggregate",
				zap.String("credential_id", key.credentialID),
				zap.String("day", key.day),
				zap.Error(err),
			)
			r.requeue(key, agg)
		}
	}

	pipeline.ObserveFlushDuration(time.Since(start))
}

// requeue puts a failed aggregate back so the next flush retries it.
// fold, flush and requeue all run on the worker goroutine, so no fold
// can have re-seeded this day since the swap; the failed aggregate is
// still the newest complete total and is restored unconditionally.
func (r *recorder) requeue(key aggKey, agg *usagedomain.UsageAggregate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty[key] = agg
}

func (r *recorder) Query(ctx context.Context, credentialID string, days int) (*usagedomain.Summary, error) {
	if days == 0 {
		days = usagedomain.DefaultQueryDays
	}
	if days < usagedomain.MinQueryDays || days > usagedomain.MaxQueryDays {
		return nil, usagedomain.ErrInvalidRange
	}

	now := r.clock.Now()
	today := usagedomain.DayKey(now)
	monthPrefix := usagedomain.MonthPrefix(now)
	sinceDay := usagedomain.DayKey(now.AddDate(0, 0, -(days - 1)))

	rows, err := r.repo.ListSince(ctx, r.db, credentialID, sinceDay)
	if err != nil {
		return nil, err
	}

	byDay := make(map[string]usagedomain.UsageAggregate, len(rows))
	for _, row := range rows {
		byDay[row.Day] = row
	}

	// Unflushed aggregates carry complete totals for their day and
	// supersede whatever the store returned.
	r.mu.Lock()
	for key, agg := range r.dirty {
		if key.credentialID == credentialID && key.day >= sinceDay {
			byDay[key.day] = *agg
		}
	}
	r.mu.Unlock()

	summary := &usagedomain.Summary{}
	endpoints := make(map[string]int64)

	daysSorted := make([]string, 0, len(byDay))
	for day := range byDay {
		daysSorted = append(daysSorted, day)
	}
	sort.Strings(daysSorted)

	for _, day := range daysSorted {
		agg := byDay[day]
		summary.DailySeries = append(summary.DailySeries, usagedomain.DailyPoint{
			Day:          day,
			Requests:     agg.RequestCount,
			Errors:       agg.ErrorCount,
			LatencySumMS: agg.LatencySumMS,
		})
		if day == today {
			summary.RequestsToday = agg.RequestCount
			summary.ErrorsToday = agg.ErrorCount
		}
		if len(day) >= len(monthPrefix) && day[:len(monthPrefix)] == monthPrefix {
			summary.RequestsThisMonth += agg.RequestCount
		}
		for endpoint, raw := range agg.Endpoints {
			endpoints[endpoint] += jsonCount(raw)
		}
	}

	summary.TopEndpoints = topN(endpoints, r.topEndpoints)
	return summary, nil
}

func endpointCount(m datatypes.JSONMap, endpoint string) int64 {
	if raw, ok := m[endpoint]; ok {
		return jsonCount(raw)
	}
	return 0
}

// jsonCount reads a count that may have round-tripped through JSON,
// where numbers come back as float64.
func jsonCount(raw interface{}) int64 {
	switch v := raw.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

type endpointHeap []usagedomain.EndpointCount

func (h endpointHeap) Len() int      { return len(h) }
func (h endpointHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h endpointHeap) Less(i, j int) bool {
	if h[i].Count != h[j].Count {
		return h[i].Count < h[j].Count
	}
	return h[i].Endpoint > h[j].Endpoint
}

func (h *endpointHeap) Push(x interface{}) {
	*h = append(*h, x.(usagedomain.EndpointCount))
}

func (h *endpointHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func topN(counts map[string]int64, n int) []usagedomain.EndpointCount {
	if n <= 0 || len(counts) == 0 {
		return nil
	}

	h := &endpointHeap{}
	heap.Init(h)
	for endpoint, count := range counts {
		heap.Push(h, usagedomain.EndpointCount{Endpoint: endpoint, Count: count})
		if h.Len() > n {
			heap.Pop(h)
		}
	}

	out := make([]usagedomain.EndpointCount, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(usagedomain.EndpointCount)
	}
	return out
}
