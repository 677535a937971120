package trainsai

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kennyphilp/trainsai/cache"
	"github.com/kennyphilp/trainsai/darwin"
	"github.com/kennyphilp/trainsai/enrich"
	"github.com/kennyphilp/trainsai/storage"
)

const (
	// Decoder-to-enrichment queue bound. On overflow the oldest
	// in-flight event is dropped, keeping the latest signal.
	DefaultQueueSize = 1024

	maintenanceInterval = time.Minute
)

// Pipeline connects the push port client to the enrichment engine and
// the cancellation cache: one goroutine decodes frames into a bounded
// queue, another drains the queue through enrichment into the cache.
type Pipeline struct {
	client        *darwin.Client
	engine        *enrich.Engine
	cache         *cache.Cache
	store         storage.Storage
	retentionDays int
	log           *logrus.Entry

	queue chan darwin.DecodedEvent

	// Overflow drops are logged at WARN at most once a minute.
	dropWarn *rate.Limiter
}

func NewPipeline(
	client *darwin.Client,
	engine *enrich.Engine,
	c *cache.Cache,
	store storage.Storage,
	retentionDays int,
	log *logrus.Entry,
) *Pipeline {
	return &Pipeline{
		client:        client,
		engine:        engine,
		cache:         c,
		store:         store,
		retentionDays: retentionDays,
		log:           log,
		queue:         make(chan darwin.DecodedEvent, DefaultQueueSize),
		dropWarn:      rate.NewLimiter(rate.Every(time.Minute), 1),
	}
}

// Runs the client, the decode loop, the enrichment loop and the
// maintenance ticker until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.client.Run(ctx); err != nil {
			p.log.WithError(err).Error("push port client stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(p.queue)
		p.decodeLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.enrichLoop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintenanceLoop(ctx)
	}()

	wg.Wait()
	return nil
}

func (p *Pipeline) decodeLoop(ctx context.Context) {
	for frame := range p.client.Frames() {
		events, dropped, err := darwin.Decode(frame.Body, frame.ReceivedAt)
		if err != nil {
			// Malformed frames are a per-message concern, not
			// a pipeline failure.
			p.log.WithError(err).Debug("dropping undecodable frame")
			continue
		}

		p.engine.CountDecoded(len(events) + dropped)

		for _, ev := range events {
			p.enqueue(ctx, ev)
		}
	}
}

// Enqueues an event, dropping the oldest queued event on overflow.
func (p *Pipeline) enqueue(ctx context.Context, ev darwin.DecodedEvent) {
	for {
		if ctx.Err() != nil {
			return
		}

		select {
		case p.queue <- ev:
			return
		default:
		}

		select {
		case old := <-p.queue:
			p.engine.CountFailure(enrich.ReasonStoreError)
			if p.dropWarn.Allow() {
				p.log.WithField("rid", old.RID).
					Warn("enrichment queue full, dropping oldest event")
			}
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (p *Pipeline) enrichLoop() {
	for ev := range p.queue {
		cancellation := p.engine.Enrich(ev)
		if cancellation == nil {
			continue
		}
		p.cache.Insert(cancellation)

		p.log.WithFields(logrus.Fields{
			"rid":      cancellation.RID,
			"enriched": cancellation.Enriched,
		}).Info("cancellation recorded")
	}
}

// Periodic cache expiry and, when retention is configured, a store
// sweep of schedules whose validity has lapsed.
func (p *Pipeline) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	lastSweep := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n := p.cache.PurgeExpired(); n > 0 {
			p.log.WithField("purged", n).Debug("expired cache entries removed")
		}

		if p.retentionDays > 0 && time.Since(lastSweep) >= 24*time.Hour {
			lastSweep = time.Now()
			cutoff := time.Now().AddDate(0, 0, -p.retentionDays).Format("20060102")
			n, err := p.store.PurgeSchedulesBefore(cutoff)
			if err != nil {
				p.log.WithError(err).Warn("schedule retention sweep failed")
				continue
			}
			if n > 0 {
				p.log.WithFields(logrus.Fields{
					"purged": n,
					"cutoff": cutoff,
				}).Info("expired schedules removed")
			}
		}
	}
}
