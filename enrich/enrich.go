package enrich

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kennyphilp/trainsai/darwin"
	"github.com/kennyphilp/trainsai/model"
	"github.com/kennyphilp/trainsai/resolve"
	"github.com/kennyphilp/trainsai/storage"
)

// Enrichment failure reasons, used both as JSON stat keys and as
// Prometheus label values.
const (
	ReasonNoRID      = "no_rid"
	ReasonNoSchedule = "no_schedule"
	ReasonAmbiguous  = "ambiguous"
	ReasonStoreError = "store_error"
)

type Stats struct {
	DecodedTotal       int64            `json:"decoded_total"`
	CancellationsTotal int64            `json:"cancellations_total"`
	EnrichedTotal      int64            `json:"enriched_total"`
	FailuresByReason   map[string]int64 `json:"enrichment_failures_by_reason"`
}

// Correlates decoded cancellations against the schedule store and
// builds the enriched record. Read-only on the store.
type Engine struct {
	store    storage.Storage
	resolver *resolve.Resolver
	log      *logrus.Entry
	metrics  *metrics

	decodedTotal       atomic.Int64
	cancellationsTotal atomic.Int64
	enrichedTotal      atomic.Int64
	failNoRID          atomic.Int64
	failNoSchedule     atomic.Int64
	failAmbiguous      atomic.Int64
	failStoreError     atomic.Int64

	// observed_at must be monotonic non-decreasing across inserts.
	// The engine is driven by a single pipeline goroutine, but the
	// clock can step backwards; clamp against the last value.
	observedMu   sync.Mutex
	lastObserved time.Time
}

// The registerer receives the engine's Prometheus mirrors; pass nil
// to keep them unregistered (tests do).
func NewEngine(store storage.Storage, resolver *resolve.Resolver, log *logrus.Entry, reg prometheus.Registerer) *Engine {
	return &Engine{
		store:    store,
		resolver: resolver,
		log:      log,
		metrics:  newMetrics(reg),
	}
}

// Accounts for decoded push port elements, cancellations or not.
func (e *Engine) CountDecoded(n int) {
	e.decodedTotal.Add(int64(n))
	e.metrics.decoded.Add(float64(n))
}

// Counts a failure without an associated event, e.g. queue overflow.
func (e *Engine) CountFailure(reason string) {
	e.countFailure(reason)
}

func (e *Engine) countFailure(reason string) {
	switch reason {
	case ReasonNoRID:
		e.failNoRID.Add(1)
	case ReasonNoSchedule:
		e.failNoSchedule.Add(1)
	case ReasonAmbiguous:
		e.failAmbiguous.Add(1)
	case ReasonStoreError:
		e.failStoreError.Add(1)
	}
	e.metrics.failures.WithLabelValues(reason).Inc()
}

func (e *Engine) observedAt(received time.Time) time.Time {
	e.observedMu.Lock()
	defer e.observedMu.Unlock()
	if received.Before(e.lastObserved) {
		received = e.lastObserved
	}
	e.lastObserved = received
	return received
}

// Builds an ActiveCancellation from a decoded event. Returns nil for
// events without a RID; everything else is stored, enriched or not.
func (e *Engine) Enrich(ev darwin.DecodedEvent) *model.ActiveCancellation {
	e.cancellationsTotal.Add(1)
	e.metrics.cancellations.Inc()

	if ev.RID == "" {
		e.countFailure(ReasonNoRID)
		e.log.Debug("cancellation event without RID dropped")
		return nil
	}

	cancellation := &model.ActiveCancellation{
		RID:              ev.RID,
		TrainServiceCode: ev.TrainServiceCode,
		ReasonCode:       ev.ReasonCode,
		ReasonText:       ev.ReasonText,
		ObservedAt:       e.observedAt(ev.ReceivedAt),
	}

	uid := darwin.TrainUIDFromRID(ev.RID)
	date := darwin.ServiceDateFromRID(ev.RID)
	if uid == "" || date == "" {
		e.countFailure(ReasonNoRID)
		return cancellation
	}

	sched, err := e.store.ResolveSchedule(uid, date)
	switch {
	case err == storage.ErrNotFound:
		e.countFailure(ReasonNoSchedule)
		return cancellation
	case err == storage.ErrAmbiguous:
		e.countFailure(ReasonAmbiguous)
		e.log.WithFields(logrus.Fields{"rid": ev.RID, "train_uid": uid}).
			Warn("ambiguous schedule match")
		return cancellation
	case err != nil:
		e.countFailure(ReasonStoreError)
		e.log.WithError(err).WithField("rid", ev.RID).Warn("schedule lookup failed")
		return cancellation
	}

	stops, err := e.store.GetStops(sched.ID)
	if err != nil {
		e.countFailure(ReasonStoreError)
		e.log.WithError(err).WithField("rid", ev.RID).Warn("stop lookup failed")
		return cancellation
	}
	if len(stops) < 2 {
		e.countFailure(ReasonNoSchedule)
		return cancellation
	}

	e.project(cancellation, sched, stops, date)
	e.enrichedTotal.Add(1)
	e.metrics.enriched.Inc()
	return cancellation
}

// Copies the schedule projection onto the cancellation. Values are
// copied, not referenced, so the record stays meaningful across store
// re-imports.
func (e *Engine) project(c *model.ActiveCancellation, sched *model.Schedule, stops []*model.ScheduleStop, date string) {
	c.Enriched = true
	c.TrainUID = sched.TrainUID
	c.Headcode = sched.Headcode
	c.OperatorCode = sched.OperatorCode
	c.ServiceDate = date

	origin := stops[0]
	terminus := stops[len(stops)-1]

	c.Origin = &model.Endpoint{
		Tiploc:             origin.Tiploc,
		StationName:        e.stationName(origin.Tiploc),
		ScheduledDeparture: origin.Departure,
		Platform:           origin.Platform,
	}
	c.Destination = &model.Endpoint{
		Tiploc:           terminus.Tiploc,
		StationName:      e.stationName(terminus.Tiploc),
		ScheduledArrival: terminus.Arrival,
		Platform:         terminus.Platform,
	}

	for _, stop := range stops[1 : len(stops)-1] {
		if stop.Type != model.StopTypeIntermediate {
			continue
		}
		c.CallingPoints = append(c.CallingPoints, model.CallingPoint{
			Tiploc:      stop.Tiploc,
			StationName: e.stationName(stop.Tiploc),
			Arrival:     stop.Arrival,
			Departure:   stop.Departure,
			Platform:    stop.Platform,
		})
	}
}

// Station name fill-in is best effort; a miss leaves the field blank.
func (e *Engine) stationName(tiploc string) string {
	station, err := e.resolver.Lookup(tiploc)
	if err != nil {
		return ""
	}
	return station.Name
}

func (e *Engine) Stats() Stats {
	return Stats{
		DecodedTotal:       e.decodedTotal.Load(),
		CancellationsTotal: e.cancellationsTotal.Load(),
		EnrichedTotal:      e.enrichedTotal.Load(),
		FailuresByReason: map[string]int64{
			ReasonNoRID:      e.failNoRID.Load(),
			ReasonNoSchedule: e.failNoSchedule.Load(),
			ReasonAmbiguous:  e.failAmbiguous.Load(),
			ReasonStoreError: e.failStoreError.Load(),
		},
	}
}
