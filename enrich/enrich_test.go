package enrich

import (
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennyphilp/trainsai/darwin"
	"github.com/kennyphilp/trainsai/model"
	"github.com/kennyphilp/trainsai/resolve"
	"github.com/kennyphilp/trainsai/storage"
	"github.com/kennyphilp/trainsai/testutil"
)

const (
	rid  = "202603021234C12345"
	ssd  = "20260302"
	ruid = "C12345"
)

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func buildEngine(t *testing.T) (*Engine, storage.Storage) {
	s := testutil.BuildStorage(t, "memory")

	for _, station := range []*model.Station{
		{Tiploc: "PADTON", CRS: "PAD", Name: "London Paddington", Active: true},
		{Tiploc: "RDNGSTN", CRS: "RDG", Name: "Reading", Active: true},
		{Tiploc: "BRSTLTM", CRS: "BRI", Name: "Bristol Temple Meads", Active: true},
	} {
		testutil.PutStation(t, s, station)
	}

	sched := testutil.Schedule(ruid, ssd, ssd, model.STPPermanent)
	sched.Headcode = "1A23"
	sched.OperatorCode = "GW"
	stops := []*model.ScheduleStop{
		{Sequence: 1, Tiploc: "PADTON", Type: model.StopTypeOrigin, Departure: "10:00", Platform: "1"},
		{Sequence: 2, Tiploc: "RDNGSTN", Type: model.StopTypeIntermediate, Arrival: "10:25", Departure: "10:27"},
		{Sequence: 3, Tiploc: "SWINDON", Type: model.StopTypePass, PassTime: "10:50"},
		{Sequence: 4, Tiploc: "BRSTLTM", Type: model.StopTypeTerminus, Arrival: "11:30", Platform: "5"},
	}
	testutil.PutSchedule(t, s, sched, stops)

	resolver, err := resolve.NewResolver(s)
	require.NoError(t, err)

	return NewEngine(s, resolver, testLog(), nil), s
}

func event(rid string) darwin.DecodedEvent {
	return darwin.DecodedEvent{
		RID:              rid,
		TrainServiceCode: "1A23",
		ReasonCode:       "100",
		ReasonText:       "Full cancellation - reason code 100",
		ReceivedAt:       time.Now(),
	}
}

func TestEnrichHappyPath(t *testing.T) {
	engine, _ := buildEngine(t)

	c := engine.Enrich(event(rid))
	require.NotNil(t, c)

	assert.True(t, c.Enriched)
	assert.Equal(t, rid, c.RID)
	assert.Equal(t, ruid, c.TrainUID)
	assert.Equal(t, "1A23", c.Headcode)
	assert.Equal(t, "GW", c.OperatorCode)
	assert.Equal(t, ssd, c.ServiceDate)
	assert.Equal(t, "100", c.ReasonCode)

	require.NotNil(t, c.Origin)
	assert.Equal(t, "PADTON", c.Origin.Tiploc)
	assert.Equal(t, "London Paddington", c.Origin.StationName)
	assert.Equal(t, "10:00", c.Origin.ScheduledDeparture)
	assert.Equal(t, "1", c.Origin.Platform)

	require.NotNil(t, c.Destination)
	assert.Equal(t, "BRSTLTM", c.Destination.Tiploc)
	assert.Equal(t, "Bristol Temple Meads", c.Destination.StationName)
	assert.Equal(t, "11:30", c.Destination.ScheduledArrival)
	assert.Equal(t, "5", c.Destination.Platform)

	// Pass stops stay out of the calling points.
	require.Len(t, c.CallingPoints, 1)
	assert.Equal(t, "RDNGSTN", c.CallingPoints[0].Tiploc)
	assert.Equal(t, "Reading", c.CallingPoints[0].StationName)
	assert.Equal(t, "10:25", c.CallingPoints[0].Arrival)
	assert.Equal(t, "10:27", c.CallingPoints[0].Departure)

	stats := engine.Stats()
	assert.Equal(t, int64(1), stats.CancellationsTotal)
	assert.Equal(t, int64(1), stats.EnrichedTotal)
	for reason, n := range stats.FailuresByReason {
		assert.Zero(t, n, "unexpected failures for %s", reason)
	}
}

func TestEnrichStationNameMissIsBlank(t *testing.T) {
	engine, s := buildEngine(t)

	sched := testutil.Schedule("D54321", ssd, ssd, model.STPPermanent)
	testutil.PutSchedule(t, s, sched, testutil.Stops("UNKNOWN1", "UNKNOWN2"))

	c := engine.Enrich(event("202603021234D54321"))
	require.NotNil(t, c)
	assert.True(t, c.Enriched)
	assert.Empty(t, c.Origin.StationName)
	assert.Empty(t, c.Destination.StationName)
}

func TestEnrichNoRID(t *testing.T) {
	engine, _ := buildEngine(t)

	assert.Nil(t, engine.Enrich(darwin.DecodedEvent{ReceivedAt: time.Now()}))

	// A RID that parses to neither a uid nor a date still produces an
	// unenriched record.
	c := engine.Enrich(event("OPAQUERID"))
	require.NotNil(t, c)
	assert.False(t, c.Enriched)

	stats := engine.Stats()
	assert.Equal(t, int64(2), stats.CancellationsTotal)
	assert.Equal(t, int64(2), stats.FailuresByReason[ReasonNoRID])
}

func TestEnrichNoSchedule(t *testing.T) {
	engine, _ := buildEngine(t)

	c := engine.Enrich(event("202603021234Z99999"))
	require.NotNil(t, c)
	assert.False(t, c.Enriched)
	assert.Nil(t, c.Origin)
	assert.Equal(t, int64(1), engine.Stats().FailuresByReason[ReasonNoSchedule])
}

func TestEnrichAmbiguous(t *testing.T) {
	engine, s := buildEngine(t)

	testutil.PutSchedule(t, s,
		testutil.Schedule("E11111", "20260301", "20260331", model.STPPermanent),
		testutil.Stops("PADTON", "BRSTLTM"))
	testutil.PutSchedule(t, s,
		testutil.Schedule("E11111", "20260302", "20260331", model.STPPermanent),
		testutil.Stops("PADTON", "BRSTLTM"))

	c := engine.Enrich(event("202603021234E11111"))
	require.NotNil(t, c)
	assert.False(t, c.Enriched)
	assert.Equal(t, int64(1), engine.Stats().FailuresByReason[ReasonAmbiguous])
}

type failingStore struct {
	storage.Storage
	resolveErr error
	stopsErr   error
}

func (f *failingStore) ResolveSchedule(uid, date string) (*model.Schedule, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.Storage.ResolveSchedule(uid, date)
}

func (f *failingStore) GetStops(scheduleID int64) ([]*model.ScheduleStop, error) {
	if f.stopsErr != nil {
		return nil, f.stopsErr
	}
	return f.Storage.GetStops(scheduleID)
}

func TestEnrichStoreError(t *testing.T) {
	_, s := buildEngine(t)
	resolver, err := resolve.NewResolver(s)
	require.NoError(t, err)

	broken := &failingStore{Storage: s, resolveErr: errors.New("disk fault")}
	engine := NewEngine(broken, resolver, testLog(), nil)

	c := engine.Enrich(event(rid))
	require.NotNil(t, c)
	assert.False(t, c.Enriched)
	assert.Equal(t, int64(1), engine.Stats().FailuresByReason[ReasonStoreError])

	broken = &failingStore{Storage: s, stopsErr: errors.New("disk fault")}
	engine = NewEngine(broken, resolver, testLog(), nil)

	c = engine.Enrich(event(rid))
	require.NotNil(t, c)
	assert.False(t, c.Enriched)
	assert.Equal(t, int64(1), engine.Stats().FailuresByReason[ReasonStoreError])
}

func TestObservedAtMonotonic(t *testing.T) {
	engine, _ := buildEngine(t)

	now := time.Now()
	ev := event(rid)
	ev.ReceivedAt = now
	first := engine.Enrich(ev)
	require.NotNil(t, first)

	// A clock step backwards clamps to the previous value.
	ev.ReceivedAt = now.Add(-time.Minute)
	second := engine.Enrich(ev)
	require.NotNil(t, second)
	assert.False(t, second.ObservedAt.Before(first.ObservedAt))

	ev.ReceivedAt = now.Add(time.Minute)
	third := engine.Enrich(ev)
	require.NotNil(t, third)
	assert.True(t, third.ObservedAt.After(second.ObservedAt))
}

func TestCountDecodedAndFailure(t *testing.T) {
	engine, _ := buildEngine(t)

	engine.CountDecoded(5)
	engine.CountDecoded(3)
	engine.CountFailure(ReasonStoreError)

	stats := engine.Stats()
	assert.Equal(t, int64(8), stats.DecodedTotal)
	assert.Equal(t, int64(1), stats.FailuresByReason[ReasonStoreError])
}
