package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennyphilp/trainsai/model"
)

// 2026-03-02 is a Monday.
const monday = "20260302"

var testBackends = []string{"sqlite", "memory"}

func buildStorage(t *testing.T, backend string) Storage {
	var s Storage
	var err error
	switch backend {
	case "sqlite":
		s, err = NewSQLiteStorage("")
		require.NoError(t, err)
	case "memory":
		s = NewMemoryStorage()
	default:
		t.Fatalf("unknown backend %q", backend)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func forEachBackend(t *testing.T, f func(t *testing.T, s Storage)) {
	for _, backend := range testBackends {
		t.Run(backend, func(t *testing.T) {
			f(t, buildStorage(t, backend))
		})
	}
}

func sched(uid, start, end, days string, stp model.STPIndicator) *model.Schedule {
	return &model.Schedule{
		TrainUID:  uid,
		StartDate: start,
		EndDate:   end,
		DaysRun:   days,
		STP:       stp,
	}
}

func stop(seq int, tiploc string, stopType model.StopType) *model.ScheduleStop {
	return &model.ScheduleStop{Sequence: seq, Tiploc: tiploc, Type: stopType}
}

func TestResolveScheduleSTPPrecedence(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		require.NoError(t, s.PutSchedule(
			sched("C12345", "20260101", "20261231", "1111111", model.STPPermanent), nil))
		require.NoError(t, s.PutSchedule(
			sched("C12345", "20260301", "20260307", "1111111", model.STPOverlay), nil))

		// Overlay shadows the permanent schedule within its range.
		winner, err := s.ResolveSchedule("C12345", monday)
		require.NoError(t, err)
		assert.Equal(t, model.STPOverlay, winner.STP)

		// Outside the overlay the permanent schedule wins.
		winner, err = s.ResolveSchedule("C12345", "20260402")
		require.NoError(t, err)
		assert.Equal(t, model.STPPermanent, winner.STP)
	})
}

func TestResolveScheduleCancellationSuppresses(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		require.NoError(t, s.PutSchedule(
			sched("C12345", "20260101", "20261231", "1111111", model.STPPermanent), nil))
		require.NoError(t, s.PutSchedule(
			sched("C12345", monday, monday, "1111111", model.STPCancelled), nil))

		_, err := s.ResolveSchedule("C12345", monday)
		assert.Equal(t, ErrNotFound, err)

		// The day after, the cancellation no longer applies.
		winner, err := s.ResolveSchedule("C12345", "20260303")
		require.NoError(t, err)
		assert.Equal(t, model.STPPermanent, winner.STP)
	})
}

func TestResolveScheduleAmbiguous(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		require.NoError(t, s.PutSchedule(
			sched("C12345", "20260101", "20261231", "1111111", model.STPPermanent), nil))
		require.NoError(t, s.PutSchedule(
			sched("C12345", "20260201", "20261231", "1111111", model.STPPermanent), nil))

		_, err := s.ResolveSchedule("C12345", monday)
		assert.Equal(t, ErrAmbiguous, err)
	})
}

func TestResolveScheduleDaysRun(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		// Runs Tuesday to Sunday, never Monday.
		require.NoError(t, s.PutSchedule(
			sched("C12345", "20260101", "20261231", "0111111", model.STPPermanent), nil))

		_, err := s.ResolveSchedule("C12345", monday)
		assert.Equal(t, ErrNotFound, err)

		winner, err := s.ResolveSchedule("C12345", "20260303")
		require.NoError(t, err)
		assert.Equal(t, "C12345", winner.TrainUID)
	})
}

func TestResolveScheduleUnknownUID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		_, err := s.ResolveSchedule("C99999", monday)
		assert.Equal(t, ErrNotFound, err)
	})
}

func TestPutScheduleReplacesSameKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		first := sched("C12345", "20260101", "20261231", "1111111", model.STPPermanent)
		require.NoError(t, s.PutSchedule(first, []*model.ScheduleStop{
			stop(0, "PADTON", model.StopTypeOrigin),
			stop(1, "BRSTLTM", model.StopTypeTerminus),
		}))

		second := sched("C12345", "20260101", "20261231", "1111111", model.STPPermanent)
		second.Headcode = "1A23"
		require.NoError(t, s.PutSchedule(second, []*model.ScheduleStop{
			stop(0, "PADTON", model.StopTypeOrigin),
			stop(1, "SWINDON", model.StopTypeIntermediate),
			stop(2, "BRSTLTM", model.StopTypeTerminus),
		}))

		winner, err := s.ResolveSchedule("C12345", monday)
		require.NoError(t, err)
		assert.Equal(t, "1A23", winner.Headcode)

		stops, err := s.GetStops(winner.ID)
		require.NoError(t, err)
		assert.Len(t, stops, 3)

		// The replaced schedule's stops are gone.
		old, err := s.GetStops(first.ID)
		require.NoError(t, err)
		assert.Empty(t, old)
	})
}

func TestGetStopsOrdered(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		schedule := sched("C12345", "20260101", "20261231", "1111111", model.STPPermanent)
		require.NoError(t, s.PutSchedule(schedule, []*model.ScheduleStop{
			stop(2, "BRSTLTM", model.StopTypeTerminus),
			stop(0, "PADTON", model.StopTypeOrigin),
			stop(1, "SWINDON", model.StopTypeIntermediate),
		}))

		stops, err := s.GetStops(schedule.ID)
		require.NoError(t, err)
		require.Len(t, stops, 3)
		for i, st := range stops {
			assert.Equal(t, i, st.Sequence)
		}
		assert.Equal(t, "PADTON", stops[0].Tiploc)
		assert.Equal(t, "BRSTLTM", stops[2].Tiploc)
	})
}

func TestLookupStation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		require.NoError(t, s.PutStation(&model.Station{
			Tiploc: "PADTON", CRS: "PAD", Name: "London Paddington", Active: true,
		}))
		require.NoError(t, s.PutStation(&model.Station{
			Tiploc: "BHAMNWS", CRS: "BMO", Name: "Birmingham New Street", Active: true,
		}))
		require.NoError(t, s.PutStation(&model.Station{
			Tiploc: "BHAMINT", CRS: "BHI", Name: "Birmingham International", Active: true,
		}))
		require.NoError(t, s.PutStation(&model.Station{
			Tiploc: "GHOSTST", CRS: "GST", Name: "Closed Halt", Active: false,
		}))

		require.NoError(t, s.PutAlias(&model.StationAlias{
			Tiploc: "BHAMINT", Name: "Brum", Type: model.AliasColloquial,
		}))
		require.NoError(t, s.PutAlias(&model.StationAlias{
			Tiploc: "BHAMNWS", Name: "Brum", Type: model.AliasColloquial, IsPrimary: true,
		}))

		require.NoError(t, s.PutMapping(&model.TiplocMapping{
			SourceTiploc: "PADTN", CanonicalTiploc: "PADTON", DataSource: "manual",
		}))

		for _, tc := range []struct {
			name   string
			key    string
			tiploc string
		}{
			{"by_tiploc", "PADTON", "PADTON"},
			{"by_crs_lowercase", "pad", "PADTON"},
			{"by_name_case_insensitive", "london paddington", "PADTON"},
			{"by_alias_prefers_primary", "Brum", "BHAMNWS"},
			{"via_correction_mapping", "PADTN", "PADTON"},
		} {
			t.Run(tc.name, func(t *testing.T) {
				station, err := s.LookupStation(tc.key)
				require.NoError(t, err)
				assert.Equal(t, tc.tiploc, station.Tiploc)
			})
		}

		_, err := s.LookupStation("GHOSTST")
		assert.Equal(t, ErrNotFound, err)

		_, err = s.LookupStation("NOWHERE")
		assert.Equal(t, ErrNotFound, err)
	})
}

func TestCanonicalTiplocPassthrough(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		canonical, err := s.CanonicalTiploc("UNMAPPED")
		require.NoError(t, err)
		assert.Equal(t, "UNMAPPED", canonical)

		require.NoError(t, s.PutMapping(&model.TiplocMapping{
			SourceTiploc: "OLD", CanonicalTiploc: "NEW", DataSource: "feed",
		}))
		canonical, err = s.CanonicalTiploc("OLD")
		require.NoError(t, err)
		assert.Equal(t, "NEW", canonical)
	})
}

func TestBatchCommitAndRollback(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		batch, err := s.BeginBatch()
		require.NoError(t, err)
		require.NoError(t, batch.PutStation(&model.Station{
			Tiploc: "PADTON", Name: "London Paddington", Active: true,
		}))
		require.NoError(t, batch.PutSchedule(
			sched("C12345", "20260101", "20261231", "1111111", model.STPPermanent), nil))
		require.NoError(t, batch.Rollback())

		_, err = s.LookupStation("PADTON")
		assert.Equal(t, ErrNotFound, err)
		_, err = s.ResolveSchedule("C12345", monday)
		assert.Equal(t, ErrNotFound, err)

		batch, err = s.BeginBatch()
		require.NoError(t, err)
		require.NoError(t, batch.PutStation(&model.Station{
			Tiploc: "PADTON", Name: "London Paddington", Active: true,
		}))
		require.NoError(t, batch.Commit())

		station, err := s.LookupStation("PADTON")
		require.NoError(t, err)
		assert.Equal(t, "London Paddington", station.Name)
	})
}

func TestBeginImportDecisions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		decision, err := s.BeginImport("schedule", "hash1")
		require.NoError(t, err)
		assert.Equal(t, ImportAccept, decision)

		require.NoError(t, s.RecordImport(&model.ImportRecord{
			FileType: "schedule", FileHash: "hash1", Success: true,
			StartedAt: time.Now(), FinishedAt: time.Now(),
		}))

		decision, err = s.BeginImport("schedule", "hash1")
		require.NoError(t, err)
		assert.Equal(t, ImportDuplicate, decision)

		// The same content under a different file type is a fresh
		// import.
		decision, err = s.BeginImport("stations", "hash1")
		require.NoError(t, err)
		assert.Equal(t, ImportAccept, decision)

		require.NoError(t, s.RecordImport(&model.ImportRecord{
			FileType: "schedule", FileHash: "hash2", Success: false,
			StartedAt: time.Now(), FinishedAt: time.Now(),
		}))
		decision, err = s.BeginImport("schedule", "hash2")
		require.NoError(t, err)
		assert.Equal(t, ImportReplace, decision)
	})
}

func TestImportHistoryNewestFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		for _, hash := range []string{"a", "b", "c"} {
			require.NoError(t, s.RecordImport(&model.ImportRecord{
				FileType: "schedule", FileHash: hash, Success: true,
				StartedAt: time.Now(), FinishedAt: time.Now(),
			}))
		}

		records, err := s.ImportHistory()
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "c", records[0].FileHash)
		assert.Equal(t, "a", records[2].FileHash)
	})
}

func TestPurgeSchedulesBefore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		expired := sched("C11111", "20260101", "20260110", "1111111", model.STPPermanent)
		require.NoError(t, s.PutSchedule(expired, []*model.ScheduleStop{
			stop(0, "PADTON", model.StopTypeOrigin),
			stop(1, "BRSTLTM", model.StopTypeTerminus),
		}))
		require.NoError(t, s.PutSchedule(
			sched("C22222", "20260101", "20261231", "1111111", model.STPPermanent), nil))

		n, err := s.PurgeSchedulesBefore("20260201")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = s.ResolveSchedule("C11111", "20260105")
		assert.Equal(t, ErrNotFound, err)

		stops, err := s.GetStops(expired.ID)
		require.NoError(t, err)
		assert.Empty(t, stops)

		_, err = s.ResolveSchedule("C22222", monday)
		assert.NoError(t, err)
	})
}

func TestSchedulesActiveOn(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		require.NoError(t, s.PutSchedule(
			sched("C11111", "20260101", "20261231", "1111111", model.STPPermanent), nil))

		// Shadowed by an overlay on the query date.
		require.NoError(t, s.PutSchedule(
			sched("C22222", "20260101", "20261231", "1111111", model.STPPermanent), nil))
		overlay := sched("C22222", monday, monday, "1111111", model.STPOverlay)
		overlay.Headcode = "2B22"
		require.NoError(t, s.PutSchedule(overlay, nil))

		// Suppressed entirely by a cancellation.
		require.NoError(t, s.PutSchedule(
			sched("C33333", "20260101", "20261231", "1111111", model.STPPermanent), nil))
		require.NoError(t, s.PutSchedule(
			sched("C33333", monday, monday, "1111111", model.STPCancelled), nil))

		// Not running on Mondays.
		require.NoError(t, s.PutSchedule(
			sched("C44444", "20260101", "20261231", "0111111", model.STPPermanent), nil))

		active, err := s.SchedulesActiveOn(monday)
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, "C11111", active[0].TrainUID)
		assert.Equal(t, "C22222", active[1].TrainUID)
		assert.Equal(t, "2B22", active[1].Headcode)
	})
}

func TestConnectionsEitherDirection(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		require.NoError(t, s.PutConnection(&model.Connection{
			FromTiploc: "AFK", ToTiploc: "ASI", Mode: model.ConnectionWalk,
			DurationMinutes: 5, StartTime: "00:00", EndTime: "23:59",
		}))

		conns, err := s.Connections("ASI", "AFK")
		require.NoError(t, err)
		require.Len(t, conns, 1)
		assert.Equal(t, model.ConnectionWalk, conns[0].Mode)

		conns, err = s.Connections("AFK", "XXX")
		require.NoError(t, err)
		assert.Empty(t, conns)
	})
}

func TestStatistics(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Storage) {
		require.NoError(t, s.PutStation(&model.Station{
			Tiploc: "PADTON", Name: "London Paddington", Active: true,
		}))
		require.NoError(t, s.PutAlias(&model.StationAlias{
			Tiploc: "PADTON", Name: "Paddington",
		}))
		require.NoError(t, s.PutSchedule(
			sched("C12345", "20260101", "20261231", "1111111", model.STPPermanent),
			[]*model.ScheduleStop{
				stop(0, "PADTON", model.StopTypeOrigin),
				stop(1, "BRSTLTM", model.StopTypeTerminus),
			}))

		stats, err := s.Statistics()
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Schedules)
		assert.Equal(t, int64(2), stats.Stops)
		assert.Equal(t, int64(1), stats.Stations)
		assert.Equal(t, int64(1), stats.Aliases)
		assert.False(t, stats.LastImportOK)

		require.NoError(t, s.RecordImport(&model.ImportRecord{
			FileType: "schedule", FileHash: "h", Success: true,
			StartedAt: time.Now(), FinishedAt: time.Now(),
		}))
		stats, err = s.Statistics()
		require.NoError(t, err)
		assert.True(t, stats.LastImportOK)
	})
}

func TestPickScheduleTieAfterHigherRank(t *testing.T) {
	// A tie between lower-ranked schedules is irrelevant once a
	// higher-ranked one wins.
	candidates := []*model.Schedule{
		sched("C1", "20260101", "20261231", "1111111", model.STPPermanent),
		sched("C1", "20260101", "20261231", "1111111", model.STPPermanent),
		sched("C1", "20260101", "20261231", "1111111", model.STPOverlay),
	}
	winner, err := pickSchedule(candidates, monday)
	require.NoError(t, err)
	assert.Equal(t, model.STPOverlay, winner.STP)
}
