package parse

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennyphilp/trainsai/model"
)

// Builds one 80-column record from values at fixed offsets.
func cifLine(fields map[int]string) string {
	buf := []byte(strings.Repeat(" ", 80))
	for pos, val := range fields {
		copy(buf[pos:], val)
	}
	return string(buf)
}

type emittedSchedule struct {
	schedule *model.Schedule
	stops    []*model.ScheduleStop
}

func parseCIF(t *testing.T, lines ...string) ([]emittedSchedule, *ParseReport) {
	var got []emittedSchedule
	report, err := ParseSchedules(
		strings.NewReader(strings.Join(lines, "\n")),
		func(s *model.Schedule, stops []*model.ScheduleStop) error {
			got = append(got, emittedSchedule{s, stops})
			return nil
		})
	require.NoError(t, err)
	return got, report
}

func TestParseSchedulesFullBlock(t *testing.T) {
	got, report := parseCIF(t,
		cifLine(map[int]string{
			0: "BSN", 3: "C12345", 9: "260101", 15: "261231",
			21: "1111100", 29: "P", 32: "1A23", 57: "125",
			66: "B", 68: "S", 70: "C", 79: "P",
		}),
		cifLine(map[int]string{0: "BX", 11: "GW"}),
		cifLine(map[int]string{
			0: "LO", 2: "PADTON", 10: "1000", 15: "1000", 19: "1", 29: "TB",
		}),
		cifLine(map[int]string{
			0: "LI", 2: "REDGTN", 10: "1013H", 15: "1015H",
			25: "1014", 29: "1015", 33: "4", 42: "T",
		}),
		cifLine(map[int]string{0: "LI", 2: "SLOUGH", 20: "1030"}),
		cifLine(map[int]string{
			0: "LT", 2: "BRSTLTM", 10: "1100", 15: "1100", 19: "5", 25: "TF",
		}),
	)

	require.Len(t, got, 1)
	assert.Equal(t, 1, report.RecordCount)
	assert.Equal(t, 1, report.Imported)
	assert.Empty(t, report.Errors)

	sched := got[0].schedule
	assert.Equal(t, "C12345", sched.TrainUID)
	assert.Equal(t, "1A23", sched.Headcode)
	assert.Equal(t, "GW", sched.OperatorCode)
	assert.Equal(t, model.ServiceTypePassenger, sched.ServiceType)
	assert.Equal(t, "20260101", sched.StartDate)
	assert.Equal(t, "20261231", sched.EndDate)
	assert.Equal(t, "1111100", sched.DaysRun)
	assert.Equal(t, model.STPPermanent, sched.STP)
	assert.Equal(t, "125", sched.Speed)
	assert.Equal(t, "B", sched.TrainClass)
	assert.Equal(t, "S", sched.Reservations)
	assert.Equal(t, "C", sched.Catering)

	stops := got[0].stops
	require.Len(t, stops, 4)

	assert.Equal(t, model.StopTypeOrigin, stops[0].Type)
	assert.Equal(t, "PADTON", stops[0].Tiploc)
	assert.Equal(t, "10:00", stops[0].Departure)
	assert.Equal(t, "1", stops[0].Platform)
	assert.Equal(t, "TB", stops[0].Activities)

	assert.Equal(t, model.StopTypeIntermediate, stops[1].Type)
	assert.Equal(t, "REDGTN", stops[1].Tiploc)
	assert.Equal(t, "10:14", stops[1].Arrival)
	assert.Equal(t, "10:15", stops[1].Departure)
	assert.Equal(t, "4", stops[1].Platform)

	assert.Equal(t, model.StopTypePass, stops[2].Type)
	assert.Equal(t, "SLOUGH", stops[2].Tiploc)
	assert.Equal(t, "10:30", stops[2].PassTime)

	assert.Equal(t, model.StopTypeTerminus, stops[3].Type)
	assert.Equal(t, "BRSTLTM", stops[3].Tiploc)
	assert.Equal(t, "11:00", stops[3].Arrival)
	assert.Equal(t, "5", stops[3].Platform)

	for i, stop := range stops {
		assert.Equal(t, i, stop.Sequence)
	}
}

func TestParseSchedulesWorkingTimeFallback(t *testing.T) {
	// No public times given; working times are used instead.
	got, _ := parseCIF(t,
		cifLine(map[int]string{
			0: "BSN", 3: "C12345", 9: "260101", 15: "261231",
			21: "1111111", 29: "P", 79: "P",
		}),
		cifLine(map[int]string{0: "LO", 2: "PADTON", 10: "1000H"}),
		cifLine(map[int]string{0: "LI", 2: "REDGTN", 10: "1013H", 15: "1015H"}),
		cifLine(map[int]string{0: "LT", 2: "BRSTLTM", 10: "1100"}),
	)

	require.Len(t, got, 1)
	stops := got[0].stops
	require.Len(t, stops, 3)
	assert.Equal(t, "10:00", stops[0].Departure)
	assert.Equal(t, "10:13", stops[1].Arrival)
	assert.Equal(t, "10:15", stops[1].Departure)
	assert.Equal(t, "11:00", stops[2].Arrival)
}

func TestParseSchedulesCancellation(t *testing.T) {
	got, report := parseCIF(t,
		cifLine(map[int]string{
			0: "BSN", 3: "C12345", 9: "260301", 15: "260301",
			21: "0000001", 29: "P", 79: "C",
		}),
	)

	require.Len(t, got, 1)
	assert.Equal(t, 1, report.Imported)
	assert.Equal(t, model.STPCancelled, got[0].schedule.STP)
	assert.Empty(t, got[0].stops)
}

func TestParseSchedulesDeleteTransactionSkipped(t *testing.T) {
	got, report := parseCIF(t,
		cifLine(map[int]string{
			0: "BSD", 3: "C12345", 9: "260101", 15: "261231",
			21: "1111111", 79: "P",
		}),
	)

	assert.Empty(t, got)
	assert.Equal(t, 1, report.RecordCount)
	assert.Equal(t, 0, report.Imported)
	assert.Empty(t, report.Errors)
}

func TestParseSchedulesMalformedBlocks(t *testing.T) {
	for _, tc := range []struct {
		name   string
		fields map[int]string
	}{
		{"missing_uid", map[int]string{
			0: "BSN", 9: "260101", 15: "261231", 21: "1111111", 79: "P",
		}},
		{"bad_start_date", map[int]string{
			0: "BSN", 3: "C12345", 9: "26xx01", 15: "261231", 21: "1111111", 79: "P",
		}},
		{"inverted_date_range", map[int]string{
			0: "BSN", 3: "C12345", 9: "261231", 15: "260101", 21: "1111111", 79: "P",
		}},
		{"bad_days_run", map[int]string{
			0: "BSN", 3: "C12345", 9: "260101", 15: "261231", 21: "11111xx", 79: "P",
		}},
		{"bad_stp", map[int]string{
			0: "BSN", 3: "C12345", 9: "260101", 15: "261231", 21: "1111111", 79: "X",
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, report := parseCIF(t,
				cifLine(tc.fields),
				cifLine(map[int]string{0: "LO", 2: "PADTON", 10: "1000"}),
				cifLine(map[int]string{0: "LT", 2: "BRSTLTM", 10: "1100"}),
			)
			assert.Empty(t, got)
			assert.Equal(t, 1, report.RecordCount)
			require.Len(t, report.Errors, 1)
		})
	}
}

func TestParseSchedulesBadStopStructure(t *testing.T) {
	// A non-cancellation schedule with a single location is reported
	// and skipped; the following block still imports.
	got, report := parseCIF(t,
		cifLine(map[int]string{
			0: "BSN", 3: "C11111", 9: "260101", 15: "261231",
			21: "1111111", 29: "P", 79: "P",
		}),
		cifLine(map[int]string{0: "LO", 2: "PADTON", 10: "1000"}),
		cifLine(map[int]string{
			0: "BSN", 3: "C22222", 9: "260101", 15: "261231",
			21: "1111111", 29: "P", 79: "P",
		}),
		cifLine(map[int]string{0: "LO", 2: "PADTON", 10: "1000"}),
		cifLine(map[int]string{0: "LT", 2: "BRSTLTM", 10: "1100"}),
	)

	require.Len(t, got, 1)
	assert.Equal(t, "C22222", got[0].schedule.TrainUID)
	assert.Equal(t, 2, report.RecordCount)
	assert.Equal(t, 1, report.Imported)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "C11111")
}

func TestParseSchedulesEmitError(t *testing.T) {
	lines := strings.Join([]string{
		cifLine(map[int]string{
			0: "BSN", 3: "C12345", 9: "260101", 15: "261231",
			21: "1111111", 29: "P", 79: "P",
		}),
		cifLine(map[int]string{0: "LO", 2: "PADTON", 10: "1000"}),
		cifLine(map[int]string{0: "LT", 2: "BRSTLTM", 10: "1100"}),
	}, "\n")

	boom := errors.New("store exploded")
	_, err := ParseSchedules(strings.NewReader(lines),
		func(*model.Schedule, []*model.ScheduleStop) error { return boom })
	require.Error(t, err)
	assert.Equal(t, boom, errors.Cause(err))
}

func TestServiceTypeFromStatus(t *testing.T) {
	assert.Equal(t, model.ServiceTypePassenger, serviceTypeFromStatus("P"))
	assert.Equal(t, model.ServiceTypePassenger, serviceTypeFromStatus("1"))
	assert.Equal(t, model.ServiceTypeFreight, serviceTypeFromStatus("F"))
	assert.Equal(t, model.ServiceTypeFreight, serviceTypeFromStatus("2"))
	assert.Equal(t, model.ServiceTypeOther, serviceTypeFromStatus("S"))
	assert.Equal(t, model.ServiceTypeOther, serviceTypeFromStatus(""))
}
