package parse

import (
	"bufio"
	"io"

	"github.com/pkg/errors"

	"github.com/kennyphilp/trainsai/model"
)

// Fixed-width record layout per the Network Rail CIF specification.
// Offsets below are 0-based [from:to) into the 80-column line.
//
//	BS: 2 transaction, 3:9 train UID, 9:15 runs-from, 15:21 runs-to,
//	    21:28 days run, 29 train status, 32:36 headcode, 57:60 speed,
//	    66 class, 67 sleepers, 68 reservations, 70:74 catering, 79 STP
//	BX: 11:13 ATOC code
//	LO: 2:10 location, 10:15 wtd, 15:19 public dep, 19:22 platform,
//	    29:41 activities
//	LI: 2:10 location, 10:15 wta, 15:20 wtd, 20:25 wtp, 25:29 public
//	    arr, 29:33 public dep, 33:36 platform, 42:54 activities
//	LT: 2:10 location, 10:15 wta, 15:19 public arr, 19:22 platform,
//	    25:37 activities

var stpCodes = map[string]model.STPIndicator{
	"P": model.STPPermanent,
	"N": model.STPNew,
	"O": model.STPOverlay,
	"C": model.STPCancelled,
}

func serviceTypeFromStatus(status string) model.ServiceType {
	switch status {
	case "P", "1", "B", "5":
		return model.ServiceTypePassenger
	case "F", "2", "3", "4", "6", "7":
		return model.ServiceTypeFreight
	default:
		return model.ServiceTypeOther
	}
}

type cifSchedule struct {
	schedule *model.Schedule
	stops    []*model.ScheduleStop
	line     int
	bad      bool
}

// Parses a CIF schedule extract and emits one schedule (with its
// ordered stops) per BS block. Cancellation blocks (STP indicator C)
// carry no locations and are emitted with an empty stop list.
// Malformed blocks are reported and skipped.
func ParseSchedules(data io.Reader, emit func(*model.Schedule, []*model.ScheduleStop) error) (*ParseReport, error) {
	report := &ParseReport{}
	scanner := bufio.NewScanner(data)
	scanner.Buffer(make([]byte, 0, 128), 1024)

	var current *cifSchedule
	lineNo := 0

	flush := func() error {
		if current == nil {
			return nil
		}
		sched := current
		current = nil

		if sched.bad {
			return nil
		}
		if err := finishStops(sched, report); err != nil {
			report.addError(sched.line, "%v", err)
			return nil
		}
		if err := emit(sched.schedule, sched.stops); err != nil {
			return errors.Wrapf(err, "emitting schedule %s", sched.schedule.TrainUID)
		}
		report.Imported++
		return nil
	}

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if len(line) < 2 {
			continue
		}

		switch line[0:2] {
		case "BS":
			if err := flush(); err != nil {
				return report, err
			}
			report.RecordCount++
			current = parseBS(line, lineNo, report)

		case "BX":
			if current != nil && !current.bad {
				current.schedule.OperatorCode = field(line, 11, 13)
			}

		case "LO":
			if current == nil || current.bad {
				continue
			}
			parseLO(line, lineNo, current, report)

		case "LI":
			if current == nil || current.bad {
				continue
			}
			parseLI(line, lineNo, current, report)

		case "LT":
			if current == nil || current.bad {
				continue
			}
			parseLT(line, lineNo, current, report)
		}
	}
	if err := scanner.Err(); err != nil {
		return report, errors.Wrap(err, "reading schedule file")
	}

	if err := flush(); err != nil {
		return report, err
	}

	return report, nil
}

func parseBS(line string, lineNo int, report *ParseReport) *cifSchedule {
	sched := &cifSchedule{line: lineNo}

	// Delete transactions reference schedules by key only. This
	// importer replaces whole extracts, so they carry nothing to
	// apply.
	if field(line, 2, 3) == "D" {
		sched.bad = true
		return sched
	}

	uid := field(line, 3, 9)
	if uid == "" {
		report.addError(lineNo, "missing train UID")
		sched.bad = true
		return sched
	}

	start, err := cifDate(field(line, 9, 15))
	if err != nil {
		report.addError(lineNo, "runs-from: %v", err)
		sched.bad = true
		return sched
	}
	end, err := cifDate(field(line, 15, 21))
	if err != nil {
		report.addError(lineNo, "runs-to: %v", err)
		sched.bad = true
		return sched
	}
	if start > end {
		report.addError(lineNo, "runs-from %s after runs-to %s", start, end)
		sched.bad = true
		return sched
	}

	days := field(line, 21, 28)
	if len(days) != 7 {
		report.addError(lineNo, "bad days-run %q", days)
		sched.bad = true
		return sched
	}
	for _, c := range days {
		if c != '0' && c != '1' {
			report.addError(lineNo, "bad days-run %q", days)
			sched.bad = true
			return sched
		}
	}

	stp, ok := stpCodes[field(line, 79, 80)]
	if !ok {
		report.addError(lineNo, "bad STP indicator %q", field(line, 79, 80))
		sched.bad = true
		return sched
	}

	sched.schedule = &model.Schedule{
		TrainUID:     uid,
		Headcode:     field(line, 32, 36),
		ServiceType:  serviceTypeFromStatus(field(line, 29, 30)),
		StartDate:    start,
		EndDate:      end,
		DaysRun:      days,
		STP:          stp,
		Speed:        field(line, 57, 60),
		TrainClass:   field(line, 66, 67),
		Sleepers:     field(line, 67, 68),
		Reservations: field(line, 68, 69),
		Catering:     field(line, 70, 74),
	}
	return sched
}

// Location field is tiploc (7) plus a suffix digit; the suffix is
// dropped.
func location(line string) string {
	return field(line, 2, 9)
}

func parseLO(line string, lineNo int, sched *cifSchedule, report *ParseReport) {
	dep, err := cifTime(field(line, 15, 19))
	if err != nil || dep == "" {
		// Fall back to the working departure.
		dep, err = cifTime(field(line, 10, 15))
	}
	if err != nil {
		report.addError(lineNo, "origin departure: %v", err)
		sched.bad = true
		return
	}

	sched.stops = append(sched.stops, &model.ScheduleStop{
		Sequence:   len(sched.stops),
		Tiploc:     location(line),
		Type:       model.StopTypeOrigin,
		Departure:  dep,
		Platform:   field(line, 19, 22),
		Activities: field(line, 29, 41),
	})
}

func parseLI(line string, lineNo int, sched *cifSchedule, report *ParseReport) {
	pass, err := cifTime(field(line, 20, 25))
	if err != nil {
		report.addError(lineNo, "pass time: %v", err)
		sched.bad = true
		return
	}

	if pass != "" {
		sched.stops = append(sched.stops, &model.ScheduleStop{
			Sequence: len(sched.stops),
			Tiploc:   location(line),
			Type:     model.StopTypePass,
			PassTime: pass,
		})
		return
	}

	arr, err := cifTime(field(line, 25, 29))
	if err != nil || arr == "" {
		arr, err = cifTime(field(line, 10, 15))
	}
	if err != nil {
		report.addError(lineNo, "arrival: %v", err)
		sched.bad = true
		return
	}

	dep, err := cifTime(field(line, 29, 33))
	if err != nil || dep == "" {
		dep, err = cifTime(field(line, 15, 20))
	}
	if err != nil {
		report.addError(lineNo, "departure: %v", err)
		sched.bad = true
		return
	}

	sched.stops = append(sched.stops, &model.ScheduleStop{
		Sequence:   len(sched.stops),
		Tiploc:     location(line),
		Type:       model.StopTypeIntermediate,
		Arrival:    arr,
		Departure:  dep,
		Platform:   field(line, 33, 36),
		Activities: field(line, 42, 54),
	})
}

func parseLT(line string, lineNo int, sched *cifSchedule, report *ParseReport) {
	arr, err := cifTime(field(line, 15, 19))
	if err != nil || arr == "" {
		arr, err = cifTime(field(line, 10, 15))
	}
	if err != nil {
		report.addError(lineNo, "terminus arrival: %v", err)
		sched.bad = true
		return
	}

	sched.stops = append(sched.stops, &model.ScheduleStop{
		Sequence:   len(sched.stops),
		Tiploc:     location(line),
		Type:       model.StopTypeTerminus,
		Arrival:    arr,
		Platform:   field(line, 19, 22),
		Activities: field(line, 25, 37),
	})
}

func finishStops(sched *cifSchedule, report *ParseReport) error {
	// Cancellation blocks carry no locations.
	if sched.schedule.STP == model.STPCancelled {
		sched.stops = nil
		return nil
	}

	if len(sched.stops) < 2 {
		return errors.Errorf("schedule %s has %d locations", sched.schedule.TrainUID, len(sched.stops))
	}
	if sched.stops[0].Type != model.StopTypeOrigin {
		return errors.Errorf("schedule %s does not start with an origin", sched.schedule.TrainUID)
	}
	if sched.stops[len(sched.stops)-1].Type != model.StopTypeTerminus {
		return errors.Errorf("schedule %s does not end with a terminus", sched.schedule.TrainUID)
	}
	for _, stop := range sched.stops[1 : len(sched.stops)-1] {
		if stop.Type == model.StopTypeOrigin || stop.Type == model.StopTypeTerminus {
			return errors.Errorf("schedule %s has an interior %s", sched.schedule.TrainUID, stop.Type)
		}
	}
	return nil
}
