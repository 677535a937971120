package parse

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/kennyphilp/trainsai/model"
)

// Additional Fixed Links files appear in two variants. The current
// one is key=value:
//
//	M=WALK,O=AFK,D=ASI,T=5,S=0001,E=2359,P=4,R=0000001
//
// M mode, O/D origin and destination station codes, T minutes,
// S/E validity window (HHMM). The legacy variant is fixed width:
// mode char at 0, origin 1:4, destination 4:7, minutes 7:10,
// window 10:14 and 14:18.

var legacyModes = map[byte]string{
	'W': "WALK",
	'I': "INTERCHANGE",
	'T': "TUBE",
	'M': "METRO",
	'B': "BUS",
	'F': "FERRY",
}

func connectionMode(mode string) model.ConnectionMode {
	if strings.EqualFold(mode, "WALK") {
		return model.ConnectionWalk
	}
	return model.ConnectionInterchange
}

// Parses a fixed-links file, accepting both variants. Records with a
// missing endpoint are reported and skipped.
func ParseConnections(data io.Reader, emit func(*model.Connection) error) (*ParseReport, error) {
	report := &ParseReport{}
	scanner := bufio.NewScanner(data)
	scanner.Buffer(make([]byte, 0, 128), 1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "/") {
			continue
		}

		report.RecordCount++

		var conn *model.Connection
		var err error
		if strings.HasPrefix(line, "M=") {
			conn, err = parseALFKeyValue(line)
		} else {
			conn, err = parseALFLegacy(line)
		}
		if err != nil {
			report.addError(lineNo, "%v", err)
			continue
		}

		if err := emit(conn); err != nil {
			return report, errors.Wrapf(err, "emitting connection %s-%s", conn.FromTiploc, conn.ToTiploc)
		}
		report.Imported++
	}
	if err := scanner.Err(); err != nil {
		return report, errors.Wrap(err, "reading fixed-links file")
	}

	return report, nil
}

func parseALFKeyValue(line string) (*model.Connection, error) {
	parts := map[string]string{}
	for _, item := range strings.Split(line, ",") {
		kv := strings.SplitN(item, "=", 2)
		if len(kv) != 2 {
			return nil, errors.Errorf("bad field %q", item)
		}
		parts[kv[0]] = kv[1]
	}

	from := parts["O"]
	to := parts["D"]
	if from == "" || to == "" {
		return nil, errors.New("missing origin or destination")
	}

	minutes := 5
	if t := parts["T"]; t != "" {
		n, err := strconv.Atoi(t)
		if err != nil {
			return nil, errors.Errorf("bad duration %q", t)
		}
		minutes = n
	}

	return &model.Connection{
		FromTiploc:      from,
		ToTiploc:        to,
		Mode:            connectionMode(parts["M"]),
		DurationMinutes: minutes,
		StartTime:       windowTime(parts["S"], "0000"),
		EndTime:         windowTime(parts["E"], "2359"),
	}, nil
}

func parseALFLegacy(line string) (*model.Connection, error) {
	if len(line) < 10 {
		return nil, errors.Errorf("short record %q", line)
	}

	mode, ok := legacyModes[line[0]]
	if !ok {
		return nil, errors.Errorf("unknown mode %q", line[0:1])
	}

	from := field(line, 1, 4)
	to := field(line, 4, 7)
	if from == "" || to == "" {
		return nil, errors.New("missing origin or destination")
	}

	minutes, err := strconv.Atoi(field(line, 7, 10))
	if err != nil {
		return nil, errors.Errorf("bad duration %q", field(line, 7, 10))
	}

	return &model.Connection{
		FromTiploc:      from,
		ToTiploc:        to,
		Mode:            connectionMode(mode),
		DurationMinutes: minutes,
		StartTime:       windowTime(field(line, 10, 14), "0000"),
		EndTime:         windowTime(field(line, 14, 18), "2359"),
	}, nil
}

func windowTime(s, fallback string) string {
	s = strings.TrimSpace(s)
	if len(s) != 4 {
		s = fallback
	}
	formatted, err := cifTime(s)
	if err != nil || formatted == "" {
		formatted, _ = cifTime(fallback)
	}
	return formatted
}
