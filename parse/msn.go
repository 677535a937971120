package parse

import (
	"bufio"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/kennyphilp/trainsai/model"
)

// Master Station Names layout, 0-based [from:to):
//
//	A records: 5:35 name, 35 interchange status, 36:44 tiploc,
//	           49:52 CRS, 53:58 easting, 58:64 northing, 64 category
//	L records: 36:66 alias name, applying to the preceding A record
//
// Easting and northing are OS grid units of 100 m, offset by 10000
// and 60000 respectively.

// Converts MSN grid units to WGS84 coordinates via a flat affine
// approximation around the OS grid's true origin (49N 2W). Accurate
// to a few km, which is plenty for display.
func gridToLatLon(easting, northing int) (float64, float64) {
	eastingM := float64(easting-10000) * 100
	northingM := float64(northing-60000) * 100

	lat := 49.0 + (northingM+100000)/111320.0
	lon := -2.0 + (eastingM-400000)/(111320.0*math.Cos(lat*math.Pi/180))
	return lat, lon
}

// MSN names arrive fully upper-cased. Title-case them for display.
func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// Parses a Master Station Names file. Stations are emitted per A
// record; L records become aliases of the station emitted just before
// them.
func ParseStations(
	data io.Reader,
	emit func(*model.Station) error,
	emitAlias func(*model.StationAlias) error,
) (*ParseReport, error) {
	report := &ParseReport{}
	scanner := bufio.NewScanner(data)
	scanner.Buffer(make([]byte, 0, 128), 1024)

	var lastTiploc string
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if len(line) < 1 {
			continue
		}

		switch line[0] {
		case 'A':
			if strings.Contains(line, "FILE-SPEC=") {
				continue
			}
			report.RecordCount++

			name := field(line, 5, 35)
			tiploc := field(line, 36, 44)
			if name == "" || tiploc == "" {
				report.addError(lineNo, "missing name or tiploc")
				continue
			}

			station := &model.Station{
				Tiploc:  tiploc,
				CRS:     strings.ToUpper(field(line, 49, 52)),
				Name:    titleCase(name),
				Country: "GB",
				Active:  true,
			}

			easting, eerr := strconv.Atoi(strings.TrimSuffix(field(line, 53, 58), "E"))
			northing, nerr := strconv.Atoi(field(line, 58, 64))
			if eerr == nil && nerr == nil && easting > 0 && northing > 0 {
				station.Lat, station.Lon = gridToLatLon(easting, northing)
				station.HasCoord = true
			}

			if err := emit(station); err != nil {
				return report, errors.Wrapf(err, "emitting station %s", tiploc)
			}
			report.Imported++
			lastTiploc = tiploc

		case 'L':
			if lastTiploc == "" {
				continue
			}
			alias := field(line, 36, 66)
			if alias == "" {
				continue
			}
			err := emitAlias(&model.StationAlias{
				Tiploc: lastTiploc,
				Name:   titleCase(alias),
				Type:   model.AliasOfficial,
			})
			if err != nil {
				return report, errors.Wrapf(err, "emitting alias for %s", lastTiploc)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return report, errors.Wrap(err, "reading station file")
	}

	return report, nil
}
