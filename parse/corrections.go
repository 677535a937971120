package parse

import (
	"io"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spkg/bom"

	"github.com/kennyphilp/trainsai/model"
)

type correctionCSV struct {
	SourceTiploc    string `csv:"source_tiploc"`
	CanonicalTiploc string `csv:"canonical_tiploc"`
	DataSource      string `csv:"data_source"`
	Reason          string `csv:"reason"`
}

// Parses a tiploc corrections CSV. These are hand-maintained files
// mapping identifiers seen in the wild (typos, legacy codes, renamed
// timing points) to their canonical form.
func ParseCorrections(data io.Reader, emit func(*model.TiplocMapping) error) (*ParseReport, error) {
	report := &ParseReport{}

	i := 0
	err := gocsv.UnmarshalToCallbackWithError(bom.NewReader(data), func(row *correctionCSV) error {
		i++
		report.RecordCount++

		source := strings.ToUpper(strings.TrimSpace(row.SourceTiploc))
		canonical := strings.ToUpper(strings.TrimSpace(row.CanonicalTiploc))
		if source == "" || canonical == "" {
			report.addError(i+1, "missing source or canonical tiploc")
			return nil
		}

		mapping := &model.TiplocMapping{
			SourceTiploc:    source,
			CanonicalTiploc: canonical,
			DataSource:      strings.TrimSpace(row.DataSource),
			Reason:          strings.TrimSpace(row.Reason),
		}
		if mapping.DataSource == "" {
			mapping.DataSource = "manual"
		}

		if err := emit(mapping); err != nil {
			return errors.Wrapf(err, "emitting mapping %s (row %d)", source, i+1)
		}
		report.Imported++
		return nil
	})
	if err != nil {
		return report, errors.Wrap(err, "unmarshaling corrections csv")
	}

	return report, nil
}
