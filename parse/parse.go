package parse

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Outcome of a single adapter run. Malformed records are collected
// here and skipped; they never abort the parse.
type ParseReport struct {
	RecordCount int
	Imported    int
	Errors      []string
}

func (r *ParseReport) addError(line int, format string, args ...interface{}) {
	// Files in the wild occasionally contain thousands of bad
	// rows. Keep enough to diagnose, not the lot.
	if len(r.Errors) < 100 {
		msg := fmt.Sprintf(format, args...)
		r.Errors = append(r.Errors, fmt.Sprintf("line %d: %s", line, msg))
	}
}

func (r *ParseReport) ErrorText() string {
	return strings.Join(r.Errors, "; ")
}

// Input file classes the importer understands.
type FileType string

const (
	FileTypeSchedule    FileType = "schedule"
	FileTypeStations    FileType = "stations"
	FileTypeConnections FileType = "connections"
	FileTypeCorrections FileType = "corrections"
	FileTypeUnknown     FileType = "unknown"
)

// Header fields extracted during detection, when the file carries them.
type FileInfo struct {
	Type          FileType
	Sequence      int
	GeneratedDate string
}

// Identifies a schedule input file from its leading lines, falling
// back to the filename. Feed extracts carry "/!!" comment headers or a
// FILE-SPEC line; raw CIF starts with an HD or BS record.
func DetectFileType(name string, data io.Reader) (*FileInfo, error) {
	info := &FileInfo{Type: FileTypeUnknown}

	scanner := bufio.NewScanner(data)
	for i := 0; i < 10 && scanner.Scan(); i++ {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, "/!! Content type:"):
			ct := strings.ToLower(strings.TrimSpace(strings.SplitN(line, ":", 2)[1]))
			switch {
			case strings.Contains(ct, "msn"):
				info.Type = FileTypeStations
			case strings.Contains(ct, "alf"):
				info.Type = FileTypeConnections
			case strings.Contains(ct, "ztr"), strings.Contains(ct, "cif"):
				info.Type = FileTypeSchedule
			}

		case strings.HasPrefix(line, "/!! Sequence:"):
			seq, err := strconv.Atoi(strings.TrimSpace(strings.SplitN(line, ":", 2)[1]))
			if err == nil {
				info.Sequence = seq
			}

		case strings.HasPrefix(line, "/!! Generated:"):
			info.GeneratedDate = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])

		case strings.HasPrefix(line, "A") && strings.Contains(line, "FILE-SPEC="):
			// e.g. "A FILE-SPEC=05 1.00 25/11/25 18.08.01 668"
			parts := strings.Fields(line)
			if len(parts) >= 4 {
				info.GeneratedDate = parts[2] + " " + parts[3]
			}
			if len(parts) >= 5 {
				if seq, err := strconv.Atoi(parts[4]); err == nil {
					info.Sequence = seq
				}
			}
			info.Type = FileTypeStations

		case strings.HasPrefix(line, "HD"), strings.HasPrefix(line, "BS"):
			if info.Type == FileTypeUnknown {
				info.Type = FileTypeSchedule
			}

		case strings.HasPrefix(line, "M="):
			if info.Type == FileTypeUnknown {
				info.Type = FileTypeConnections
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	if info.Type == FileTypeUnknown {
		upper := strings.ToUpper(name)
		switch {
		case strings.Contains(upper, "MSN"):
			info.Type = FileTypeStations
		case strings.Contains(upper, "ALF"):
			info.Type = FileTypeConnections
		case strings.Contains(upper, "ZTR"), strings.Contains(upper, "CIF"),
			strings.Contains(upper, "MCA"):
			info.Type = FileTypeSchedule
		case strings.HasSuffix(upper, ".CSV"):
			info.Type = FileTypeCorrections
		}
	}

	return info, nil
}

// Converts a CIF YYMMDD date to YYYYMMDD. Two-digit years below 50
// are in the 2000s, the rest in the 1900s.
func cifDate(s string) (string, error) {
	if len(s) != 6 {
		return "", fmt.Errorf("bad date %q", s)
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("bad date %q", s)
		}
	}

	yy, _ := strconv.Atoi(s[0:2])
	mm, _ := strconv.Atoi(s[2:4])
	dd, _ := strconv.Atoi(s[4:6])
	if mm < 1 || mm > 12 || dd < 1 || dd > 31 {
		return "", fmt.Errorf("bad date %q", s)
	}

	century := 1900
	if yy < 50 {
		century = 2000
	}
	return fmt.Sprintf("%04d%s", century+yy, s[2:6]), nil
}

// Converts a CIF HHMM (optionally with a trailing H for half minute)
// to "HH:MM". Blank input yields blank output.
func cifTime(s string) (string, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "H"))
	if s == "" {
		return "", nil
	}
	if len(s) != 4 {
		return "", fmt.Errorf("bad time %q", s)
	}

	hh, err := strconv.Atoi(s[0:2])
	if err != nil {
		return "", fmt.Errorf("bad time %q", s)
	}
	mm, err := strconv.Atoi(s[2:4])
	if err != nil {
		return "", fmt.Errorf("bad time %q", s)
	}
	if hh > 23 || mm > 59 {
		return "", fmt.Errorf("bad time %q", s)
	}

	return fmt.Sprintf("%02d:%02d", hh, mm), nil
}

// Extracts a fixed-width field, tolerating short lines.
func field(line string, from, to int) string {
	if from >= len(line) {
		return ""
	}
	if to > len(line) {
		to = len(line)
	}
	return strings.TrimSpace(line[from:to])
}
