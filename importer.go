package trainsai

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kennyphilp/trainsai/model"
	"github.com/kennyphilp/trainsai/parse"
	"github.com/kennyphilp/trainsai/storage"
)

// Importer drives schedule input files into the store. Imports are
// file-at-a-time, transactional, and idempotent on content hash.
type Importer struct {
	store storage.Storage
	log   *logrus.Entry
}

func NewImporter(store storage.Storage, log *logrus.Entry) *Importer {
	return &Importer{store: store, log: log}
}

// Imports a single file, detecting its type from header and
// filename. A file whose content hash matches a previous successful
// import is skipped unless force is set. Store failures roll the
// whole file back.
func (im *Importer) ImportFile(path string, force bool) (*model.ImportRecord, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	sum := sha256.Sum256(buf)
	hash := hex.EncodeToString(sum[:])

	info, err := parse.DetectFileType(filepath.Base(path), strings.NewReader(string(buf)))
	if err != nil {
		return nil, fmt.Errorf("detecting file type: %w", err)
	}
	if info.Type == parse.FileTypeUnknown {
		return nil, fmt.Errorf("cannot determine file type of %s", path)
	}

	record := &model.ImportRecord{
		FileType:       string(info.Type),
		FilePath:       path,
		FileHash:       hash,
		FileSize:       int64(len(buf)),
		SequenceNumber: info.Sequence,
		GeneratedDate:  info.GeneratedDate,
		StartedAt:      time.Now(),
	}

	decision, err := im.store.BeginImport(record.FileType, hash)
	if err != nil {
		return nil, fmt.Errorf("checking import history: %w", err)
	}
	if decision == storage.ImportDuplicate && !force {
		im.log.WithFields(logrus.Fields{
			"file": path,
			"type": record.FileType,
		}).Info("already imported, skipping")
		record.FinishedAt = time.Now()
		record.Success = true
		record.Errors = "duplicate"
		return record, nil
	}

	im.log.WithFields(logrus.Fields{
		"file":     path,
		"type":     record.FileType,
		"decision": decision.String(),
	}).Info("importing file")

	batch, err := im.store.BeginBatch()
	if err != nil {
		return nil, fmt.Errorf("beginning batch: %w", err)
	}

	report, parseErr := im.runAdapter(info.Type, buf, batch)
	if parseErr != nil {
		batch.Rollback()
		record.FinishedAt = time.Now()
		record.Success = false
		record.Errors = parseErr.Error()
		if report != nil {
			record.RecordCount = report.RecordCount
			record.RecordsImported = 0
		}
		if rerr := im.store.RecordImport(record); rerr != nil {
			im.log.WithError(rerr).Error("recording failed import")
		}
		return record, fmt.Errorf("importing %s: %w", path, parseErr)
	}

	if err := batch.Commit(); err != nil {
		record.FinishedAt = time.Now()
		record.Success = false
		record.Errors = err.Error()
		if rerr := im.store.RecordImport(record); rerr != nil {
			im.log.WithError(rerr).Error("recording failed import")
		}
		return record, fmt.Errorf("committing %s: %w", path, err)
	}

	record.FinishedAt = time.Now()
	// Skipped records stay committed, but a file that produced any
	// errors is not a success; its hash stays eligible for re-import.
	record.Success = len(report.Errors) == 0
	record.RecordCount = report.RecordCount
	record.RecordsImported = report.Imported
	record.Errors = report.ErrorText()

	if err := im.store.RecordImport(record); err != nil {
		return record, fmt.Errorf("recording import: %w", err)
	}

	im.log.WithFields(logrus.Fields{
		"file":     path,
		"records":  report.RecordCount,
		"imported": report.Imported,
		"errors":   len(report.Errors),
		"duration": record.FinishedAt.Sub(record.StartedAt).String(),
	}).Info("import complete")

	return record, nil
}

// Imports every recognizable file in a directory, in name order.
// Individual file failures are reported but do not stop the run.
func (im *Importer) ImportDir(dir string, force bool) ([]*model.ImportRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var records []*model.ImportRecord
	for _, name := range names {
		record, err := im.ImportFile(filepath.Join(dir, name), force)
		if err != nil {
			im.log.WithError(err).WithField("file", name).Error("import failed")
		}
		if record != nil {
			records = append(records, record)
		}
	}
	return records, nil
}

// Parses a file without writing anything, reporting malformed
// records, schedules with no locations and inverted date ranges.
func (im *Importer) ValidateFile(path string) (*parse.ParseReport, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	info, err := parse.DetectFileType(filepath.Base(path), strings.NewReader(string(buf)))
	if err != nil {
		return nil, fmt.Errorf("detecting file type: %w", err)
	}
	if info.Type == parse.FileTypeUnknown {
		return nil, fmt.Errorf("cannot determine file type of %s", path)
	}

	return im.runAdapter(info.Type, buf, discardBatch{})
}

func (im *Importer) runAdapter(fileType parse.FileType, buf []byte, batch storage.ImportBatch) (*parse.ParseReport, error) {
	data := strings.NewReader(string(buf))

	switch fileType {
	case parse.FileTypeSchedule:
		return parse.ParseSchedules(data, batch.PutSchedule)

	case parse.FileTypeStations:
		return parse.ParseStations(data, batch.PutStation, batch.PutAlias)

	case parse.FileTypeConnections:
		return parse.ParseConnections(data, batch.PutConnection)

	case parse.FileTypeCorrections:
		return parse.ParseCorrections(data, batch.PutMapping)

	default:
		return nil, fmt.Errorf("no adapter for file type %q", fileType)
	}
}

// Batch that swallows writes, for validation runs.
type discardBatch struct{}

func (discardBatch) PutStation(*model.Station) error { return nil }

func (discardBatch) PutAlias(*model.StationAlias) error { return nil }

func (discardBatch) PutMapping(*model.TiplocMapping) error { return nil }

func (discardBatch) PutConnection(*model.Connection) error { return nil }

func (discardBatch) PutSchedule(*model.Schedule, []*model.ScheduleStop) error { return nil }

func (discardBatch) Commit() error { return nil }

func (discardBatch) Rollback() error { return nil }
