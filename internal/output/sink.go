// Package output writes harvested rows to the append-only NDJSON stream and
// its CSV mirror, and fans flushed batches out to optional row mirrors.
package output

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/bitbucket-branch-harvester/internal/harvest"
)

// Options configures a Sink.
type Options struct {
	NDJSONPath string
	// CSVPath may be empty to disable the tabular mirror.
	CSVPath string
	RunID   string
	Mirrors map[string]harvest.RowMirror
	Logger  *zap.Logger
}

// Sink is safe for concurrent use. Every write happens under one lock so a
// line is never interleaved with another.
type Sink struct {
	mu sync.Mutex

	ndjsonFile *os.File
	ndjson     *bufio.Writer
	enc        *json.Encoder

	csvFile *os.File
	csv     *csv.Writer

	runID   string
	mirrors map[string]harvest.RowMirror
	pending []harvest.Row
	logger  *zap.Logger

	rows   int
	closed bool
}

// Open opens both outputs in append mode. The CSV header is written only when
// the CSV file is empty at open time.
func Open(opts Options) (*Sink, error) {
	if opts.NDJSONPath == "" {
		return nil, fmt.Errorf("ndjson output path is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	nf, err := openAppend(opts.NDJSONPath)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(nf)
	s := &Sink{
		ndjsonFile: nf,
		ndjson:     buf,
		enc:        json.NewEncoder(buf),
		runID:      opts.RunID,
		mirrors:    opts.Mirrors,
		logger:     opts.Logger,
	}
	s.enc.SetEscapeHTML(false)

	if opts.CSVPath == "" {
		return s, nil
	}
	cf, err := openAppend(opts.CSVPath)
	if err != nil {
		_ = nf.Close()
		return nil, err
	}
	info, err := cf.Stat()
	if err != nil {
		_ = nf.Close()
		_ = cf.Close()
		return nil, fmt.Errorf("stat csv output: %w", err)
	}
	s.csvFile = cf
	s.csv = csv.NewWriter(cf)
	if info.Size() == 0 {
		if err := s.csv.Write(harvest.Columns); err != nil {
			_ = s.Close(context.Background())
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		s.csv.Flush()
		if err := s.csv.Error(); err != nil {
			_ = s.Close(context.Background())
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	}
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) // #nosec G302 G304 -- shared output artifact.
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", path, err)
	}
	return f, nil
}

// Emit buffers one row in both outputs.
func (s *Sink) Emit(_ context.Context, row harvest.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("emit: sink closed")
	}
	if err := s.enc.Encode(row); err != nil {
		return fmt.Errorf("encode ndjson row: %w", err)
	}
	if s.csv != nil {
		if err := s.csv.Write(row.Record()); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	if len(s.mirrors) > 0 {
		s.pending = append(s.pending, row)
	}
	s.rows++
	return nil
}

// Flush makes every emitted row durable in the NDJSON file, flushes the CSV
// mirror, then hands the pending batch to the row mirrors. Mirror failures are
// logged and do not fail the flush.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch, err := s.flushLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.mirror(ctx, batch)
	return nil
}

func (s *Sink) flushLocked() ([]harvest.Row, error) {
	if s.closed {
		return nil, nil
	}
	if err := s.ndjson.Flush(); err != nil {
		return nil, fmt.Errorf("flush ndjson: %w", err)
	}
	if err := s.ndjsonFile.Sync(); err != nil {
		return nil, fmt.Errorf("sync ndjson: %w", err)
	}
	if s.csv != nil {
		s.csv.Flush()
		if err := s.csv.Error(); err != nil {
			return nil, fmt.Errorf("flush csv: %w", err)
		}
	}
	batch := s.pending
	s.pending = nil
	return batch, nil
}

func (s *Sink) mirror(ctx context.Context, batch []harvest.Row) {
	if len(batch) == 0 {
		return
	}
	for name, m := range s.mirrors {
		if err := m.StoreRows(ctx, s.runID, batch); err != nil {
			s.logger.Warn("row mirror failed", zap.String("mirror", name), zap.Int("rows", len(batch)), zap.Error(err))
		}
	}
}

// Rows returns the number of rows emitted through this sink.
func (s *Sink) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

// Close flushes and closes both outputs. It is safe to call more than once.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	batch, flushErr := s.flushLocked()
	s.closed = true
	errs := []error{flushErr}
	if err := s.ndjsonFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close ndjson: %w", err))
	}
	if s.csvFile != nil {
		if err := s.csvFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close csv: %w", err))
		}
	}
	s.mu.Unlock()
	s.mirror(ctx, batch)
	return errors.Join(errs...)
}
