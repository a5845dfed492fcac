// Package csvscan performs the structural pass over uploaded CSV files: it
// counts data lines and collects the distinct activity periods in one
// streaming read.
package csvscan

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/DukeRupert/csvmeter/internal/domain"
)

const (
	// DefaultBufferSize bounds how much of the file is held in memory.
	DefaultBufferSize = 64 * 1024

	// sniffSize is how much of the file is inspected for encoding and delimiter.
	sniffSize = 8 * 1024

	EncodingUTF8        = "UTF-8"
	EncodingWindows1252 = "Windows-1252"
)

// Analyzer scans CSV streams. It holds no state between calls and is safe for
// concurrent use.
type Analyzer struct {
	periodColumn string
	bufferSize   int
	logger       *slog.Logger
	observe      func(time.Duration, error)
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithPeriodColumn overrides the header name that carries the period.
func WithPeriodColumn(name string) Option {
	return func(a *Analyzer) {
		if name != "" {
			a.periodColumn = name
		}
	}
}

// WithBufferSize sets the read buffer size.
func WithBufferSize(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.bufferSize = n
		}
	}
}

// WithLogger sets the logger used for analysis diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithObserver registers a callback invoked after every analysis with its
// duration and result error.
func WithObserver(fn func(time.Duration, error)) Option {
	return func(a *Analyzer) {
		a.observe = fn
	}
}

// New creates an Analyzer.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		periodColumn: domain.PeriodColumn,
		bufferSize:   DefaultBufferSize,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// PeriodColumn returns the header name the analyzer looks for.
func (a *Analyzer) PeriodColumn() string {
	return a.periodColumn
}

// Analyze reads r once and reports its data line count and distinct periods.
//
// The header row is excluded from LineCount. Rows whose field count differs
// from the header, or that fail to parse within a single line, still count
// as lines but are skipped for period extraction. A parse error spanning
// several lines is rejected as an invalid format. A cancelled ctx aborts the scan with the
// context error.
func (a *Analyzer) Analyze(ctx context.Context, r io.Reader) (result domain.PeriodAnalysis, err error) {
	const op = "csvscan.analyze"

	if a.observe != nil {
		start := time.Now()
		defer func() { a.observe(time.Since(start), err) }()
	}

	br := bufio.NewReaderSize(&contextReader{ctx: ctx, r: r}, a.bufferSize)

	sample, peekErr := br.Peek(sniffSize)
	if peekErr != nil && !errors.Is(peekErr, io.EOF) && !errors.Is(peekErr, bufio.ErrBufferFull) {
		return result, a.readError(ctx, peekErr, op)
	}
	truncated := peekErr == nil || errors.Is(peekErr, bufio.ErrBufferFull)

	if len(sample) >= len(utf8BOM) && string(sample[:len(utf8BOM)]) == string(utf8BOM) {
		if _, err := br.Discard(len(utf8BOM)); err != nil {
			return result, a.readError(ctx, err, op)
		}
		sample = sample[len(utf8BOM):]
	}

	if len(firstLine(sample)) == 0 {
		return result, domain.InvalidFormat(nil, op, "The CSV file is empty")
	}
	if looksBinary(sample) {
		return result, domain.InvalidFormat(nil, op, "The file does not look like a CSV text file")
	}

	var src io.Reader = br
	result.Encoding = EncodingUTF8
	if !isUTF8(sample, truncated) {
		src = transform.NewReader(br, charmap.Windows1252.NewDecoder())
		result.Encoding = EncodingWindows1252
	}
	result.Delimiter = detectDelimiter(firstLine(sample))

	cr := csv.NewReader(src)
	cr.Comma = result.Delimiter
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := a.readHeader(ctx, cr, op)
	if err != nil {
		return result, err
	}
	width := len(header)
	periodIdx := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), a.periodColumn) {
			periodIdx = i
			break
		}
	}
	if periodIdx < 0 {
		return result, domain.MissingColumn(op, a.periodColumn)
	}

	seen := make(map[string]struct{})
	result.Periods = []string{}
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return result, a.readError(ctx, err, op)
			}
			// A quoted field left open swallows every following line, so
			// the rows it hid can be neither counted nor checked for periods.
			if perr.Line > perr.StartLine {
				return result, domain.InvalidFormat(err, op, fmt.Sprintf(
					"Unterminated quoted field starting on line %d", perr.StartLine))
			}
			// The parser has already consumed the offending line.
			result.LineCount++
			result.MalformedRows++
			continue
		}

		if isBlank(record) {
			continue
		}
		result.LineCount++

		if len(record) != width {
			result.MalformedRows++
			continue
		}

		period := strings.TrimSpace(record[periodIdx])
		if period == "" {
			continue
		}
		if _, ok := seen[period]; !ok {
			seen[period] = struct{}{}
			result.Periods = append(result.Periods, period)
		}
	}

	result.PeriodCount = len(result.Periods)
	result.RequiredCredits = result.CreditCost()

	if result.MalformedRows > 0 {
		a.logger.Debug("CSV contained malformed rows",
			"malformed_rows", result.MalformedRows,
			"line_count", result.LineCount,
		)
	}

	return result, nil
}

// readHeader returns the first record that has any non-blank field.
func (a *Analyzer) readHeader(ctx context.Context, cr *csv.Reader, op string) ([]string, error) {
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil, domain.InvalidFormat(nil, op, "The CSV file is empty")
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return nil, domain.InvalidFormat(err, op, "The CSV header row could not be parsed")
			}
			return nil, a.readError(ctx, err, op)
		}
		if !isBlank(record) {
			// ReuseRecord means the slice is overwritten by the next Read.
			return append([]string(nil), record...), nil
		}
	}
}

func (a *Analyzer) readError(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.InvalidFormat(err, op, "The CSV file could not be read")
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// contextReader fails reads once its context is done so a stalled upstream
// body does not keep the scan alive.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
