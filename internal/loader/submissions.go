package loader

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-audit/internal/domain"
)

const (
	defaultTimestampColumn = "Timestamp"
	defaultValidatorColumn = "Validator Address"
)

// Row drop reasons reported in LoadStats.
const (
	DropFieldCount     = "field_count"
	DropEmptyValidator = "empty_validator"
	DropBadPrice       = "bad_price"
	DropBadConfidence  = "bad_confidence"
	DropMalformedCSV   = "malformed_csv"
)

// SubmissionOptions parameterise the submission loader.
type SubmissionOptions struct {
	TimestampLayout string
	TimestampColumn string
	ValidatorColumn string
}

// Submissions reads validator submission files into one table.
type Submissions struct {
	opts   SubmissionOptions
	schema *domain.Schema
	logger zerolog.Logger
}

// NewSubmissions constructs a submission loader for the given schema.
func NewSubmissions(opts SubmissionOptions, schema *domain.Schema, logger zerolog.Logger) *Submissions {
	if opts.TimestampLayout == "" {
		opts.TimestampLayout = time.RFC3339
	}
	if opts.TimestampColumn == "" {
		opts.TimestampColumn = defaultTimestampColumn
	}
	if opts.ValidatorColumn == "" {
		opts.ValidatorColumn = defaultValidatorColumn
	}
	return &Submissions{
		opts:   opts,
		schema: schema,
		logger: logger.With().Str("component", "submission_loader").Logger(),
	}
}

type recordKey struct {
	validator string
	ts        int64
}

// Load parses every source. Sources with a mismatched header are skipped; malformed rows are dropped.
// It fails with ErrNoInputData when nothing usable remains and with ErrDuplicateSubmission when a
// (validator, timestamp) key repeats.
func (s *Submissions) Load(ctx context.Context, sources []Source) (*domain.SubmissionTable, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("load submissions: %w", domain.ErrNoInputData)
	}

	table := &domain.SubmissionTable{Schema: s.schema, Stats: domain.NewLoadStats()}
	seen := make(map[recordKey]string)

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := s.loadSource(src, table, seen)
		switch {
		case err == nil:
			table.Stats.Sources++
		case errors.Is(err, domain.ErrDuplicateSubmission):
			return nil, err
		default:
			table.Stats.SkippedSources[src.Path] = err.Error()
			s.logger.Warn().Err(err).Str("source", src.Path).Msg("submission source skipped")
		}
	}

	if table.Stats.Sources == 0 || len(table.Records) == 0 {
		return nil, fmt.Errorf("load submissions: %d sources, none usable: %w", len(sources), domain.ErrNoInputData)
	}

	s.logger.Info().
		Int("sources", table.Stats.Sources).
		Int("skipped_sources", len(table.Stats.SkippedSources)).
		Int("rows", table.Stats.Rows).
		Int("dropped_rows", table.Stats.DroppedRows).
		Int("null_timestamps", table.Stats.NullTimestamps).
		Msg("submissions loaded")

	return table, nil
}

type columnIndex struct {
	timestamp  int
	validator  int
	price      []int
	confidence []int
	width      int
}

func (s *Submissions) loadSource(src Source, table *domain.SubmissionTable, seen map[recordKey]string) error {
	file, err := os.Open(src.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", src.Path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read header %s: %w", src.Path, err)
	}
	cols, err := s.resolveColumns(header)
	if err != nil {
		return fmt.Errorf("%s: %w", src.Path, err)
	}

	line := 1
	for {
		row, readErr := reader.Read()
		line++
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			var parseErr *csv.ParseError
			if errors.As(readErr, &parseErr) {
				table.Stats.Rows++
				table.Stats.Drop(DropMalformedCSV)
				continue
			}
			return fmt.Errorf("read %s: %w", src.Path, readErr)
		}
		table.Stats.Rows++

		record, reason, parseErr := s.parseRow(row, cols)
		if parseErr != nil {
			table.Stats.Drop(reason)
			s.logger.Debug().Err(parseErr).Str("source", src.Path).Int("line", line).Msg("row dropped")
			continue
		}
		record.Source = src.Path
		if !record.HasTimestamp() {
			table.Stats.NullTimestamps++
		} else {
			key := recordKey{validator: record.ValidatorID, ts: record.Timestamp.Unix()}
			if prev, dup := seen[key]; dup {
				return fmt.Errorf("%s:%d validator %s at %s already submitted in %s: %w",
					src.Path, line, record.ValidatorID, record.Timestamp.Format(time.RFC3339), prev, domain.ErrDuplicateSubmission)
			}
			seen[key] = fmt.Sprintf("%s:%d", src.Path, line)
		}
		table.Records = append(table.Records, record)
	}
	return nil
}

func (s *Submissions) resolveColumns(header []string) (columnIndex, error) {
	positions := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		positions[name] = i
	}

	var missing []string
	lookup := func(name string) int {
		i, ok := positions[name]
		if !ok {
			missing = append(missing, name)
			return -1
		}
		return i
	}

	cols := columnIndex{
		timestamp:  lookup(s.opts.TimestampColumn),
		validator:  lookup(s.opts.ValidatorColumn),
		price:      make([]int, s.schema.Len()),
		confidence: make([]int, s.schema.Len()),
		width:      len(header),
	}
	for i, p := range s.schema.Pairs {
		cols.price[i] = lookup(p.PriceField)
		cols.confidence[i] = lookup(p.ConfidenceField)
	}
	if len(missing) > 0 {
		return columnIndex{}, fmt.Errorf("missing columns %s: %w", strings.Join(missing, ", "), domain.ErrSchemaMismatch)
	}
	return cols, nil
}

func (s *Submissions) parseRow(row []string, cols columnIndex) (domain.SubmissionRecord, string, error) {
	if len(row) != cols.width {
		return domain.SubmissionRecord{}, DropFieldCount, fmt.Errorf("expected %d fields, got %d: %w", cols.width, len(row), domain.ErrRowParse)
	}

	validator := NormalizeValidatorID(row[cols.validator])
	if validator == "" {
		return domain.SubmissionRecord{}, DropEmptyValidator, fmt.Errorf("empty validator: %w", domain.ErrRowParse)
	}

	record := domain.SubmissionRecord{
		ValidatorID: validator,
		Quotes:      make([]domain.Quote, len(cols.price)),
	}
	if ts, err := time.Parse(s.opts.TimestampLayout, strings.TrimSpace(row[cols.timestamp])); err == nil {
		record.Timestamp = ts.UTC()
	}

	for i := range cols.price {
		price, err := ParseRawPrice(row[cols.price[i]])
		if err != nil {
			return domain.SubmissionRecord{}, DropBadPrice, err
		}
		conf, err := ParseConfidence(row[cols.confidence[i]])
		if err != nil {
			return domain.SubmissionRecord{}, DropBadConfidence, err
		}
		record.Quotes[i] = domain.Quote{Price: price, Confidence: conf}
	}
	return record, "", nil
}

// NormalizeValidatorID trims the id and renders hex addresses in EIP-55 checksum form.
// Other ids are opaque and returned trimmed.
func NormalizeValidatorID(raw string) string {
	id := strings.TrimSpace(raw)
	if strings.HasPrefix(id, "0x") || strings.HasPrefix(id, "0X") {
		if common.IsHexAddress(id) {
			return common.HexToAddress(id).Hex()
		}
	}
	return id
}

func isNullToken(v string) bool {
	switch strings.ToLower(v) {
	case "", "nan", "null", "none", "na", "<na>":
		return true
	}
	return false
}

// ParseRawPrice parses a base-10 fixed-point integer price. Null tokens yield a null price, never zero.
func ParseRawPrice(v string) (decimal.NullDecimal, error) {
	v = strings.TrimSpace(v)
	if isNullToken(v) {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parse price %q: %w", v, domain.ErrRowParse)
	}
	return decimal.NewNullDecimal(d), nil
}

// ParseConfidence parses an integer confidence; integral decimals such as "100.0" are accepted.
func ParseConfidence(v string) (sql.NullInt64, error) {
	v = strings.TrimSpace(v)
	if isNullToken(v) {
		return sql.NullInt64{}, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return sql.NullInt64{Int64: n, Valid: true}, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil || !d.IsInteger() {
		return sql.NullInt64{}, fmt.Errorf("parse confidence %q: %w", v, domain.ErrRowParse)
	}
	return sql.NullInt64{Int64: d.IntPart(), Valid: true}, nil
}
