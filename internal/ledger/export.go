package ledger

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportJSONL writes one JSON entry per line.
	ExportJSONL ExportFormat = "jsonl"
	// ExportCSV writes comma-separated values with a header row.
	ExportCSV ExportFormat = "csv"
)

// ExportOptions selects the entries to export.
type ExportOptions struct {
	Format ExportFormat
	From   uint64 // first sequence, inclusive
	To     uint64 // last sequence, inclusive; 0 means head
	Filter Filter
}

// ExportResult summarizes an export.
type ExportResult struct {
	Count     int    `json:"count"`
	FirstSeq  uint64 `json:"first_seq"`
	LastSeq   uint64 `json:"last_seq"`
	FirstHash string `json:"first_prev_hash"`
	LastHash  string `json:"last_hash"`
}

var errStopScan = errors.New("stop scan")

// Export streams matching entries to w in ascending sequence order.
func (l *Ledger) Export(ctx context.Context, w io.Writer, opts ExportOptions) (ExportResult, error) {
	var write func(*Entry) error
	var flush func() error

	switch opts.Format {
	case ExportJSONL, "":
		enc := json.NewEncoder(w)
		write = func(e *Entry) error { return enc.Encode(e) }
		flush = func() error { return nil }
	case ExportCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return ExportResult{}, fmt.Errorf("write csv header: %w", err)
		}
		write = func(e *Entry) error { return cw.Write(csvRecord(e)) }
		flush = func() error {
			cw.Flush()
			return cw.Error()
		}
	default:
		return ExportResult{}, fmt.Errorf("unsupported export format: %s", opts.Format)
	}

	from := opts.From
	if from == 0 {
		from = 1
	}

	var res ExportResult
	err := l.store.Scan(ctx, from, func(e *Entry) error {
		if opts.To != 0 && e.Sequence > opts.To {
			return errStopScan
		}
		if !opts.Filter.Matches(e) {
			return nil
		}
		if err := write(e); err != nil {
			return err
		}
		if res.Count == 0 {
			res.FirstSeq = e.Sequence
			res.FirstHash = e.PrevHash
		}
		res.Count++
		res.LastSeq = e.Sequence
		res.LastHash = e.Hash
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return res, fmt.Errorf("export ledger: %w", err)
	}
	if err := flush(); err != nil {
		return res, fmt.Errorf("flush export: %w", err)
	}
	return res, nil
}

var csvHeader = []string{
	"sequence", "timestamp", "actor", "event_type", "severity", "sensitivity",
	"patient_id", "details", "ip_address", "request_id", "prev_hash", "hash",
}

func csvRecord(e *Entry) []string {
	return []string{
		strconv.FormatUint(e.Sequence, 10),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Actor,
		string(e.EventType),
		e.Severity.String(),
		e.Sensitivity.String(),
		e.PatientID,
		formatDetails(e.Details),
		e.IPAddress,
		e.RequestID,
		e.PrevHash,
		e.Hash,
	}
}

// formatDetails renders details as sorted key=value pairs.
func formatDetails(details map[string]string) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + details[k]
	}
	return strings.Join(parts, ";")
}
