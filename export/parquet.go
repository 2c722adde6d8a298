// Package export renders engine snapshots to Parquet files. It is an
// external collaborator of the core: it consumes immutable Snapshots
// and never touches the data path.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/pulse/metric"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm.
	Compression CompressionType
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{Compression: CompressionZstd}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// Row is one metric key of a snapshot in Parquet format. Value carries
// the counter sum or gauge value; the distribution columns are only
// populated for histograms.
type Row struct {
	Run           string  `parquet:"run,zstd"`
	Key           string  `parquet:"key,zstd"`
	Kind          string  `parquet:"kind,zstd"`
	TakenAtMs     int64   `parquet:"taken_at_ms"`
	WindowStartMs int64   `parquet:"window_start_ms"`
	WindowEndMs   int64   `parquet:"window_end_ms"`
	Value         int64   `parquet:"value"`
	Count         int64   `parquet:"count"`
	Sum           int64   `parquet:"sum"`
	Min           int64   `parquet:"min"`
	Max           int64   `parquet:"max"`
	P50           float64 `parquet:"p50,optional"`
	P90           float64 `parquet:"p90,optional"`
	P95           float64 `parquet:"p95,optional"`
	P99           float64 `parquet:"p99,optional"`
}

// Rows flattens a snapshot into Parquet rows, sorted by key. The run
// tag lets multiple snapshot dumps share one directory.
func Rows(run string, snap *metric.Snapshot) []Row {
	rows := make([]Row, 0, snap.Len())

	for key, sum := range snap.Counters {
		rows = append(rows, Row{
			Run:           run,
			Key:           string(key),
			Kind:          metric.KindCounter.String(),
			TakenAtMs:     snap.TakenAtMs,
			WindowStartMs: snap.WindowStartMs,
			WindowEndMs:   snap.WindowEndMs,
			Value:         sum,
		})
	}
	for key, value := range snap.Gauges {
		rows = append(rows, Row{
			Run:           run,
			Key:           string(key),
			Kind:          metric.KindGauge.String(),
			TakenAtMs:     snap.TakenAtMs,
			WindowStartMs: snap.WindowStartMs,
			WindowEndMs:   snap.WindowEndMs,
			Value:         value,
		})
	}
	for key, d := range snap.Histograms {
		rows = append(rows, Row{
			Run:           run,
			Key:           string(key),
			Kind:          metric.KindHistogram.String(),
			TakenAtMs:     snap.TakenAtMs,
			WindowStartMs: snap.WindowStartMs,
			WindowEndMs:   snap.WindowEndMs,
			Count:         d.Count,
			Sum:           d.Sum,
			Min:           d.Min,
			Max:           d.Max,
			P50:           d.P50,
			P90:           d.P90,
			P95:           d.P95,
			P99:           d.P99,
		})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	return rows
}

// WriteSnapshot writes one snapshot to a Parquet file at path,
// creating parent directories as needed.
func WriteSnapshot(path, run string, snap *metric.Snapshot, opts Options) error {
	rows := Rows(run, snap)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[Row](f,
		parquet.Compression(getCompression(opts.Compression)),
	)

	if _, err := writer.Write(rows); err != nil {
		writer.Close()
		f.Close()
		return fmt.Errorf("write rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return f.Close()
}
