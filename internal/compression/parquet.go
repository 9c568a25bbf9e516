package parquetw

import (
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type CloseFunc func() error

// NewLocalParquetWriter opens a typed parquet writer over a local file. T is
// the row type carrying the parquet struct tags. The returned CloseFunc
// finishes the footer and closes the file; it does not remove it.
func NewLocalParquetWriter[T any](path string, parallel int64, compression string) (*writer.ParquetWriter, CloseFunc, error) {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, nil, err
	}

	pw, err := writer.NewParquetWriter(fw, new(T), parallel)
	if err != nil {
		_ = fw.Close()
		return nil, nil, err
	}
	pw.CompressionType = Codec(compression)

	closeFn := func() error {
		if err := pw.WriteStop(); err != nil {
			_ = fw.Close()
			return err
		}
		return fw.Close()
	}
	return pw, closeFn, nil
}

// Codec maps a configured compression name to its parquet codec. Unknown
// names fall back to SNAPPY.
func Codec(name string) parquet.CompressionCodec {
	switch strings.ToUpper(name) {
	case "ZSTD":
		return parquet.CompressionCodec_ZSTD
	case "GZIP":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_SNAPPY
	}
}
