package record

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/segmentio/parquet-go"
)

// IQRow is a single complex sample in the parquet export schema.
type IQRow struct {
	I float32 `parquet:"i"`
	Q float32 `parquet:"q"`
}

// ExportParquet converts a raw IQ recording into a typed parquet file next to
// it, carrying the capture parameters as key/value metadata. Returns the
// output filename.
func ExportParquet(dir, filename string) (string, error) {
	metaRaw, err := os.ReadFile(filepath.Join(dir, filename+metaSuffix))
	if err != nil {
		return "", fmt.Errorf("read recording sidecar: %w", err)
	}
	var meta IQMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return "", fmt.Errorf("parse recording sidecar: %w", err)
	}

	in, err := os.Open(filepath.Join(dir, filename))
	if err != nil {
		return "", err
	}
	defer in.Close()

	outName := strings.TrimSuffix(filename, ".raw") + ".parquet"
	out, err := os.Create(filepath.Join(dir, outName))
	if err != nil {
		return "", err
	}

	writer := parquet.NewGenericWriter[IQRow](out,
		parquet.KeyValueMetadata("sample_rate", strconv.FormatFloat(meta.SampleRate, 'f', -1, 64)),
		parquet.KeyValueMetadata("center_freq", strconv.FormatFloat(meta.CenterFreq, 'f', -1, 64)),
		parquet.KeyValueMetadata("gain", strconv.FormatFloat(meta.Gain, 'f', -1, 64)),
		parquet.KeyValueMetadata("format", meta.Format),
	)

	const chunkSamples = 16384
	buf := make([]byte, chunkSamples*iqBytesPerSample)
	rows := make([]IQRow, 0, chunkSamples)

	for {
		n, err := in.Read(buf)
		if n > 0 {
			full := n / iqBytesPerSample * iqBytesPerSample
			rows = rows[:0]
			for off := 0; off < full; off += iqBytesPerSample {
				rows = append(rows, IQRow{
					I: math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])),
					Q: math.Float32frombits(binary.LittleEndian.Uint32(buf[off+4:])),
				})
			}
			if _, werr := writer.Write(rows); werr != nil {
				writer.Close()
				out.Close()
				return "", fmt.Errorf("parquet write: %w", werr)
			}
		}
		if err != nil {
			break
		}
	}

	if err := writer.Close(); err != nil {
		out.Close()
		return "", err
	}
	return outName, out.Close()
}
