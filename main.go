package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
)

// sizeFlag accepts storage sizes with units like 500MB or 2GB.
type sizeFlag int64

func (s *sizeFlag) String() string {
	return strconv.FormatInt(int64(*s), 10)
}

func (s *sizeFlag) Type() string { return "size" }

func (s *sizeFlag) Set(value string) error {
	value = strings.TrimSpace(strings.ToUpper(value))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(value, "GB"):
		multiplier = 1 << 30
		value = strings.TrimSuffix(value, "GB")
	case strings.HasSuffix(value, "MB"):
		multiplier = 1 << 20
		value = strings.TrimSuffix(value, "MB")
	case strings.HasSuffix(value, "KB"):
		multiplier = 1 << 10
		value = strings.TrimSuffix(value, "KB")
	case strings.HasSuffix(value, "B"):
		value = strings.TrimSuffix(value, "B")
	}

	val, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size format: %s", value)
	}
	*s = sizeFlag(val * multiplier)
	return nil
}

func main() {
	port := pflag.IntP("port", "p", 8080, "Server port")
	sampleRate := pflag.Float64("sample-rate", 2e6, "Sample rate in Hz")
	fftSize := pflag.Int("fft-size", 2048, "FFT size (power of two, 256..8192)")
	debug := pflag.BoolP("debug", "d", false, "Enable debug logging")
	dataDir := pflag.String("data-dir", "data", "Recording directory")
	listMode := pflag.Bool("list", false, "List recordings and exit")
	exportFile := pflag.String("export", "", "Export an IQ recording to parquet and exit")

	var budget sizeFlag = 1 << 30 // 1GB default
	pflag.Var(&budget, "storage-budget", "Total recording storage budget (e.g. 500MB, 2GB)")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "  Server mode:  specd [options]")
		fmt.Fprintln(os.Stderr, "  List mode:    specd --list [options]")
		fmt.Fprintln(os.Stderr, "  Export mode:  specd --export <file.raw> [options]")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	setupLogging(*debug)

	switch {
	case *listMode:
		if err := runList(*dataDir); err != nil {
			log.Error("list failed", "err", err)
			os.Exit(1)
		}
	case *exportFile != "":
		if err := runExport(*dataDir, *exportFile); err != nil {
			log.Error("export failed", "err", err)
			os.Exit(1)
		}
	default:
		if err := runServer(*port, *dataDir, int64(budget), *sampleRate, *fftSize); err != nil {
			log.Error("server failed", "err", err)
			os.Exit(1)
		}
	}
}
