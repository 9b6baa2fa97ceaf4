package main

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/specd/pkg/record"
)

// runList prints the recordings table and exits. One-shot CLI mode.
func runList(dataDir string) error {
	m, err := record.NewManager(dataDir, 0)
	if err != nil {
		return err
	}
	list, err := m.List()
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Kind", "Filename", "Size", "Created"})
	for _, d := range list {
		table.Append([]string{
			d.Kind,
			d.Filename,
			formatBytes(d.Bytes),
			d.Created.Format(time.RFC3339),
		})
	}
	table.Render()
	fmt.Printf("%d recording(s) in %s\n", len(list), dataDir)
	return nil
}

// runExport converts a raw IQ recording to parquet and exits.
func runExport(dataDir, filename string) error {
	fmt.Printf(">>> Exporting %s ...\n", filename)
	start := time.Now()
	out, err := record.ExportParquet(dataDir, filename)
	if err != nil {
		return err
	}
	fmt.Printf("DONE: %s (%v)\n", out, time.Since(start).Round(time.Millisecond))
	return nil
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
