package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/production_backend/config"
	"github.com/mmdatafocus/production_backend/models"
	"github.com/mmdatafocus/production_backend/repository"
	"github.com/mmdatafocus/production_backend/utils"
	"github.com/mmdatafocus/production_backend/workflow"
)

// lineage-export writes the lineage of one unit as an XLSX workbook, to a local
// file or to the report bucket.
func main() {
	serial := flag.String("serial", "", "Serial number of the starting unit (required).")
	direction := flag.String("direction", string(models.LineageAncestors), "ancestors or descendants.")
	depth := flag.Int("depth", 0, "Max depth; 0 uses LINEAGE_MAX_DEPTH.")
	out := flag.String("out", "", "Output file. Defaults to <serial>-<direction>.xlsx.")
	upload := flag.Bool("upload", false, "Upload to GCS_REPORT_BUCKET instead of writing a file.")
	flag.Parse()

	if strings.TrimSpace(*serial) == "" {
		fmt.Fprintln(os.Stderr, "-serial is required")
		os.Exit(2)
	}
	dir, err := models.ParseLineageDirection(*direction)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx := context.Background()
	logger := config.GetLogger()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	store := repository.NewGormStore(db)
	graph := workflow.NewLineageGraph(store, store, logger)
	tr, err := graph.Traverse(ctx, *serial, dir, *depth)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lineage of %s: %v\n", *serial, err)
		os.Exit(1)
	}
	defer tr.Close()

	var buf bytes.Buffer
	rows, err := workflow.ExportLineage(ctx, tr, &buf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
		os.Exit(1)
	}

	if *upload {
		report, err := utils.UploadReportToGCS(ctx, utils.LineageReportObject(*serial, string(dir), time.Now()), &buf, time.Hour)
		if err != nil {
			config.LogError(logger, "lineage-export", "main", "UploadReportToGCS", *serial, err)
			os.Exit(1)
		}
		fmt.Printf("%d units exported to gs://%s/%s\n%s\n", rows, report.Bucket, report.Object, report.SignedURL)
		return
	}

	path := *out
	if path == "" {
		path = *serial + "-" + string(dir) + ".xlsx"
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
		os.Exit(1)
	}
	truncated := ""
	if tr.Truncated() {
		truncated = fmt.Sprintf(" (truncated at depth %d)", tr.MaxDepth())
	}
	fmt.Printf("%d units exported to %s%s\n", rows, path, truncated)
}
