// Command estimate imports feature tables and runs the neighbor price
// estimator over a whole segment from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"pricemap/server/config"
	"pricemap/server/internal/database"
	"pricemap/server/internal/estimator"
	"pricemap/server/internal/geometry"
	"pricemap/server/internal/ingest"
	"pricemap/server/internal/processor"
)

type options struct {
	segment       string
	mode          string
	importPath    string
	outPath       string
	geojsonPath   string
	dropUnlocated bool
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	var opts options
	flag.StringVar(&opts.segment, "segment", "buy", "market segment: buy or rent")
	flag.StringVar(&opts.mode, "mode", "whole", "estimation mode: whole or partitioned")
	flag.StringVar(&opts.importPath, "import", "", "CSV feature table to import before estimating")
	flag.StringVar(&opts.outPath, "out", "", "write the imported table joined with the estimates to this CSV file (requires -import)")
	flag.StringVar(&opts.geojsonPath, "geojson", "", "write the estimates of the run as GeoJSON points to this file")
	flag.BoolVar(&opts.dropUnlocated, "drop-unlocated", false, "skip rows outside every district (requires DISTRICTS_PATH)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.WithError(err).Fatal("Estimation failed")
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *logrus.Logger) error {
	segment := config.GetSegmentByName(opts.segment)
	if segment == nil {
		return fmt.Errorf("%w: %q", processor.ErrUnknownSegment, opts.segment)
	}
	if opts.outPath != "" && opts.importPath == "" {
		return fmt.Errorf("-out requires -import")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.RunMigrations(); err != nil {
		return err
	}

	var districts *geometry.DistrictIndex
	if cfg.Districts.Path != "" {
		if districts, err = geometry.LoadDistricts(cfg.Districts.Path, logger); err != nil {
			return err
		}
	}

	if opts.importPath != "" {
		if err := importTable(db, *segment, opts, cfg.Ingest.IDColumn, districts, logger); err != nil {
			return err
		}
	}

	estimatorOpts, err := estimator.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	est, err := estimator.New(estimatorOpts, logger)
	if err != nil {
		return err
	}

	batchProcessor := processor.NewBatchProcessor(db, db.ORM(), est, cfg, logger)
	defer batchProcessor.Stop()

	result, err := batchProcessor.Run(ctx, processor.RunRequest{Segment: segment.Name, Mode: opts.mode})
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"run_id":    result.Run.ID,
		"estimated": result.Run.Estimated,
		"failed":    result.Run.Failed,
	}).Info("Run finished")

	if opts.outPath != "" {
		perArea, price := config.EstimateColumns(result.Run.Mode == string(estimator.ModePartitioned))
		if err := writeJoined(opts.importPath, opts.outPath, result.Report, ingest.JoinOptions{
			IDColumn:           cfg.Ingest.IDColumn,
			PricePerAreaColumn: perArea,
			PriceColumn:        price,
		}); err != nil {
			return err
		}
		logger.Infof("Wrote joined table to %s", opts.outPath)
	}

	if opts.geojsonPath != "" {
		estimates, err := db.GetEstimates(result.Run.ID)
		if err != nil {
			return err
		}
		fc := geometry.EstimatesFeatureCollection(estimates)
		description := fmt.Sprintf("Neighbor price estimates of run %s (%s, %s)", result.Run.ID, result.Run.Segment, result.Run.Mode)
		if err := geometry.SaveFeatureCollection(fc, opts.geojsonPath, description); err != nil {
			return err
		}
		logger.Infof("Saved %d estimates to %s", len(fc.Features), opts.geojsonPath)
	}
	return nil
}

func importTable(db *database.Database, segment config.Segment, opts options, idColumn string, districts *geometry.DistrictIndex, logger *logrus.Logger) error {
	file, err := os.Open(opts.importPath)
	if err != nil {
		return fmt.Errorf("failed to open table: %w", err)
	}
	defer file.Close()

	ingestOpts := ingest.Options{IDColumn: idColumn, DropUnlocated: opts.dropUnlocated}
	if districts != nil {
		ingestOpts.Locator = districts
	}
	batch, err := ingest.ReadApartments(file, segment, ingestOpts)
	if err != nil {
		return err
	}
	if err := db.UpsertApartments(batch.Apartments); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"segment":  segment.Name,
		"imported": len(batch.Apartments),
		"skipped":  batch.Skipped,
	}).Info("Imported feature table")
	return nil
}

func writeJoined(inPath, outPath string, report *estimator.Report, opts ingest.JoinOptions) error {
	in, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	if err := ingest.WriteJoined(in, out, report.ByID(), opts); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
