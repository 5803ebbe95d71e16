package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ctcubes/internal/models"
	"ctcubes/pkg/config"
	"ctcubes/pkg/index"
	"ctcubes/pkg/logging"
	"ctcubes/pkg/normalize"
	"ctcubes/pkg/pipeline"
	"ctcubes/pkg/store"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "ctcubes.yaml", "Path to YAML configuration file")
	writeConfig := flag.Bool("write-config", false, "Write the current configuration to the -config path and exit")
	scanRoot := flag.String("input", "", "Directory containing CT scans (MetaImage files or DICOM series)")
	annotationsFile := flag.String("annotations", "", "CSV file with nodule annotations in world coordinates")
	storeDriver := flag.String("store", "", "Artifact store driver: fs, s3 or memory")
	storeRoot := flag.String("output", "", "Output directory for the fs store")
	numWorkers := flag.Int("workers", 0, "Number of scans to process in parallel")
	spacingMM := flag.Float64("spacing", 0, "Target isotropic voxel spacing in mm")
	patchSize := flag.Int("patch", 0, "Edge length of extracted cubes in voxels")
	savePreviews := flag.Bool("previews", false, "Save a PNG center slice next to each patch")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags given on the command line win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input":
			cfg.Input.ScanRoot = *scanRoot
		case "annotations":
			cfg.Input.AnnotationsFile = *annotationsFile
		case "store":
			cfg.Output.StoreDriver = *storeDriver
		case "output":
			cfg.Output.StoreRoot = *storeRoot
		case "workers":
			cfg.Processing.NumWorkers = *numWorkers
		case "spacing":
			cfg.Processing.TargetSpacingMM = *spacingMM
		case "patch":
			cfg.Processing.PatchSize = *patchSize
		case "previews":
			cfg.Output.SavePreviews = *savePreviews
		case "verbose":
			cfg.Output.Verbose = *verbose
		}
	})

	if *writeConfig {
		if err := config.SaveConfig(cfg, *configPath); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if cfg.Input.ScanRoot == "" || cfg.Input.AnnotationsFile == "" {
		fmt.Fprintln(os.Stderr, "A scan directory (-input) and an annotation file (-annotations) are required.")
		flag.Usage()
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	cfg.Logging.SetLogger(cfg.Output.Verbose)
	defer logging.Shutdown()

	fmt.Println("================================")
	fmt.Println("CTCUBES - NODULE PATCH EXTRACTION FROM VOLUMETRIC CT SCANS")
	fmt.Println("================================")

	// A second interrupt kills the process the default way.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	artifacts, err := store.Open(ctx, store.Driver(cfg.Output.StoreDriver), cfg.Output.StoreRoot)
	if err != nil {
		log.Fatalf("Failed to open artifact store: %v", err)
	}

	var catalog *index.Catalog
	if cfg.Output.CatalogPath != "" {
		catalog, err = index.NewCatalog(cfg.Output.CatalogPath)
		if err != nil {
			log.Fatalf("Failed to open patch catalog: %v", err)
		}
		defer catalog.Close()
	}

	// Initialize pipeline parameters
	params := &pipeline.Params{
		ScanRoot:        cfg.Input.ScanRoot,
		AnnotationsFile: cfg.Input.AnnotationsFile,
		TargetSpacing:   models.Isotropic(cfg.Processing.TargetSpacingMM),
		Window: normalize.Window{
			Low:  cfg.Processing.WindowLowHU,
			High: cfg.Processing.WindowHighHU,
		},
		PatchSize:    cfg.Processing.PatchSize,
		BackgroundHU: cfg.Processing.BackgroundHU,
		NumWorkers:   cfg.Processing.NumWorkers,
		Store:        artifacts,
		Catalog:      catalog,
		SavePreviews: cfg.Output.SavePreviews,
	}

	p, err := pipeline.New(params)
	if err != nil {
		log.Fatalf("Failed to initialize pipeline: %v", err)
	}

	// Run the extraction pipeline
	fmt.Printf("Starting patch extraction run %s with %d workers...\n", p.RunID(), params.NumWorkers)
	startTime := time.Now()
	summary, err := p.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Fatalf("Run %s canceled", p.RunID())
		}
		log.Fatalf("Patch extraction failed: %v", err)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nPatch extraction completed in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Run summary (%s):\n", summary.RunID)
	fmt.Printf("=======================================\n")
	fmt.Printf("Scans processed: %d of %d\n", summary.ScansProcessed, summary.ScansTotal)
	fmt.Printf("Patches written: %d\n", summary.PatchesWritten)
	fmt.Printf("Annotations skipped: %d\n", summary.AnnotationsSkipped)
	fmt.Printf("Artifacts stored under: runs/%s/ (%s driver)\n", summary.RunID, artifacts.Driver())
	if cfg.Output.CatalogPath != "" {
		fmt.Printf("Patch catalog: %s\n", cfg.Output.CatalogPath)
	}

	if len(summary.Failures) > 0 {
		fmt.Printf("\nProblems during this run:\n")
		for _, failure := range summary.Failures {
			fmt.Printf("- %v\n", failure)
		}
	}
	if summary.ScansFailed > 0 {
		os.Exit(1)
	}
}
