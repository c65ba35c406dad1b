package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/TestLens/go-redundancy-lens/lens"
	"github.com/TestLens/go-redundancy-lens/lens/cmd"
)

func main() {
	log.SetFlags(log.LstdFlags)

	config, options, err := cmd.ParseFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reader lens.TestRunReader
	runID := options.RunID
	if options.Ingest {
		store, err := lens.NewBadgerStorage(options.StoreDir, options.CacheMB)
		if err != nil {
			log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
		}
		defer store.Close()
		_, tests, err := (&lens.JSONRunReader{Path: options.InputFile}).ReadRun(ctx, runID)
		if err != nil {
			log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
		}
		if err := lens.WriteRun(store, runID, tests); err != nil {
			log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
		}
		log.Printf("Ingested %d tests into run %s", len(tests), runID)
		storeReader, err := lens.NewStorageRunReader(store, options.CacheMB)
		if err != nil {
			log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
		}
		defer storeReader.Close()
		reader = storeReader
	} else if options.InputFile != "" {
		reader = &lens.JSONRunReader{Path: options.InputFile}
		if runID == "" {
			runID = options.InputFile
		}
	} else {
		store, err := lens.NewBadgerStorage(options.StoreDir, options.CacheMB)
		if err != nil {
			log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
		}
		defer store.Close()
		storeReader, err := lens.NewStorageRunReader(store, options.CacheMB)
		if err != nil {
			log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
		}
		defer storeReader.Close()
		reader = storeReader
	}

	engine := lens.NewEngine(config, reader)
	if len(options.ClusterCommand) > 0 {
		engine.Clusterer = &lens.SubprocessClusterer{Command: options.ClusterCommand}
	}

	result, err := engine.Run(ctx, runID)
	if err != nil {
		log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
	}

	report := lens.NewFindingsReport(runID, result)
	if err := lens.WriteFindingsReport(options.OutputFile, config.OutputFormat, report, nil); err != nil {
		log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
	}
	if options.ChartsFile != "" {
		if err := lens.WriteFindingsChart(options.ChartsFile, report); err != nil {
			log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
		}
	}
	log.Printf("Report written to %s", options.OutputFile)
}
