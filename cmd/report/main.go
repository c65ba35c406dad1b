package main

import (
	"flag"
	"log"

	"github.com/TestLens/go-redundancy-lens/lens"
)

// Re-renders a saved JSON findings report into another format or chart
// without re-running the engine.
func main() {
	log.SetFlags(log.LstdFlags)

	inputFile := flag.String("input", "redundancy.json", "Saved JSON findings report")
	outputFile := flag.String("output", "", "File to write the re-rendered report")
	format := flag.String("format", lens.FormatMarkdown, "Report format: markdown, json, yaml, html")
	chartsFile := flag.String("charts", "", "Optional file to output a findings overview chart image")
	flag.Parse()

	report, err := lens.LoadFindingsReport(*inputFile)
	if err != nil {
		log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
	}

	if *outputFile != "" {
		if err := lens.WriteFindingsReport(*outputFile, *format, report, nil); err != nil {
			log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
		}
		log.Printf("Report written to %s", *outputFile)
	}
	if *chartsFile != "" {
		if err := lens.WriteFindingsChart(*chartsFile, report); err != nil {
			log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
		}
		log.Printf("Chart written to %s", *chartsFile)
	}
}
