// filmarc-similar finds scenes that look like a given image.
//
// Usage:
//
//	filmarc-similar -image FILE [-threshold N] [-limit N] [-config FILE]
//	filmarc-similar -fingerprint HEX [-threshold N] [-limit N] [-config FILE]
//
// The probe is either an image file, fingerprinted on the fly, or a
// 16-hex-digit fingerprint taken from the ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/silverhalide/filmarc/pkg/fingerprint"
	"github.com/silverhalide/filmarc/pkg/infrastructure/config"
	"github.com/silverhalide/filmarc/pkg/infrastructure/logging"
	"github.com/silverhalide/filmarc/pkg/ledger"
	"github.com/silverhalide/filmarc/pkg/similarity"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile = flag.String("config", "", "Configuration file path")
		imageFile  = flag.String("image", "", "Probe image file")
		fpHex      = flag.String("fingerprint", "", "Probe fingerprint (16 hex digits)")
		threshold  = flag.Int("threshold", -1, "Maximum Hamming distance (default from config)")
		limit      = flag.Int("limit", 20, "Maximum number of matches")
	)
	flag.Parse()

	if (*imageFile == "") == (*fpHex == "") {
		fmt.Fprintf(os.Stderr, "Exactly one of -image or -fingerprint is required\n")
		flag.Usage()
		return 2
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 2
	}
	if *threshold < 0 {
		*threshold = cfg.Similarity.Threshold
	}

	probe, err := resolveProbe(*imageFile, *fpHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	led, err := ledger.Open(cfg.Ledger.Path, logging.GetGlobalLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot open ledger: %v\n", err)
		return 2
	}
	defer led.Close()

	live, err := led.LiveCurrentVersions(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot load fingerprints: %v\n", err)
		return 2
	}

	index, err := similarity.FromLedger(live)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot build index: %v\n", err)
		return 2
	}

	matches, err := index.Query(probe, *threshold, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Query failed: %v\n", err)
		return 2
	}

	if len(matches) == 0 {
		fmt.Printf("No matches within distance %d (%d fingerprints scanned)\n",
			*threshold, index.Len())
		return 0
	}

	fmt.Printf("%-4s %-40s %-12s %s\n", "DIST", "SCENE", "DATE", "KEY")
	for _, m := range matches {
		date := m.CaptureDate
		if date == "" {
			date = "-"
		}
		fmt.Printf("%-4d %-40s %-12s %s\n", m.Distance, m.SceneID, date, m.StorageKey)
	}
	return 0
}

func resolveProbe(imageFile, fpHex string) (uint64, error) {
	if fpHex != "" {
		probe, err := fingerprint.ParsePerceptual(fpHex)
		if err != nil {
			return 0, err
		}
		return probe, nil
	}

	fp, err := fingerprint.ComputeFile(imageFile)
	if err != nil {
		return 0, err
	}
	return fp.Perceptual, nil
}
