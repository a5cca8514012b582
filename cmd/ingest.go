package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-engine/internal/database"
	"github.com/kozaktomas/face-engine/internal/facesync"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file|->",
	Short: "Register face detections from a JSON lines file",
	Long: `Register face detections produced by an upstream detector. Each input line
is one JSON object:

  {"asset_id": "...", "bbox": {"x":0.1,"y":0.2,"w":0.1,"h":0.15},
   "det_score": 0.98, "vector": [0.01, ...]}

Detections overlapping a face already recorded on the same asset are skipped.
Use - to read from standard input.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().Int("batch-size", 500, "Detections registered per batch")
	ingestCmd.Flags().StringSlice("asset", nil, "Only ingest detections of these asset ids")
}

type detectionLine struct {
	AssetID  string        `json:"asset_id"`
	BBox     database.BBox `json:"bbox"`
	DetScore float64       `json:"det_score"`
	Vector   []float32     `json:"vector"`
}

type ingestSummary struct {
	Read       int `json:"read"`
	Created    int `json:"created"`
	Duplicates int `json:"duplicates"`
	Filtered   int `json:"filtered"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	batchSize := mustGetInt(cmd, "batch-size")
	if batchSize <= 0 {
		return fmt.Errorf("--batch-size must be positive")
	}
	assets := mustGetStringSlice(cmd, "asset")

	var in io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening detections: %w", err)
		}
		defer f.Close()
		in = f
	}

	ctx := context.Background()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	sum := ingestSummary{}
	batch := make([]facesync.Detection, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		res, err := a.syncer.RegisterDetections(ctx, batch)
		if err != nil {
			return fmt.Errorf("registering detections: %w", err)
		}
		sum.Created += len(res.Created)
		sum.Duplicates += res.Duplicates
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(in)
	// 512-d float vectors in JSON exceed the default token size.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var d detectionLine
		if err := json.Unmarshal(scanner.Bytes(), &d); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		sum.Read++
		if len(assets) > 0 && !slices.Contains(assets, d.AssetID) {
			sum.Filtered++
			continue
		}
		batch = append(batch, facesync.Detection{
			AssetID:  d.AssetID,
			BBox:     d.BBox,
			DetScore: d.DetScore,
			Vector:   d.Vector,
		})
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading detections: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}

	if jsonOutput(cmd) {
		return outputJSON(sum)
	}
	fmt.Printf("Read %d detections: %d faces created, %d duplicates, %d filtered\n",
		sum.Read, sum.Created, sum.Duplicates, sum.Filtered)
	return nil
}
