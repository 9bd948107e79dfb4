// Command engine runs the fixed-cadence Runtime Engine: it loads a section
// graph and policy once at startup, registers a file-drop ingestion
// adapter, and ticks until interrupted, logging a one-line summary of each
// published snapshot.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/pipeline"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/policy"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/runtimeengine"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/timeutil"
	"github.com/AdiCoder33/AI-Train-Traffic-Control/internal/version"
)

func main() {
	var graphPath, eventsDir, policyPath string
	var cadence, horizon time.Duration
	var live, printVersion bool

	flag.BoolVar(&printVersion, "version", false, "print version and exit")
	flag.StringVar(&graphPath, "graph", "", "path to section graph JSON file")
	flag.StringVar(&eventsDir, "events-dir", "", "directory watched for dropped event-envelope .jsonl files")
	flag.StringVar(&policyPath, "policy", "", "path to policy JSON file (optional)")
	flag.DurationVar(&cadence, "cadence", runtimeengine.DefaultCadence, "tick interval")
	flag.DurationVar(&horizon, "horizon", 60*time.Minute, "radar detection horizon")
	flag.BoolVar(&live, "live", false, "allow ApplyAction to leave sandbox mode")
	flag.Parse()

	if printVersion {
		fmt.Printf("engine %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if graphPath == "" || eventsDir == "" {
		log.Fatal("both -graph and -events-dir are required")
	}

	g, err := pipeline.LoadGraph(graphPath)
	if err != nil {
		log.Fatalf("failed to load graph: %v", err)
	}
	pol, err := pipeline.LoadPolicy(policyPath)
	if err != nil {
		log.Fatalf("failed to load policy: %v", err)
	}
	store := policy.NewStore(pol)

	clock := timeutil.RealClock{}
	eng := runtimeengine.New(g, store, cadence, horizon, clock)
	eng.SetLiveMode(live)
	eng.RegisterAdapter("file-drop", &FileDropAdapter{dir: eventsDir}, 3, 30*time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	log.Printf("engine started: cadence=%s horizon=%s live=%v", cadence, horizon, live)

	go logSnapshots(ctx, eng, cadence)

	<-ctx.Done()
	log.Println("shutting down")
	eng.Stop()
}

func logSnapshots(ctx context.Context, eng *runtimeengine.Engine, cadence time.Duration) {
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := eng.Snapshot()
			if snap == nil {
				continue
			}
			log.Printf("tick: generated_at=%s actions=%d suppressed=%v", snap.GeneratedAt.Format(time.RFC3339), len(snap.Plan.Actions), snap.Suppressed)
		}
	}
}

// FileDropAdapter ingests one directory of newline-delimited EventEnvelope
// JSON files per tick, consuming (renaming to .done) each file it reads so
// a crash mid-read never double-ingests a file already merged.
type FileDropAdapter struct {
	dir string
}

func (a *FileDropAdapter) Tick(ctx context.Context) ([]runtimeengine.EventEnvelope, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read event-drop directory: %w", err)
	}

	var out []runtimeengine.EventEnvelope
	for _, entry := range entries {
		if entry.IsDir() || !isJSONL(entry.Name()) {
			continue
		}
		path := a.dir + "/" + entry.Name()
		data, err := os.ReadFile(path)
		if err != nil {
			return out, fmt.Errorf("failed to read dropped file %s: %w", entry.Name(), err)
		}
		for _, line := range splitLines(data) {
			if len(line) == 0 {
				continue
			}
			var env runtimeengine.EventEnvelope
			if err := json.Unmarshal(line, &env); err != nil {
				continue
			}
			out = append(out, env)
		}
		if err := os.Rename(path, path+".done"); err != nil {
			return out, fmt.Errorf("failed to mark %s consumed: %w", entry.Name(), err)
		}
	}
	return out, nil
}

func isJSONL(name string) bool {
	return len(name) > 6 && name[len(name)-6:] == ".jsonl"
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
