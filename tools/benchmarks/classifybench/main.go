package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/vision-runner/vision-runner/cmd/cli/client"
)

var (
	imagePath   string
	requests    uint
	concurrency uint
	topK        int
	socket      string
	host        string
)

var rootCmd = &cobra.Command{
	Use:   "classifybench <model>",
	Short: "Benchmark classification throughput against a running daemon",
	Long: `classifybench is a load generation tool that measures classification latency
and throughput of a running Vision Runner daemon.

It sends a configurable number of classify requests at a configurable
concurrency level against a single model, then reports latency percentiles
and sustained throughput. When no input image is provided, a synthetic
224x224 PNG is generated and reused for every request.`,
	Args:         cobra.ExactArgs(1),
	RunE:         runBenchmark,
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVar(&imagePath, "image", "", "Input image path (a synthetic image is generated when empty)")
	rootCmd.Flags().UintVar(&requests, "requests", 100, "Total number of classify requests to send")
	rootCmd.Flags().UintVar(&concurrency, "concurrency", 4, "Number of concurrent in-flight requests")
	rootCmd.Flags().IntVar(&topK, "top", 5, "Number of predictions to request per image")
	rootCmd.Flags().StringVar(&socket, "sock", "", "Daemon Unix socket path")
	rootCmd.Flags().StringVar(&host, "host", "", "Daemon TCP address (host:port), overrides --sock")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	model := args[0]
	if requests == 0 {
		return fmt.Errorf("requests must be greater than zero")
	}
	if concurrency == 0 {
		return fmt.Errorf("concurrency must be greater than zero")
	}
	if concurrency > requests {
		concurrency = requests
	}

	if socket == "" {
		socket = os.Getenv("VISION_RUNNER_SOCK")
	}
	if host == "" {
		host = os.Getenv("VISION_RUNNER_HOST")
	}
	runnerClient := client.New(socket, host)

	if imagePath == "" {
		generated, err := generateImage()
		if err != nil {
			return fmt.Errorf("failed to generate synthetic image: %w", err)
		}
		defer os.Remove(generated)
		imagePath = generated
		fmt.Printf("Using synthetic 224x224 input image\n")
	}

	fmt.Printf("Benchmarking classification for model: %s\n", model)
	fmt.Printf("Configuration: requests=%d, concurrency=%d, top=%d\n\n", requests, concurrency, topK)

	// Warm up once so backend installation and model load time do not skew
	// the measured latencies.
	fmt.Println("Warming up...")
	warmupStart := time.Now()
	if _, err := runnerClient.Classify(cmd.Context(), model, imagePath, topK); err != nil {
		return fmt.Errorf("warmup request failed: %w", err)
	}
	fmt.Printf("✓ Warmup: first inference in %v\n\n", time.Since(warmupStart).Round(time.Millisecond))

	fmt.Println("Running benchmark...")
	latencies, failures := fire(cmd.Context(), runnerClient, model)

	elapsed := sumLatency(latencies)
	printReport(latencies, failures, elapsed)
	if failures > 0 {
		return fmt.Errorf("%d of %d requests failed", failures, requests)
	}
	return nil
}

// fire sends the configured number of classify requests with a bounded number
// in flight and returns the per-request latencies plus the failure count.
func fire(ctx context.Context, runnerClient *client.Client, model string) ([]time.Duration, uint) {
	var (
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, requests)
		failures  uint
		wg        sync.WaitGroup
	)

	work := make(chan struct{}, requests)
	for i := uint(0); i < requests; i++ {
		work <- struct{}{}
	}
	close(work)

	for i := uint(0); i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				start := time.Now()
				_, err := runnerClient.Classify(ctx, model, imagePath, topK)
				elapsed := time.Since(start)

				mu.Lock()
				if err != nil {
					failures++
				} else {
					latencies = append(latencies, elapsed)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return latencies, failures
}

// generateImage writes a synthetic gradient PNG and returns its path.
func generateImage() (string, error) {
	const side = 224
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x),
				G: uint8(y),
				B: uint8((x + y) / 2),
				A: 255,
			})
		}
	}

	path := filepath.Join(os.TempDir(), fmt.Sprintf("classifybench-%d.png", os.Getpid()))
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	if err := png.Encode(file, img); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// percentile returns the p-th percentile of sorted latencies.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p / 100)
	return sorted[idx]
}

func sumLatency(latencies []time.Duration) time.Duration {
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total
}

func printReport(latencies []time.Duration, failures uint, totalLatency time.Duration) {
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("RESULTS")
	fmt.Println(strings.Repeat("=", 60))

	fmt.Printf("Requests:    %d succeeded, %d failed\n", len(latencies), failures)
	if len(latencies) == 0 {
		return
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mean := totalLatency / time.Duration(len(latencies))
	fmt.Printf("Latency:     min=%v mean=%v max=%v\n",
		sorted[0].Round(time.Millisecond),
		mean.Round(time.Millisecond),
		sorted[len(sorted)-1].Round(time.Millisecond))
	fmt.Printf("Percentiles: p50=%v p90=%v p99=%v\n",
		percentile(sorted, 50).Round(time.Millisecond),
		percentile(sorted, 90).Round(time.Millisecond),
		percentile(sorted, 99).Round(time.Millisecond))

	// Aggregate wall time across workers approximates sustained throughput
	// at the configured concurrency.
	if totalLatency > 0 {
		throughput := float64(len(latencies)) / totalLatency.Seconds() * float64(concurrency)
		fmt.Printf("Throughput:  %.1f images/s at concurrency %d\n", throughput, concurrency)
	}
}
