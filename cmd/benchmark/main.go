package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	partition   string
)

// Metrics
var (
	totalRequests  uint64
	created201     uint64 // New allocations
	replayed200    uint64 // Idempotent replays / ALREADY_ASSIGNED
	rateLimited429 uint64
	inFlight409    uint64
	exhausted503   uint64
	failOther      uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | duplicate")
	flag.StringVar(&partition, "partition", "02", "Partition code to allocate in")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		requester := generateRequester()
		key := fmt.Sprintf("bench-%s-%s", requester, partition)
		if workload == "uniform" {
			key = fmt.Sprintf("%s-%d", key, time.Now().UnixNano())
		}

		payload := map[string]interface{}{
			"requester_id": requester,
			"resource_id":  "mentor-pool-a",
			"partition":    partition,
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/allocations", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&created201, 1)
		case 200:
			atomic.AddUint64(&replayed200, 1)
		case 409:
			atomic.AddUint64(&inFlight409, 1)
		case 429:
			atomic.AddUint64(&rateLimited429, 1)
		case 503:
			atomic.AddUint64(&exhausted503, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func generateRequester() string {
	totalRequesters := 1000

	if workload == "duplicate" {
		// Duplicate storm: 90% of traffic retries the same two requesters,
		// exercising idempotency replay and the unique-constraint race.
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return "req-000001"
			}
			return "req-000002"
		}
	}

	return fmt.Sprintf("req-%06d", rand.Intn(totalRequesters)+1)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	c201 := atomic.LoadUint64(&created201)
	r200 := atomic.LoadUint64(&replayed200)
	f409 := atomic.LoadUint64(&inFlight409)
	f429 := atomic.LoadUint64(&rateLimited429)
	f503 := atomic.LoadUint64(&exhausted503)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()

	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_tps": tps,
		"created":        c201,
		"replayed":       r200,
		"in_flight":      f409,
		"rate_limited":   f429,
		"exhausted":      f503,
		"errors":         fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
