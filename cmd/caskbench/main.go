package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

type op func(worker, i int) error

var client = &http.Client{Timeout: 5 * time.Second}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "caskdb node address")
	ops := flag.Int("ops", 1000, "operations per test")
	workers := flag.Int("workers", 10, "concurrent clients")
	keys := flag.Int("keys", 100, "distinct keys for the overwrite test")
	flag.Parse()

	fmt.Println("=== caskdb benchmark ===")
	fmt.Printf("Target: %s\n\n", *baseURL)

	if !checkHealth(*baseURL) {
		fmt.Printf("ERROR: node %s is not available\n", *baseURL)
		os.Exit(1)
	}

	fmt.Printf("Test 1: Sequential writes (%d operations)\n", *ops)
	printResult(run(*ops, 1, func(w, i int) error {
		return putKey(*baseURL, fmt.Sprintf("seq_%d", i), fmt.Sprintf("value_%d", i))
	}))

	fmt.Printf("\nTest 2: Concurrent reads (%d operations, %d workers)\n", *ops, *workers)
	printResult(run(*ops, *workers, func(w, i int) error {
		_, found, err := getKey(*baseURL, fmt.Sprintf("seq_%d", i))
		if err == nil && !found {
			err = fmt.Errorf("seq_%d not found", i)
		}
		return err
	}))

	// a small key space makes most of the log stale and keeps compaction busy
	fmt.Printf("\nTest 3: Overwrites over %d keys (%d operations, %d workers)\n", *keys, *ops, *workers)
	printResult(run(*ops, *workers, func(w, i int) error {
		return putKey(*baseURL, fmt.Sprintf("hot_%d", i%*keys), fmt.Sprintf("value_%d_%d", w, i))
	}))

	fmt.Printf("\nTest 4: Deletes (%d operations, %d workers)\n", *ops, *workers)
	printResult(run(*ops, *workers, func(w, i int) error {
		return deleteKey(*baseURL, fmt.Sprintf("seq_%d", i))
	}))

	printStats(*baseURL)
	fmt.Println("\n=== Benchmark complete ===")
}

// run spreads totalOps indexes across concurrency workers and times each call.
func run(totalOps, concurrency int, fn op) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful := 0
	failed := 0
	latencies := make([]time.Duration, 0, totalOps)

	next := make(chan int)
	go func() {
		for i := 0; i < totalOps; i++ {
			next <- i
		}
		close(next)
	}()

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := range next {
				opStart := time.Now()
				err := fn(worker, i)
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					successful++
				} else {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(w)
	}

	wg.Wait()
	duration := time.Since(start)

	var min, max, sum time.Duration
	for i, lat := range latencies {
		if i == 0 || lat < min {
			min = lat
		}
		if lat > max {
			max = lat
		}
		sum += lat
	}

	var avg time.Duration
	if len(latencies) > 0 {
		avg = sum / time.Duration(len(latencies))
	}

	return BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		OpsPerSec:     float64(successful) / duration.Seconds(),
		AvgLatency:    avg,
		MinLatency:    min,
		MaxLatency:    max,
	}
}

func checkHealth(baseURL string) bool {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func putKey(baseURL, key, value string) error {
	data := url.Values{}
	data.Set("key", key)
	data.Set("value", value)

	req, err := http.NewRequest(http.MethodPut, baseURL+"/api/string", strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return expectOK(client.Do(req))
}

func deleteKey(baseURL, key string) error {
	req, err := http.NewRequest(http.MethodDelete, baseURL+"/api?key="+url.QueryEscape(key), nil)
	if err != nil {
		return err
	}
	return expectOK(client.Do(req))
}

func expectOK(resp *http.Response, err error) error {
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

func getKey(baseURL, key string) (string, bool, error) {
	resp, err := client.Get(baseURL + "/api/string?key=" + url.QueryEscape(key))
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		Status string `json:"status"`
		Value  string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", false, err
	}
	return result.Value, true, nil
}

func printStats(baseURL string) {
	resp, err := client.Get(baseURL + "/stats")
	if err != nil {
		fmt.Printf("\nstats unavailable: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var result struct {
		Stats struct {
			LiveKeys    int    `json:"live_keys"`
			Segments    int    `json:"segments"`
			Compactions uint64 `json:"compactions"`
			Disk        string `json:"disk"`
		} `json:"stats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Printf("\nstats unavailable: %v\n", err)
		return
	}

	fmt.Println("\nStore after the run:")
	fmt.Printf("  Live keys: %s\n", humanize.Comma(int64(result.Stats.LiveKeys)))
	fmt.Printf("  Segments: %d\n", result.Stats.Segments)
	fmt.Printf("  Compactions: %d\n", result.Stats.Compactions)
	fmt.Printf("  Disk: %s\n", result.Stats.Disk)
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
