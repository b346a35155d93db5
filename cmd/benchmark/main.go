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

	"github.com/punchamoorthee/payrecon/internal/models"
)

// Config holds the benchmark settings
var (
	targetURL   string
	apiKey      string
	concurrency int
	duration    time.Duration
	workload    string
	duplicates  int
)

// Metrics
var (
	totalRequests uint64
	created201    uint64
	accepted202   uint64
	rejected503   uint64 // Intake backpressure
	unauth401     uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&apiKey, "api-key", os.Getenv("API_KEY"), "Bearer secret")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "issue", "Workload type: issue | pay | late")
	flag.IntVar(&duplicates, "duplicates", 1, "Deliveries of each payment notification")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, i)
	}

	wg.Wait()
	printResults(time.Since(start))
}

// worker issues codes and, for the pay and late workloads, pays them. Late
// payments wait a random part of the code lifetime so some land after the
// sweeper expired the code and race it.
func worker(wg *sync.WaitGroup, start time.Time, id int) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	n := 0

	for time.Since(start) < duration {
		n++
		amount := int64(1000 * (rand.Intn(100) + 1))
		resp, ok := create(client, fmt.Sprintf("bench-%d-%d-%d", id, n, time.Now().UnixNano()), amount)
		if !ok || workload == "issue" {
			continue
		}

		if workload == "late" {
			if lifetime := time.Until(time.Unix(resp.ExpiresAt, 0)); lifetime > 0 {
				time.Sleep(time.Duration(rand.Int63n(int64(2 * lifetime))))
			}
		}

		text := fmt.Sprintf("<p>Tài khoản vừa tăng %d VND vào %s</p><p>Mô tả: benchmark %s</p>",
			amount, time.Now().Format("02/01/2006 15:04"), resp.Code)
		for d := 0; d < duplicates; d++ {
			notify(client, text)
		}
	}
}

func create(client *http.Client, transactionID string, amount int64) (models.CreateTransactionResponse, bool) {
	var out models.CreateTransactionResponse
	body, _ := json.Marshal(models.CreateTransactionRequest{TransactionID: transactionID, Amount: amount})

	resp, err := send(client, "/create_transaction", "application/json", body)
	if err != nil {
		return out, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return out, false
	}
	return out, json.NewDecoder(resp.Body).Decode(&out) == nil
}

func notify(client *http.Client, text string) {
	resp, err := send(client, "/notifications", "text/plain; charset=utf-8", []byte(text))
	if err == nil {
		resp.Body.Close()
	}
}

func send(client *http.Client, path, contentType string, body []byte) (*http.Response, error) {
	req, _ := http.NewRequest("POST", targetURL+path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return nil, err
	}

	atomic.AddUint64(&totalRequests, 1)
	switch resp.StatusCode {
	case 201:
		atomic.AddUint64(&created201, 1)
	case 202:
		atomic.AddUint64(&accepted202, 1)
	case 401:
		atomic.AddUint64(&unauth401, 1)
	case 503:
		atomic.AddUint64(&rejected503, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
	return resp, nil
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	c201 := atomic.LoadUint64(&created201)
	a202 := atomic.LoadUint64(&accepted202)
	r503 := atomic.LoadUint64(&rejected503)
	u401 := atomic.LoadUint64(&unauth401)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var rejectRate float64
	if total > 0 {
		rejectRate = float64(r503) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":             workload,
		"duration_sec":         d.Seconds(),
		"total_requests":       total,
		"throughput_tps":       tps,
		"codes_created":        c201,
		"notifications_queued": a202,
		"queue_full":           r503,
		"queue_full_rate_pct":  rejectRate,
		"unauthorized":         u401,
		"errors":               fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
