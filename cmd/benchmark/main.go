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

// Benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	numAccounts int
	fund        string
	amount      string
)

// Metrics
var (
	totalRequests uint64
	confirmed     uint64
	pending       uint64
	approved      uint64
	insufficient  uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&numAccounts, "accounts", 100, "Accounts to create before the run")
	flag.StringVar(&fund, "fund", "1000000.00", "Opening balance per benchmark account")
	flag.StringVar(&amount, "amount", "100.00", "Transfer amount")
}

type transferResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	accounts, err := createAccounts()
	if err != nil {
		log.Fatalf("Account setup failed: %v", err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, accounts)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func createAccounts() ([]string, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	ids := make([]string, 0, numAccounts)

	for i := 0; i < numAccounts; i++ {
		body, _ := json.Marshal(map[string]string{"initial_balance": fund})
		resp, err := client.Post(targetURL+"/api/v1/accounts", "application/json", bytes.NewBuffer(body))
		if err != nil {
			return nil, err
		}
		var acc struct {
			ID string `json:"id"`
		}
		err = json.NewDecoder(resp.Body).Decode(&acc)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if acc.ID == "" {
			return nil, fmt.Errorf("account creation returned status %d", resp.StatusCode)
		}
		ids = append(ids, acc.ID)
	}
	return ids, nil
}

func worker(wg *sync.WaitGroup, start time.Time, accounts []string) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		source, destination := pickAccounts(accounts)

		payload := map[string]string{
			"source_account":      source,
			"destination_account": destination,
			"amount":              amount,
		}
		body, _ := json.Marshal(payload)

		resp, err := client.Post(targetURL+"/api/v1/transfers", "application/json", bytes.NewBuffer(body))
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			var tr transferResponse
			if err := json.NewDecoder(resp.Body).Decode(&tr); err == nil && tr.State == "pending" {
				atomic.AddUint64(&pending, 1)
				resp.Body.Close()
				approve(client, tr.ID)
				continue
			}
			atomic.AddUint64(&confirmed, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&insufficient, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func approve(client *http.Client, id string) {
	req, _ := http.NewRequest(http.MethodPatch, fmt.Sprintf("%s/api/v1/transfers/%s/approve", targetURL, id), nil)
	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return
	}
	defer resp.Body.Close()

	atomic.AddUint64(&totalRequests, 1)
	switch resp.StatusCode {
	case http.StatusOK:
		atomic.AddUint64(&approved, 1)
	case http.StatusUnprocessableEntity:
		atomic.AddUint64(&insufficient, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func pickAccounts(accounts []string) (string, string) {
	if workload == "hotspot" && len(accounts) >= 2 {
		// Hotspot: 90% of traffic hammers the first two accounts, in both
		// directions, to exercise the lock-ordering path.
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return accounts[0], accounts[1]
			}
			return accounts[1], accounts[0]
		}
	}

	a := rand.Intn(len(accounts))
	b := rand.Intn(len(accounts))
	for a == b {
		b = rand.Intn(len(accounts))
	}
	return accounts[a], accounts[b]
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)

	results := map[string]interface{}{
		"workload":           workload,
		"duration_sec":       d.Seconds(),
		"total_requests":     total,
		"throughput_tps":     float64(total) / d.Seconds(),
		"confirmed":          atomic.LoadUint64(&confirmed),
		"pending_created":    atomic.LoadUint64(&pending),
		"approved":           atomic.LoadUint64(&approved),
		"insufficient_funds": atomic.LoadUint64(&insufficient),
		"errors":             atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	file, err := os.Create(fmt.Sprintf("results_%s.json", workload))
	if err != nil {
		log.Fatal(err)
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
