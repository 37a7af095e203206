// Benchmark tool for load-testing a running Talon server.
//
// Usage:
//
//	go run cmd/benchmark/main.go -url http://localhost:8080 -store snapitup -seed
//
// This tool:
//  1. Optionally seeds a selling context, assignments and promotion rules
//  2. Fires concurrent resolution and evaluation requests with randomized
//     shopper tag contexts
//  3. Reports latency percentiles, throughput and match rates
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ResolveRequest is the Talon price list resolution request format.
type ResolveRequest struct {
	CatalogGUID string                    `json:"catalogGuid"`
	Currency    string                    `json:"currency"`
	Tags        map[string]map[string]any `json:"tags,omitempty"`
}

// ResolveResponse is the Talon price list resolution response format.
type ResolveResponse struct {
	PriceLists []struct {
		PayloadGUID string `json:"payloadGuid"`
	} `json:"priceLists"`
}

// EvaluateRequest is the Talon promotion evaluation request format.
type EvaluateRequest struct {
	Scenario string                    `json:"scenario"`
	Tags     map[string]map[string]any `json:"tags,omitempty"`
	Cart     map[string]any            `json:"cart,omitempty"`
}

// EvaluateResponse is the Talon promotion evaluation response format.
type EvaluateResponse struct {
	Matches []struct {
		Code string `json:"code"`
	} `json:"matches"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TotalRequests int64
	TotalErrors   int64
	TotalMatched  int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (m *Metrics) recordLatency(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

var memberTypes = []string{"gold", "silver", "bronze", "basic"}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Talon base URL")
	store := flag.String("store", "benchmark-store", "Store code for requests")
	catalog := flag.String("catalog", "bench-catalog", "Catalog guid for resolutions")
	currency := flag.String("currency", "USD", "Currency for resolutions")
	requests := flag.Int("requests", 10000, "Total requests to send")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	evalShare := flag.Float64("eval-share", 0.5, "Fraction of requests that evaluate promotions (rest resolve price lists)")
	seed := flag.Bool("seed", false, "Seed a selling context, assignments and rules before the run")
	verbose := flag.Bool("verbose", false, "Print each request result")
	flag.Parse()

	fmt.Println("TALON BENCHMARK")
	fmt.Printf("\nTalon URL:   %s\n", *baseURL)
	fmt.Printf("Store:       %s\n", *store)
	fmt.Printf("Requests:    %d\n", *requests)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Eval share:  %.2f\n", *evalShare)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Talon not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Talon is running:")
		fmt.Println("  go run cmd/talon/main.go")
		os.Exit(1)
	}
	fmt.Println("Talon is healthy")

	if *seed {
		if err := seedFixtures(*baseURL, *store, *catalog, *currency); err != nil {
			fmt.Printf("ERROR: Failed to seed fixtures: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Fixtures seeded")
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(*baseURL, *store, *catalog, *currency, *requests, *workers, *evalShare, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// seedFixtures authors a selling context gating on gold members, a gated
// and an ungated price list assignment, and one promotion rule per
// scenario.
func seedFixtures(baseURL, store, catalog, currency string) error {
	fixtures := []struct {
		path string
		body map[string]any
	}{
		{"/selling-contexts", map[string]any{
			"guid":     "bench-sc-gold",
			"name":     "Benchmark gold members",
			"priority": 1,
			"conditions": map[string]any{
				"SHOPPER": map[string]any{
					"guid":            "bench-cond-gold",
					"conditionString": "{memberType.equals('gold')}",
				},
			},
		}},
		{"/assignments", map[string]any{
			"guid": "bench-pla-gold", "kind": "price-list",
			"catalogGuid": catalog, "currency": currency,
			"priority": 1, "sellingContextGuid": "bench-sc-gold",
			"enabled": true, "payloadGuid": "bench-plist-gold",
		}},
		{"/assignments", map[string]any{
			"guid": "bench-pla-base", "kind": "price-list",
			"catalogGuid": catalog, "currency": currency,
			"priority": 2, "enabled": true, "payloadGuid": "bench-plist-base",
		}},
		{"/rules", map[string]any{
			"guid": "bench-rule-cart", "code": "BENCH10", "name": "Benchmark cart discount",
			"scenario":    "CART",
			"eligibility": `tags.SHOPPER.memberType == "gold" && cart.subtotal > 50.0`,
			"enabled":     true,
		}},
		{"/rules", map[string]any{
			"guid": "bench-rule-browse", "code": "BENCHBROWSE", "name": "Benchmark browse banner",
			"scenario": "CATALOG_BROWSE",
			"enabled":  true,
		}},
	}

	client := &http.Client{Timeout: 10 * time.Second}
	for _, f := range fixtures {
		body, _ := json.Marshal(f.body)
		req, err := http.NewRequest(http.MethodPost, baseURL+f.path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Store-Code", store)

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("%s: status %d", f.path, resp.StatusCode)
		}
	}
	return nil
}

func runBenchmark(baseURL, store, catalog, currency string, total, numWorkers int, evalShare float64, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan int, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))

			for n := range work {
				start := time.Now()
				var matched int
				var err error
				if rng.Float64() < evalShare {
					matched, err = evaluatePromotions(client, baseURL, store, rng)
				} else {
					matched, err = resolvePriceLists(client, baseURL, store, catalog, currency, rng)
				}
				elapsed := time.Since(start)

				metrics.recordLatency(elapsed)
				atomic.AddInt64(&metrics.TotalRequests, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: request %d -> %v\n", n, err)
					}
					continue
				}
				atomic.AddInt64(&metrics.TotalMatched, int64(matched))

				if verbose {
					fmt.Printf("request %6d | matched %d | %v\n", n, matched, elapsed.Round(time.Microsecond))
				}
			}
		}()
	}

	for n := 0; n < total; n++ {
		work <- n
	}
	close(work)

	wg.Wait()
	return metrics
}

func randomTags(rng *rand.Rand) map[string]map[string]any {
	return map[string]map[string]any{
		"SHOPPER": {
			"memberType": memberTypes[rng.Intn(len(memberTypes))],
			"isLoggedIn": rng.Intn(2) == 0,
		},
	}
}

func resolvePriceLists(client *http.Client, baseURL, store, catalog, currency string, rng *rand.Rand) (int, error) {
	req := ResolveRequest{
		CatalogGUID: catalog,
		Currency:    currency,
		Tags:        randomTags(rng),
	}
	var resp ResolveResponse
	if err := post(client, baseURL+"/resolve/price-lists", store, req, &resp); err != nil {
		return 0, err
	}
	return len(resp.PriceLists), nil
}

func evaluatePromotions(client *http.Client, baseURL, store string, rng *rand.Rand) (int, error) {
	req := EvaluateRequest{
		Scenario: "CART",
		Tags:     randomTags(rng),
		Cart: map[string]any{
			"subtotal": 10 + rng.Float64()*190,
			"currency": "USD",
		},
	}
	var resp EvaluateResponse
	if err := post(client, baseURL+"/promotions/evaluate", store, req, &resp); err != nil {
		return 0, err
	}
	return len(resp.Matches), nil
}

func post(client *http.Client, url, store string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Store-Code", store)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nRequests:   %d\n", m.TotalRequests)
	fmt.Printf("Errors:     %d\n", m.TotalErrors)
	fmt.Printf("Matches:    %d\n", m.TotalMatched)

	m.mu.Lock()
	latencies := append([]time.Duration(nil), m.latencies...)
	m.mu.Unlock()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Printf("\nLATENCY\n")
	if len(latencies) > 0 {
		fmt.Printf("   p50:  %v\n", percentile(latencies, 0.50).Round(time.Microsecond))
		fmt.Printf("   p95:  %v\n", percentile(latencies, 0.95).Round(time.Microsecond))
		fmt.Printf("   p99:  %v\n", percentile(latencies, 0.99).Round(time.Microsecond))
		fmt.Printf("   max:  %v\n", latencies[len(latencies)-1].Round(time.Microsecond))
	}

	fmt.Printf("\nTHROUGHPUT\n")
	fmt.Printf("   Total Duration:  %v\n", duration.Round(time.Millisecond))
	if m.TotalRequests > 0 && duration > 0 {
		fmt.Printf("   Requests/sec:    %.2f\n", float64(m.TotalRequests)/duration.Seconds())
	}
	fmt.Println()
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
