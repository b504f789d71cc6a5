// Package benchmarks provides performance and load testing for duplex channels
package benchmarks

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/messaging"
)

// LoadTestConfig configures load testing parameters
type LoadTestConfig struct {
	// Number of concurrent output channels
	Clients int

	// Number of request/response round trips per client
	MessagesPerClient int

	// Size of each request payload in bytes
	PayloadSize int

	// Request rate limit (requests per second, 0 = unlimited)
	RateLimit int

	// Test duration (0 = run until all requests complete)
	Duration time.Duration

	// Ramp up period for gradual load increase
	RampUpTime time.Duration

	// How long a client waits for a response before counting a failure
	ResponseTimeout time.Duration

	// Reporting interval
	ReportInterval time.Duration

	Logger logging.Logger
}

// LoadTestResult contains the results of a load test
type LoadTestResult struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	TotalDuration      time.Duration

	// Latency statistics (in milliseconds)
	MinLatency float64
	MaxLatency float64
	AvgLatency float64
	P50Latency float64
	P90Latency float64
	P95Latency float64
	P99Latency float64

	// Throughput
	RequestsPerSecond float64

	// Error breakdown
	ErrorCounts map[string]int64
}

// LoadTester drives many output channels against one echoing input channel
type LoadTester struct {
	config  LoadTestConfig
	factory *messaging.Factory
	address string
	logger  logging.Logger

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	errorCounts        sync.Map

	latencyMu sync.Mutex
	latencies []time.Duration

	startTime time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewLoadTester creates a load tester that creates its channels with factory
// on address
func NewLoadTester(factory *messaging.Factory, address string, config LoadTestConfig) *LoadTester {
	if config.Clients <= 0 {
		config.Clients = 1
	}
	if config.ReportInterval == 0 {
		config.ReportInterval = 5 * time.Second
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = logging.Component("LoadTest")
	}

	return &LoadTester{
		config:  config,
		factory: factory,
		address: address,
		logger:  config.Logger,
		stopCh:  make(chan struct{}),
	}
}

// StartEchoService starts an input channel on address that answers every
// request with the same payload
func StartEchoService(factory *messaging.Factory, address string) (*messaging.DuplexInputChannel, error) {
	in, err := factory.CreateDuplexInputChannel(address)
	if err != nil {
		return nil, err
	}
	if _, err := in.OnMessageReceived(func(ev messaging.MessageEvent) {
		_ = in.SendResponseMessage(ev.ResponseReceiverID, ev.Message)
	}); err != nil {
		return nil, err
	}
	if err := in.StartListening(); err != nil {
		return nil, err
	}
	return in, nil
}

// Run executes the load test
func (lt *LoadTester) Run(ctx context.Context) (*LoadTestResult, error) {
	lt.startTime = time.Now()
	defer lt.stop()

	go lt.reportProgress()

	clients := make([]*loadClient, lt.config.Clients)
	for i := range clients {
		c, err := lt.createClient(ctx, i)
		if err != nil {
			for _, opened := range clients[:i] {
				opened.out.CloseConnection()
			}
			return nil, fmt.Errorf("failed to create client %d: %w", i, err)
		}
		clients[i] = c
	}
	defer func() {
		for _, c := range clients {
			c.out.CloseConnection()
		}
	}()

	rateLimiter := lt.createRateLimiter()

	for i, c := range clients {
		lt.wg.Add(1)
		go lt.runClient(ctx, c, rateLimiter)

		if lt.config.RampUpTime > 0 && i < len(clients)-1 {
			time.Sleep(lt.config.RampUpTime / time.Duration(len(clients)-1))
		}
	}

	done := make(chan struct{})
	go func() {
		lt.wg.Wait()
		close(done)
	}()

	var deadline <-chan time.Time
	if lt.config.Duration > 0 {
		timer := time.NewTimer(lt.config.Duration)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-done:
	case <-deadline:
		lt.stop()
		<-done
	case <-ctx.Done():
		lt.stop()
		<-done
	}

	return lt.calculateResults(), nil
}

type loadClient struct {
	out       *messaging.DuplexOutputChannel
	responses chan []byte
}

func (lt *LoadTester) createClient(ctx context.Context, id int) (*loadClient, error) {
	out, err := lt.factory.CreateDuplexOutputChannel(lt.address, fmt.Sprintf("load-test-client-%d", id))
	if err != nil {
		return nil, err
	}
	c := &loadClient{out: out, responses: make(chan []byte, 1)}
	if _, err := out.OnResponseMessageReceived(func(ev messaging.MessageEvent) {
		select {
		case c.responses <- ev.Message:
		default:
		}
	}); err != nil {
		return nil, err
	}
	if err := out.OpenConnection(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// runClient runs a single client's workload, one outstanding request at a time
func (lt *LoadTester) runClient(ctx context.Context, c *loadClient, rateLimiter <-chan struct{}) {
	defer lt.wg.Done()

	payload := bytes.Repeat([]byte{'x'}, max(lt.config.PayloadSize, 1))
	for sent := 0; lt.config.MessagesPerClient <= 0 || sent < lt.config.MessagesPerClient; sent++ {
		select {
		case <-lt.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if rateLimiter != nil {
			select {
			case <-rateLimiter:
			case <-lt.stopCh:
				return
			}
		}

		lt.roundTrip(c, payload)
	}
}

func (lt *LoadTester) roundTrip(c *loadClient, payload []byte) {
	atomic.AddInt64(&lt.totalRequests, 1)
	start := time.Now()

	err := c.out.SendMessage(payload)
	if err == nil {
		select {
		case response := <-c.responses:
			if len(response) != len(payload) {
				err = fmt.Errorf("response of %d bytes, expected %d", len(response), len(payload))
			}
		case <-time.After(lt.config.ResponseTimeout):
			err = fmt.Errorf("no response within %s", lt.config.ResponseTimeout)
		}
	}

	if err != nil {
		atomic.AddInt64(&lt.failedRequests, 1)
		lt.recordError(err)
		return
	}
	atomic.AddInt64(&lt.successfulRequests, 1)

	lt.latencyMu.Lock()
	lt.latencies = append(lt.latencies, time.Since(start))
	lt.latencyMu.Unlock()
}

func (lt *LoadTester) recordError(err error) {
	errStr := err.Error()
	counter, _ := lt.errorCounts.LoadOrStore(errStr, new(int64))
	atomic.AddInt64(counter.(*int64), 1)
}

func (lt *LoadTester) stop() {
	lt.stopOnce.Do(func() { close(lt.stopCh) })
}

func (lt *LoadTester) createRateLimiter() <-chan struct{} {
	if lt.config.RateLimit <= 0 {
		return nil
	}

	ch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second / time.Duration(lt.config.RateLimit))
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				select {
				case ch <- struct{}{}:
				case <-lt.stopCh:
					return
				}
			case <-lt.stopCh:
				return
			}
		}
	}()

	return ch
}

// reportProgress periodically logs test progress
func (lt *LoadTester) reportProgress() {
	ticker := time.NewTicker(lt.config.ReportInterval)
	defer ticker.Stop()

	lastRequests := int64(0)
	lastTime := time.Now()

	for {
		select {
		case <-ticker.C:
			currentRequests := atomic.LoadInt64(&lt.totalRequests)
			currentTime := time.Now()
			rps := float64(currentRequests-lastRequests) / currentTime.Sub(lastTime).Seconds()

			lt.logger.Info("load test progress",
				logging.Int64("requests", currentRequests),
				logging.Any("requests_per_second", math.Round(rps*10)/10),
				logging.Int64("successful", atomic.LoadInt64(&lt.successfulRequests)),
				logging.Int64("failed", atomic.LoadInt64(&lt.failedRequests)),
			)

			lastRequests = currentRequests
			lastTime = currentTime

		case <-lt.stopCh:
			return
		}
	}
}

// calculateResults computes the final test results
func (lt *LoadTester) calculateResults() *LoadTestResult {
	duration := time.Since(lt.startTime)
	total := atomic.LoadInt64(&lt.totalRequests)

	result := &LoadTestResult{
		TotalRequests:      total,
		SuccessfulRequests: atomic.LoadInt64(&lt.successfulRequests),
		FailedRequests:     atomic.LoadInt64(&lt.failedRequests),
		TotalDuration:      duration,
		RequestsPerSecond:  float64(total) / duration.Seconds(),
		ErrorCounts:        make(map[string]int64),
	}

	lt.errorCounts.Range(func(key, value interface{}) bool {
		result.ErrorCounts[key.(string)] = atomic.LoadInt64(value.(*int64))
		return true
	})

	lt.latencyMu.Lock()
	latencies := append([]time.Duration(nil), lt.latencies...)
	lt.latencyMu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

		result.MinLatency = milliseconds(latencies[0])
		result.MaxLatency = milliseconds(latencies[len(latencies)-1])
		result.AvgLatency = milliseconds(avgDuration(latencies))
		result.P50Latency = milliseconds(percentileDuration(latencies, 50))
		result.P90Latency = milliseconds(percentileDuration(latencies, 90))
		result.P95Latency = milliseconds(percentileDuration(latencies, 95))
		result.P99Latency = milliseconds(percentileDuration(latencies, 99))
	}

	return result
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func avgDuration(durations []time.Duration) time.Duration {
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return sum / time.Duration(len(durations))
}

func percentileDuration(sortedDurations []time.Duration, percentile float64) time.Duration {
	index := int(math.Ceil(float64(len(sortedDurations))*percentile/100.0)) - 1
	if index < 0 {
		index = 0
	}
	if index >= len(sortedDurations) {
		index = len(sortedDurations) - 1
	}
	return sortedDurations[index]
}

// PrintResults prints load test results in a readable format
func (r *LoadTestResult) PrintResults() {
	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Total Duration: %s\n", r.TotalDuration)
	fmt.Printf("Total Requests: %d\n", r.TotalRequests)
	if r.TotalRequests > 0 {
		fmt.Printf("Successful: %d (%.1f%%)\n", r.SuccessfulRequests,
			float64(r.SuccessfulRequests)/float64(r.TotalRequests)*100)
		fmt.Printf("Failed: %d (%.1f%%)\n", r.FailedRequests,
			float64(r.FailedRequests)/float64(r.TotalRequests)*100)
	}
	fmt.Printf("Requests/sec: %.2f\n", r.RequestsPerSecond)

	fmt.Println("\nLatency Statistics (ms):")
	fmt.Printf("  Min: %.2f\n", r.MinLatency)
	fmt.Printf("  Avg: %.2f\n", r.AvgLatency)
	fmt.Printf("  P50: %.2f\n", r.P50Latency)
	fmt.Printf("  P90: %.2f\n", r.P90Latency)
	fmt.Printf("  P95: %.2f\n", r.P95Latency)
	fmt.Printf("  P99: %.2f\n", r.P99Latency)
	fmt.Printf("  Max: %.2f\n", r.MaxLatency)

	if len(r.ErrorCounts) > 0 {
		fmt.Println("\nError Summary:")
		for err, count := range r.ErrorCounts {
			fmt.Printf("  %s: %d\n", err, count)
		}
	}
}
