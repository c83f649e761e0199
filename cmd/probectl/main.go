package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgerelay/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

type options struct {
	gateway     string
	count       int
	concurrency int
	prefix      string
	timeout     time.Duration
}

// result is the outcome of one probe call.
type result struct {
	ID      string
	Status  int
	Elapsed time.Duration
	Err     error
}

type summary struct {
	total      int
	ok         int
	mismatched int
	failed     int
	byStatus   map[int]int
	slowest    time.Duration
	failures   []string
}

func main() {
	opts := parseFlags()
	logging.ConfigureRuntime("probectl")

	s := probe(context.Background(), &http.Client{Timeout: opts.timeout}, opts)
	printSummary(os.Stdout, s)
	if s.ok != s.total {
		os.Exit(1)
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.gateway, "gateway", "http://127.0.0.1:8080", "gateway base URL")
	flag.IntVar(&opts.count, "n", 50, "number of requests, one id each")
	flag.IntVar(&opts.concurrency, "c", 10, "requests in flight at once")
	flag.StringVar(&opts.prefix, "prefix", "probe", "id prefix")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-request timeout")
	flag.Parse()
	return opts
}

// probe fires count GET /api calls with distinct ids and checks that each
// response carries the id that was sent.
func probe(ctx context.Context, client *http.Client, opts options) summary {
	if opts.concurrency <= 0 {
		opts.concurrency = 1
	}
	ids := make(chan string)
	results := make(chan result, opts.count)
	var wg sync.WaitGroup
	for i := 0; i < opts.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ids {
				results <- call(ctx, client, opts.gateway, id)
			}
		}()
	}
	for i := 0; i < opts.count; i++ {
		ids <- fmt.Sprintf("%s-%d-%d", opts.prefix, time.Now().UnixNano(), i)
	}
	close(ids)
	wg.Wait()
	close(results)

	s := summary{byStatus: make(map[int]int)}
	for r := range results {
		s.total++
		s.byStatus[r.Status]++
		if r.Elapsed > s.slowest {
			s.slowest = r.Elapsed
		}
		switch {
		case r.Err == nil:
			s.ok++
		case r.Status == http.StatusOK:
			s.mismatched++
			s.failures = append(s.failures, fmt.Sprintf("%s: %v", r.ID, r.Err))
		default:
			s.failed++
			s.failures = append(s.failures, fmt.Sprintf("%s: %v", r.ID, r.Err))
		}
	}
	sort.Strings(s.failures)
	return s
}

func call(ctx context.Context, client *http.Client, base, id string) result {
	start := time.Now()
	target := strings.TrimRight(base, "/") + "/api?id=" + url.QueryEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return result{ID: id, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("id", id).Msg("probectl request failed")
		return result{ID: id, Err: err, Elapsed: time.Since(start)}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	out := result{ID: id, Status: resp.StatusCode, Elapsed: time.Since(start)}
	if err != nil {
		out.Err = err
		return out
	}
	if resp.StatusCode != http.StatusOK {
		out.Err = fmt.Errorf("status %d: %s", resp.StatusCode, gjson.GetBytes(body, "error").String())
		return out
	}
	if got := gjson.GetBytes(body, "id").String(); got != id {
		out.Err = fmt.Errorf("response carried id %q", got)
	}
	return out
}

func printSummary(w io.Writer, s summary) {
	fmt.Fprintln(w, "Probe Summary")
	fmt.Fprintf(w, "Requests: %d ok=%d mismatched=%d failed=%d\n", s.total, s.ok, s.mismatched, s.failed)
	statuses := make([]int, 0, len(s.byStatus))
	for status := range s.byStatus {
		statuses = append(statuses, status)
	}
	sort.Ints(statuses)
	for _, status := range statuses {
		fmt.Fprintf(w, "  status %d: %d\n", status, s.byStatus[status])
	}
	fmt.Fprintf(w, "Slowest: %s\n", s.slowest.Round(time.Millisecond))
	for _, f := range s.failures {
		fmt.Fprintf(w, "  FAIL %s\n", f)
	}
}
