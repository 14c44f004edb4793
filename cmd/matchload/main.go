// Command matchload drives concurrent submits against matchlockd and checks
// that every requester ends each round with exactly one request created.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"matchlock/pkg/matchclient"
)

type stats struct {
	rounds     int64
	created    int64
	locked     int64
	duplicate  int64
	unavail    int64
	other      int64
	violations int64
	released   int64

	latMu sync.Mutex
	lat   []time.Duration
}

func (s *stats) observe(d time.Duration) {
	s.latMu.Lock()
	// keep memory bounded
	if len(s.lat) < 100000 {
		s.lat = append(s.lat, d)
	}
	s.latMu.Unlock()
}

func (s *stats) percentile(p float64) time.Duration {
	s.latMu.Lock()
	defer s.latMu.Unlock()
	if len(s.lat) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), s.lat...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[int(p*float64(len(sorted)-1))]
}

func main() {
	var (
		baseURL    = pflag.String("url", "http://localhost:8080", "matchlockd base URL")
		requesters = pflag.Int("requesters", 10, "number of requesters contending in parallel")
		providers  = pflag.Int("providers", 8, "number of providers each requester targets")
		clients    = pflag.Int("clients", 20, "concurrent submitters per requester per round")
		duration   = pflag.Duration("duration", 20*time.Second, "test duration")
		acceptRate = pflag.Float64("accept-rate", 0.5, "probability a provider accepts instead of rejecting")
		prefix     = pflag.String("prefix", fmt.Sprintf("load-%d", time.Now().Unix()), "id prefix so runs do not collide")
	)
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	c := matchclient.New(*baseURL, &http.Client{Timeout: 10 * time.Second})
	st := &stats{}
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < *requesters; i++ {
		requester := fmt.Sprintf("%s-r%d", *prefix, i)
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if err := round(ctx, c, st, rng, requester, *providers, *clients, *acceptRate, *prefix); err != nil && ctx.Err() == nil {
					fmt.Fprintf(os.Stderr, "round %s: %v\n", requester, err)
					time.Sleep(50 * time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("=== matchlock contention test ===")
	fmt.Printf("duration: %s, requesters: %d, providers: %d, clients/round: %d\n",
		elapsed.Round(time.Millisecond), *requesters, *providers, *clients)
	fmt.Printf("rounds:          %s\n", humanize.Comma(atomic.LoadInt64(&st.rounds)))
	fmt.Printf("created:         %s\n", humanize.Comma(atomic.LoadInt64(&st.created)))
	fmt.Printf("already_locked:  %s\n", humanize.Comma(atomic.LoadInt64(&st.locked)))
	fmt.Printf("duplicate:       %s\n", humanize.Comma(atomic.LoadInt64(&st.duplicate)))
	fmt.Printf("released:        %s\n", humanize.Comma(atomic.LoadInt64(&st.released)))
	fmt.Printf("unavailable:     %s\n", humanize.Comma(atomic.LoadInt64(&st.unavail)))
	fmt.Printf("other_errors:    %s\n", humanize.Comma(atomic.LoadInt64(&st.other)))
	fmt.Printf("submit p50/p99:  %s / %s\n", st.percentile(0.50), st.percentile(0.99))
	fmt.Printf("VIOLATIONS:      %d\n", atomic.LoadInt64(&st.violations))

	if atomic.LoadInt64(&st.violations) > 0 {
		os.Exit(1)
	}
}

// round has clients race to submit for one requester, checks that exactly one
// request was created and the rest were refused, then has the winning
// provider decide so the next round starts unlocked.
func round(ctx context.Context, c *matchclient.Client, st *stats, rng *rand.Rand, requester string, providers, clients int, acceptRate float64, prefix string) error {
	targets := make([]string, clients)
	for i := range targets {
		targets[i] = fmt.Sprintf("%s-p%d", prefix, rng.Intn(providers))
	}

	var (
		mu      sync.Mutex
		winners []matchclient.Request
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, provider := range targets {
		provider := provider
		g.Go(func() error {
			t0 := time.Now()
			req, err := c.SubmitWithRetry(gctx, matchclient.Submission{RequesterID: requester, ProviderID: provider}, matchclient.RetryOptions{MaxRetries: 5})
			st.observe(time.Since(t0))
			if err == nil {
				atomic.AddInt64(&st.created, 1)
				mu.Lock()
				winners = append(winners, req)
				mu.Unlock()
				return nil
			}
			if rej, ok := matchclient.IsRejected(err); ok {
				switch rej.Reason {
				case matchclient.ReasonAlreadyLocked:
					atomic.AddInt64(&st.locked, 1)
				case matchclient.ReasonDuplicate:
					atomic.AddInt64(&st.duplicate, 1)
				default:
					atomic.AddInt64(&st.other, 1)
				}
				return nil
			}
			if matchclient.IsUnavailable(err) {
				atomic.AddInt64(&st.unavail, 1)
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			atomic.AddInt64(&st.other, 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	atomic.AddInt64(&st.rounds, 1)

	if len(winners) > 1 {
		atomic.AddInt64(&st.violations, 1)
		fmt.Fprintf(os.Stderr, "VIOLATION %s: %d requests created in one round\n", requester, len(winners))
	}

	view, err := c.LockView(ctx, requester)
	if err != nil {
		return err
	}
	if len(winners) == 0 {
		// Everyone was refused: a request from an earlier run may still hold the lock.
		if view.Locked {
			return release(ctx, c, st, view.RequestID, view.ActiveProviderID, matchclient.Reject)
		}
		return nil
	}
	w := winners[0]
	if !view.Locked || view.RequestID != w.ID {
		atomic.AddInt64(&st.violations, 1)
		fmt.Fprintf(os.Stderr, "VIOLATION %s: lock view %+v does not match created request %s\n", requester, view, w.ID)
	}
	decision := matchclient.Reject
	if rng.Float64() < acceptRate {
		decision = matchclient.Accept
	}
	return release(ctx, c, st, w.ID, w.ProviderID, decision)
}

func release(ctx context.Context, c *matchclient.Client, st *stats, requestID, providerID, decision string) error {
	_, err := c.Respond(ctx, requestID, providerID, decision)
	if rej, ok := matchclient.IsRejected(err); ok && rej.Reason == matchclient.ReasonAlreadyDecided {
		return nil
	}
	if err != nil {
		return err
	}
	atomic.AddInt64(&st.released, 1)
	return nil
}
