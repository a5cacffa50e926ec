// Load testing tool for the presence gateway. It opens N identified sockets,
// waits until every socket has seen the full online set, and reports how
// many presence events were delivered.
//
// Usage: go run ./cmd/presence-loadtest -url ws://127.0.0.1:5000/socket -conns 500 -duration 60s
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

type presenceMessage struct {
	Event   string   `json:"event"`
	Data    []string `json:"data"`
	Version uint64   `json:"version"`
}

func main() {
	target := flag.String("url", "ws://127.0.0.1:5000/socket", "Gateway socket URL")
	conns := flag.Int("conns", 10, "Number of concurrent identified connections")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	origin := flag.String("origin", "http://localhost:5173", "Origin header to send")
	key := flag.String("key", "userId", "Query key carrying the identity")
	prefix := flag.String("prefix", "load", "Identity prefix; socket i binds <prefix>-<i>")
	churn := flag.Duration("churn", 0, "Reconnect each socket at this interval (0 = hold open)")
	flag.Parse()

	fmt.Printf("Presence Gateway Load Test\n")
	fmt.Printf("  URL:          %s\n", *target)
	fmt.Printf("  Connections:  %d\n", *conns)
	fmt.Printf("  Duration:     %s\n", *duration)
	fmt.Printf("  Churn:        %s\n", *churn)
	fmt.Println()

	base, err := url.Parse(*target)
	if err != nil {
		log.Fatalf("invalid url: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	// Handle interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	var (
		connected    atomic.Int64
		dials        atomic.Int64
		events       atomic.Int64
		outOfOrder   atomic.Int64
		errCount     atomic.Int64
		connectFails atomic.Int64
		converged    atomic.Int64
	)

	var convergeOnce sync.Once
	var convergeAt time.Duration

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *conns; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			u := *base
			q := u.Query()
			q.Set(*key, fmt.Sprintf("%s-%d", *prefix, id))
			u.RawQuery = q.Encode()
			opts := &websocket.DialOptions{HTTPHeader: http.Header{"Origin": {*origin}}}

			seenFull := false
			for ctx.Err() == nil {
				dials.Add(1)
				c, _, err := websocket.Dial(ctx, u.String(), opts)
				if err != nil {
					if ctx.Err() == nil {
						connectFails.Add(1)
						time.Sleep(250 * time.Millisecond)
					}
					continue
				}
				connected.Add(1)

				sessCtx := ctx
				var sessCancel context.CancelFunc = func() {}
				if *churn > 0 {
					sessCtx, sessCancel = context.WithTimeout(ctx, *churn)
				}

				var last uint64
				for {
					_, data, err := c.Read(sessCtx)
					if err != nil {
						if ctx.Err() == nil && sessCtx.Err() == nil {
							errCount.Add(1)
						}
						break
					}
					var msg presenceMessage
					if json.Unmarshal(data, &msg) != nil || msg.Event != "getOnlineUsers" {
						continue
					}
					events.Add(1)
					if msg.Version < last {
						outOfOrder.Add(1)
					}
					last = msg.Version
					if !seenFull && len(msg.Data) >= *conns {
						seenFull = true
						if converged.Add(1) == int64(*conns) {
							convergeOnce.Do(func() { convergeAt = time.Since(start) })
						}
					}
				}
				sessCancel()
				connected.Add(-1)
				c.Close(websocket.StatusNormalClosure, "")
			}
		}(i)
	}

	// Progress reporting
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(start).Round(time.Second)
				fmt.Printf("[%s] connected=%d dials=%d events=%d converged=%d errors=%d connect_fails=%d\n",
					elapsed, connected.Load(), dials.Load(), events.Load(), converged.Load(), errCount.Load(), connectFails.Load())
			}
		}
	}()

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println()
	fmt.Println("Results:")
	fmt.Printf("  Duration:        %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Dials:           %d\n", dials.Load())
	fmt.Printf("  Connect fails:   %d\n", connectFails.Load())
	fmt.Printf("  Converged:       %d / %d\n", converged.Load(), *conns)
	if convergeAt > 0 {
		fmt.Printf("  Full online set: %s after start\n", convergeAt.Round(time.Millisecond))
	}
	fmt.Printf("  Presence events: %d\n", events.Load())
	fmt.Printf("  Out of order:    %d\n", outOfOrder.Load())
	fmt.Printf("  Errors:          %d\n", errCount.Load())
	if elapsed.Seconds() > 0 {
		fmt.Printf("  Event rate:      %.1f events/s\n", float64(events.Load())/elapsed.Seconds())
	}

	if connectFails.Load() > 0 || errCount.Load() > 0 || outOfOrder.Load() > 0 {
		log.Fatal("Load test completed with errors")
	}
}
