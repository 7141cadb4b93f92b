package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/amelbenhazem/task-ws-api/client"
)

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return i
}

type counters struct {
	attempts atomic.Uint64
	failures atomic.Uint64
	events   atomic.Uint64
}

func main() {
	baseURL := getenv("SERVER_URL", "http://localhost:8080")
	conns := getenvInt("SSE_CONNECTIONS", 200)
	duration := time.Duration(getenvInt("DURATION_SEC", 120)) * time.Second
	tokens, err := loadTokens(os.Getenv("TOKENS_FILE"), os.Getenv("TEST_BEARER"))
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var c counters
	hc := &http.Client{}
	var wg sync.WaitGroup
	wg.Add(conns)
	for i := range conns {
		go func() {
			defer wg.Done()
			listen(ctx, hc, baseURL, tokens[i%len(tokens)], &c)
		}()
	}

	go func() {
		select {
		case <-time.After(60 * time.Second):
			if c.events.Load() == 0 {
				fmt.Println("no events received in 60s")
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	failures, attempts, events := c.failures.Load(), c.attempts.Load(), c.events.Load()
	failureRate := 0.0
	if attempts > 0 {
		failureRate = float64(failures) / float64(attempts)
	}
	fmt.Printf("connections=%d duration_sec=%d events_received=%d connection_failures=%d\n", conns, int(duration.Seconds()), events, failures)
	if events == 0 || failureRate > 0.01 {
		os.Exit(1)
	}
}

// listen keeps one event channel open until ctx ends, counting task events.
func listen(ctx context.Context, hc *http.Client, baseURL, token string, c *counters) {
	backoff := client.ExponentialBackoff{Min: time.Second, Max: 5 * time.Second}
	attempt := 0
	for ctx.Err() == nil {
		c.attempts.Add(1)
		s, err := client.Dial(ctx, hc, baseURL, token, 0)
		if err != nil {
			c.failures.Add(1)
			sleep(ctx, backoff.Next(attempt))
			attempt++
			continue
		}
		attempt = 0
		stop := context.AfterFunc(ctx, func() { s.Close() })
		for {
			f, err := s.Next()
			if err != nil {
				break
			}
			if f.Event != "" && f.Event != "ready" {
				c.events.Add(1)
			}
		}
		stop()
		s.Close()
		if ctx.Err() != nil {
			return
		}
		c.failures.Add(1)
		sleep(ctx, backoff.Next(attempt))
		attempt++
	}
}

func loadTokens(path, single string) ([]string, error) {
	if path == "" {
		if single == "" {
			return nil, fmt.Errorf("TOKENS_FILE or TEST_BEARER must be set")
		}
		return []string{single}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tokens []string
	if err := sonic.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%s holds no tokens", path)
	}
	return tokens, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
