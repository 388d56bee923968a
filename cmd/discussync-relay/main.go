package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentworkforce/discussync/internal/config"
	"github.com/agentworkforce/discussync/internal/relay"
)

func main() {
	cfg, err := config.Load(strings.TrimSpace(os.Getenv("DISCUSSYNC_CONFIG")))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	addr := flag.String("addr", cfg.RelayAddr, "listen address")
	redisURL := flag.String("redis-url", cfg.RedisURL, "Redis URL for fan-out across relay instances")
	secret := flag.String("secret", cfg.RelaySecret, "HMAC secret for membership tokens; empty disables the gate")
	origins := flag.String("allowed-origins", strings.TrimSpace(os.Getenv("DISCUSSYNC_ALLOWED_ORIGINS")), "comma separated browser origins")
	issueFor := flag.String("issue-token", "", "print a membership token for this member id and exit")
	issueUser := flag.String("issue-username", "", "username carried by the issued token")
	issueProjects := flag.String("issue-projects", "*", "comma separated projects the issued token grants")
	issueTTL := flag.Duration("issue-ttl", 24*time.Hour, "lifetime of the issued token, 0 for none")
	flag.Parse()

	if strings.TrimSpace(*issueFor) != "" {
		token, err := relay.IssueToken([]byte(*secret), strings.TrimSpace(*issueFor), *issueUser, splitList(*issueProjects), *issueTTL)
		if err != nil {
			log.Fatalf("failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := buildServer(rootCtx, *redisURL, *secret, splitList(*origins))
	if err != nil {
		log.Fatalf("failed to initialize relay: %v", err)
	}
	defer server.Close()

	httpServer := &http.Server{Addr: *addr, Handler: server, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("discussync relay listening on %s", *addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
	log.Printf("discussync relay stopping: %v", rootCtx.Err())
}

func buildServer(ctx context.Context, redisURL, secret string, origins []string) (*relay.Server, error) {
	opts := []relay.Option{relay.WithLogger(log.Default())}
	if strings.TrimSpace(secret) != "" {
		opts = append(opts, relay.WithSecret([]byte(secret)))
	} else {
		log.Printf("no relay secret configured; membership gate disabled")
	}
	if len(origins) > 0 {
		opts = append(opts, relay.WithAllowedOrigins(origins...))
	}
	if strings.TrimSpace(redisURL) != "" {
		client, err := openRedis(ctx, redisURL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, relay.WithRedis(client))
	}
	return relay.NewServer(opts...)
}

func openRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
