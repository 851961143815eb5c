// Command copysentry-check is the pre-flight diagnostic: it verifies that
// every external dependency of the platform is reachable before a deploy is
// allowed to take traffic.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/copysentry/backend/internal/config"
	"github.com/copysentry/backend/internal/kv"
)

type component struct {
	name string
	test func(ctx context.Context, cfg *config.Config) error
}

func main() {
	fmt.Println("\033[96mCopySentry Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Printf("\033[31mconfig: %v\033[0m\n", err)
		os.Exit(1)
	}

	components := []component{
		{"Storage Layer (Postgres)", checkPostgres},
		{"KV Layer (rate limits, caches)", checkKV},
		{"HTTP Edge (health endpoint)", checkHealth},
	}

	failed := 0
	for _, c := range components {
		fmt.Printf("Checking %-32s ", c.name+"...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.test(ctx, cfg)
		cancel()
		if err != nil {
			failed++
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> %v\n", err)
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failed > 0 {
		fmt.Printf("\033[31mStatus: %d component(s) unavailable.\033[0m\n", failed)
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: ready for scan traffic.\033[0m")
}

func checkPostgres(ctx context.Context, cfg *config.Config) error {
	if cfg.Store.DSN == "" {
		return fmt.Errorf("DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}

func checkKV(ctx context.Context, cfg *config.Config) error {
	if cfg.KV.URL == "" {
		return fmt.Errorf("KV_URL not set")
	}
	client, err := kv.NewRedisClient(cfg.KV.URL, cfg.KV.Token)
	if err != nil {
		return err
	}
	defer client.Close()

	probe := fmt.Sprintf("preflight:%d", time.Now().UnixNano())
	if err := client.Set(ctx, probe, "1", time.Minute); err != nil {
		return err
	}
	return client.Del(ctx, probe)
}

func checkHealth(ctx context.Context, cfg *config.Config) error {
	url := fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("server not running at %s (fine pre-deploy): %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}
