package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hyperion-flux/aptsim/pkg/api"
	"github.com/hyperion-flux/aptsim/pkg/engine"
	"github.com/hyperion-flux/aptsim/pkg/killchain"
	"github.com/hyperion-flux/aptsim/pkg/store"
	"github.com/hyperion-flux/aptsim/pkg/store/redis"
)

func main() {
	fmt.Println(`{"level":"info","msg":"system_started","component":"aptsimd"}`)

	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Printf(`{"level":"fatal","msg":"invalid_config","error":"%v"}`+"\n", err)
		os.Exit(1)
	}

	// Stage table: built-in kill chain unless an override file is given.
	stages := killchain.DefaultStages()
	if cfg.StagesPath != "" {
		stages, err = killchain.LoadStages(cfg.StagesPath)
		if err != nil {
			fmt.Printf(`{"level":"fatal","msg":"failed_to_load_stages","path":"%s","error":"%v"}`+"\n", cfg.StagesPath, err)
			os.Exit(1)
		}
		fmt.Printf(`{"level":"info","msg":"stages_loaded","path":"%s","count":%d}`+"\n", cfg.StagesPath, len(stages))
	}

	var st store.Store
	switch cfg.DBDriver {
	case "postgres":
		st, err = store.NewPostgresStore(cfg.DBDSN)
	default:
		st, err = store.NewSQLiteStore(cfg.DBPath)
	}
	if err != nil {
		fmt.Printf(`{"level":"fatal","msg":"failed_to_init_store","driver":"%s","error":"%v"}`+"\n", cfg.DBDriver, err)
		os.Exit(1)
	}
	fmt.Printf(`{"level":"info","msg":"store_initialized","driver":"%s"}`+"\n", cfg.DBDriver)

	// Run leases live in Redis when configured, otherwise in the store's
	// lease table. Redis lets multiple daemons share the dedup guarantee.
	var leases store.LeaseStore
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			fmt.Printf(`{"level":"fatal","msg":"failed_to_connect_redis","addr":"%s","error":"%v"}`+"\n", cfg.RedisAddr, err)
			os.Exit(1)
		}
		leases = redis.NewLeaseStore(rdb)
		fmt.Printf(`{"level":"info","msg":"lease_store_ready","backend":"redis","addr":"%s"}`+"\n", cfg.RedisAddr)
	} else {
		var ok bool
		leases, ok = st.(store.LeaseStore)
		if !ok {
			fmt.Println(`{"level":"fatal","msg":"store_does_not_support_leases"}`)
			os.Exit(1)
		}
		fmt.Println(`{"level":"info","msg":"lease_store_ready","backend":"store"}`)
	}

	orch := engine.NewOrchestrator(st, leases, stages, cfg.LeaseTTL)
	orch.SetNotifier(engine.NewNotifier(st))

	reapCtx, stopReaper := context.WithCancel(context.Background())
	reaper := engine.NewReaper(st, cfg.RunTTL, cfg.ReapInterval)
	go reaper.Run(reapCtx)

	server := api.NewServer(st, orch, cfg.Addr)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		fmt.Printf(`{"level":"info","msg":"shutdown_initiated","signal":"%s"}`+"\n", sig)
	case err := <-serverErr:
		fmt.Printf(`{"level":"fatal","msg":"server_failed","error":"%v"}`+"\n", err)
		os.Exit(1)
	}

	stopReaper()
	orch.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_stop_server","error":"%v"}`+"\n", err)
	}

	if err := st.Close(); err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_close_store","error":"%v"}`+"\n", err)
	} else {
		fmt.Println(`{"level":"info","msg":"store_closed"}`)
	}

	fmt.Println(`{"level":"info","msg":"shutdown_complete"}`)
}
