package main

import (
	"context"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"taskpay/audit"
	"taskpay/auth"
	"taskpay/config"
	"taskpay/db"
	"taskpay/dispute"
	"taskpay/escrow"
	"taskpay/fees"
	"taskpay/fnb"
	"taskpay/payout"
	"taskpay/runner"
	"taskpay/task"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("bootstrap config: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	rail, err := fnb.NewClient(fnb.Config{
		BaseURL:         cfg.FNBBaseURL,
		TokenURL:        cfg.FNBTokenURL,
		ClientID:        cfg.FNBClientID,
		ClientSecret:    cfg.FNBClientSecret,
		MerchantAccount: cfg.FNBMerchantAccount,
		Timeout:         cfg.FNBTimeout,
	})
	if err != nil {
		log.Fatalf("bootstrap fnb client: %v", err)
	}

	calc, err := fees.NewCalculator(fees.DefaultConfig())
	if err != nil {
		log.Fatalf("bootstrap fee calculator: %v", err)
	}

	runnerRepo := runner.NewRepository(pool)
	runnerService := runner.NewService(runnerRepo)

	engine := payout.NewService(pool, escrow.NewRepository(), rail, runnerRepo, calc).
		WithAudit(audit.NewRepository(pool)).
		WithMetrics(payout.NewMetrics(prometheus.DefaultRegisterer))

	taskService := task.NewService(pool, nil, engine)
	disputeService := dispute.NewService(dispute.NewRepository(pool), engine)
	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret).
		WithRunnerProvisioner(runnerRepo)

	server := &Server{
		authService:    authService,
		runnerService:  runnerService,
		taskService:    taskService,
		disputeService: disputeService,
		engine:         engine,
	}

	log.Printf("taskpay api listening on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, server.routes()); err != nil {
		log.Fatalf("server: %v", err)
	}
}
