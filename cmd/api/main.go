package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"taskmarket/agreement"
	"taskmarket/auth"
	"taskmarket/db"
	"taskmarket/dispute"
	"taskmarket/finance"
	"taskmarket/notify"
	"taskmarket/offer"
	"taskmarket/request"
	"taskmarket/sla"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connString := os.Getenv("DATABASE_URL")
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	pool, err := db.NewPool(ctx, connString, int32(envInt("DB_MAX_CONNS", 10)))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	notifier := notify.NewPGNotifier(pool)
	users := auth.NewRepository(pool)

	authService := auth.NewService(users, jwtSecret)
	requestService := request.NewService(pool, nil, notifier)
	offerService := offer.NewService(pool, nil, nil, notifier, offer.Config{
		AgreementDueDays: envInt("AGREEMENT_DUE_DAYS", 3),
	})
	agreementService := agreement.NewService(pool, nil, nil, notifier, agreement.Config{
		InvoiceDueDays: envInt("INVOICE_DUE_DAYS", 3),
	})
	financeService := finance.NewService(pool, nil, notifier, finance.Config{
		InvoiceDueDays: envInt("INVOICE_DUE_DAYS", 3),
	})
	disputeService := dispute.NewService(pool, nil, nil, notifier)

	monitor := sla.NewMonitor(pool, users, notifier, sla.Config{
		SweepInterval: envDuration("SLA_SWEEP_INTERVAL", time.Minute),
	})
	go monitor.Run(ctx)

	log.Printf("taskmarket services ready: auth=%t requests=%t offers=%t agreements=%t finance=%t disputes=%t",
		authService != nil, requestService != nil, offerService != nil,
		agreementService != nil, financeService != nil, disputeService != nil)

	<-ctx.Done()
	log.Print("shutting down")
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Fatalf("%s: invalid integer %q", key, raw)
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		log.Fatalf("%s: invalid duration %q", key, raw)
	}
	return v
}
