package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/rl1809/digital-storefront/internal/adapter/catalog"
	"github.com/rl1809/digital-storefront/internal/adapter/handler"
	"github.com/rl1809/digital-storefront/internal/adapter/messaging"
	"github.com/rl1809/digital-storefront/internal/adapter/provider"
	"github.com/rl1809/digital-storefront/internal/adapter/storage"
	"github.com/rl1809/digital-storefront/internal/core/domain"
	"github.com/rl1809/digital-storefront/internal/core/service"
	"github.com/rl1809/digital-storefront/internal/core/verifier"
	"github.com/rl1809/digital-storefront/internal/port"
	"github.com/rl1809/digital-storefront/internal/seed"
	"github.com/rl1809/digital-storefront/pkg/config"
	"github.com/rl1809/digital-storefront/pkg/logger"
	"github.com/rl1809/digital-storefront/pkg/metrics"
)

const serviceName = "digital-storefront"

type stores struct {
	inventory port.InventoryStore
	ledger    port.ProofLedger
	codes     port.RedemptionCodePool
	orders    port.OrderLedger
	consumer  port.ProofConsumer
}

type storefrontCatalog interface {
	port.Catalog
	handler.CartEditor
	UpsertProduct(ctx context.Context, p domain.Product) error
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: loading .env: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logs := logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logs.WithField(ctx, "env", cfg.App.Env)

	if err := run(ctx, cfg, logs); err != nil {
		logs.Error(ctx, "server exited", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logs *logger.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	checkoutMetrics := metrics.NewCheckoutMetrics(registry)

	var rdb *redis.Client
	if cfg.Store.Backend == config.BackendRedis || cfg.Messaging.Driver == config.MessengerRedis {
		client, err := connectRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		rdb = client
		logs.Info(ctx, "connected to redis")
	}

	var db *sql.DB
	if cfg.Store.Backend == config.BackendMySQL {
		conn, err := connectMySQL(ctx, cfg.MySQL)
		if err != nil {
			return err
		}
		defer conn.Close()
		db = conn
		logs.Info(ctx, "connected to mysql")
	}

	st, err := openStores(ctx, cfg, rdb, db)
	if err != nil {
		return err
	}

	var cat storefrontCatalog = catalog.NewMemoryCatalog(st.inventory)
	if db != nil {
		cat = catalog.NewMySQLCatalog(db, st.inventory)
	}

	if cfg.Seed.File != "" {
		sum, err := seed.Load(ctx, cfg.Seed.File, seed.Targets{Catalog: cat, Inventory: st.inventory, Codes: st.codes})
		if err != nil {
			return err
		}
		logs.Info(logs.WithFields(ctx, map[string]any{
			"products": sum.Products,
			"units":    sum.Units,
			"codes":    sum.Codes,
			"carts":    sum.Carts,
		}), "seed loaded")
	}

	var messenger port.Messenger = messaging.NewLogMessenger(logs)
	if cfg.Messaging.Driver == config.MessengerRedis {
		messenger = messaging.NewRedisPublisher(rdb, cfg.Messaging.Channel)
	}

	delivery := service.NewDeliveryDispatcher(messenger, cfg.Checkout.DeliveryQueue, logs, checkoutMetrics)
	delivery.Start(cfg.Checkout.DeliveryWorkers)
	logs.Info(logs.WithField(ctx, "workers", cfg.Checkout.DeliveryWorkers), "started delivery workers")

	checkout := service.NewCheckoutService(service.Dependencies{
		Inventory:     st.inventory,
		Ledger:        st.ledger,
		Orders:        st.orders,
		Codes:         st.codes,
		Catalog:       cat,
		ProofConsumer: st.consumer,
		Verifiers:     buildVerifiers(ctx, cfg, st, logs),
		Delivery:      delivery,
		Logger:        logs,
		Metrics:       checkoutMetrics,
	})

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go checkout.RunJanitor(janitorCtx, cfg.Checkout.JanitorInterval, cfg.Checkout.SessionIdleTTL)

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryLogging(logs)))
	handler.RegisterCheckoutServer(grpcServer, handler.NewGRPCHandler(checkout))

	lis, err := net.Listen("tcp", cfg.App.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	go func() {
		logs.Info(logs.WithField(ctx, "addr", cfg.App.GRPCAddr), "gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			logs.Error(ctx, "gRPC server error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           handler.NewHTTPHandler(checkout, st.orders, cat, logs).Routes(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logs.Info(logs.WithField(ctx, "addr", cfg.App.HTTPAddr), "HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Error(ctx, "HTTP server error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logs.Info(ctx, "shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logs.Error(ctx, "HTTP shutdown", err)
	}
	grpcServer.GracefulStop()
	stopJanitor()

	delivery.Close()
	logs.Info(ctx, "delivery workers stopped")

	if pending := checkout.PendingReconciliations(); len(pending) > 0 {
		logs.Warn(logs.WithField(ctx, "sessions", len(pending)), "shutting down with sessions pending reconciliation")
	}
	return nil
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}
	opts.PoolSize = cfg.PoolSize
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func connectMySQL(ctx context.Context, cfg config.MySQLConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

func openStores(ctx context.Context, cfg *config.Config, rdb *redis.Client, db *sql.DB) (stores, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		a := storage.NewRedisAdapter(rdb)
		return stores{inventory: a, ledger: a, codes: a, orders: a, consumer: a}, nil
	case config.BackendMySQL:
		a := storage.NewMySQLAdapter(db)
		if cfg.MySQL.ApplySchema {
			if err := a.ApplySchema(ctx); err != nil {
				return stores{}, err
			}
		}
		return stores{inventory: a, ledger: a, codes: a, orders: a, consumer: a}, nil
	}
	a := storage.NewMemoryAdapter()
	return stores{inventory: a, ledger: a, codes: a, orders: a, consumer: a}, nil
}

// buildVerifiers registers redemption codes always and the provider-backed
// methods only when their credentials are configured.
func buildVerifiers(ctx context.Context, cfg *config.Config, st stores, logs *logger.Logger) []port.PaymentVerifier {
	tolerance := cfg.Checkout.Tolerance()
	verifiers := []port.PaymentVerifier{verifier.NewCodeVerifier(st.codes, cfg.Checkout.CodeLength)}

	if cfg.Voucher.Mobile != "" {
		client := provider.NewVoucherClient(cfg.Voucher.RedeemURL, cfg.Voucher.Mobile, cfg.Voucher.Timeout)
		verifiers = append(verifiers, verifier.NewVoucherVerifier(client, tolerance))
	} else {
		logs.Warn(ctx, "voucher payments disabled: STOREFRONT_VOUCHER_MOBILE not set")
	}

	if cfg.Slip.APIKey != "" {
		client := provider.NewSlipClient(cfg.Slip.VerifyURL, cfg.Slip.APIKey, cfg.Slip.MaxImageBytes, cfg.Slip.Timeout)
		verifiers = append(verifiers, verifier.NewSlipVerifier(client, st.ledger, tolerance))
	} else {
		logs.Warn(ctx, "bank slip payments disabled: STOREFRONT_SLIP_API_KEY not set")
	}
	return verifiers
}
