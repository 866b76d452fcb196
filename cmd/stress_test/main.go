package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/digital-storefront/internal/adapter/catalog"
	"github.com/rl1809/digital-storefront/internal/adapter/storage"
	"github.com/rl1809/digital-storefront/internal/core/domain"
	"github.com/rl1809/digital-storefront/internal/core/service"
	"github.com/rl1809/digital-storefront/internal/core/verifier"
	"github.com/rl1809/digital-storefront/internal/port"
)

const (
	productID  = "flash-sale-key"
	codeLength = 32
)

type backend interface {
	port.InventoryStore
	port.ProofLedger
	port.RedemptionCodePool
	port.OrderLedger
	port.ProofConsumer
}

func main() {
	backendName := flag.String("backend", "memory", "inventory backend: memory or redis")
	redisAddr := flag.String("redis", "localhost:6379", "redis address for -backend=redis")
	initialStock := flag.Int("stock", 20, "units in the pool")
	customers := flag.Int("customers", 50, "concurrent customers")
	flag.Parse()

	ctx := context.Background()

	var store backend
	switch *backendName {
	case "memory":
		store = storage.NewMemoryAdapter()
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		defer rdb.Close()
		clearRedis(ctx, rdb)
		store = storage.NewRedisAdapter(rdb)
	default:
		log.Fatalf("unknown backend %q", *backendName)
	}

	cat := catalog.NewMemoryCatalog(store)
	if err := cat.UpsertProduct(ctx, domain.Product{ID: productID, Name: "Flash Sale Key", Price: decimal.NewFromInt(10)}); err != nil {
		log.Fatalf("failed to create product: %v", err)
	}
	payloads := make([]string, *initialStock)
	for i := range payloads {
		payloads[i] = fmt.Sprintf("key-%04d", i)
	}
	if err := store.AddStock(ctx, productID, payloads...); err != nil {
		log.Fatalf("failed to add stock: %v", err)
	}

	codes := make([]string, *customers)
	for i := range codes {
		codes[i] = fmt.Sprintf("%0*d", codeLength, i)
		if err := cat.AddToCart(ctx, customerID(i), productID, 1); err != nil {
			log.Fatalf("failed to fill cart: %v", err)
		}
	}
	if err := store.AddCodes(ctx, codes...); err != nil {
		log.Fatalf("failed to add codes: %v", err)
	}

	checkout := service.NewCheckoutService(service.Dependencies{
		Inventory:     store,
		Ledger:        store,
		Orders:        store,
		Codes:         store,
		Catalog:       cat,
		ProofConsumer: store,
		Verifiers:     []port.PaymentVerifier{verifier.NewCodeVerifier(store, codeLength)},
	})

	var mu sync.Mutex
	outcomes := make(map[service.Outcome]int)
	var errCount int

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *customers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := buy(ctx, checkout, customerID(i), codes[i])

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errCount++
				return
			}
			outcomes[outcome]++
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	settled := outcomes[service.OutcomeSettled]
	remaining, _ := store.Available(ctx, productID)
	delivered, duplicates := deliveredUnits(ctx, store, *customers)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Backend:          %s\n", *backendName)
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Customers:        %d\n", *customers)
	for _, o := range sortedOutcomes(outcomes) {
		fmt.Printf("%-17s %d\n", o+":", outcomes[service.Outcome(o)])
	}
	fmt.Printf("Errors:           %d\n", errCount)
	fmt.Printf("Remaining Stock:  %d\n", remaining)
	fmt.Printf("Delivered Units:  %d\n", delivered)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	expected := min(*initialStock, *customers)
	ok := true
	if settled != expected {
		fmt.Printf("FAIL: expected %d settlements, got %d\n", expected, settled)
		ok = false
	}
	if delivered != settled || duplicates > 0 {
		fmt.Printf("FAIL: %d units delivered for %d settlements, %d delivered twice\n", delivered, settled, duplicates)
		ok = false
	}
	if remaining != *initialStock-settled {
		fmt.Printf("FAIL: expected %d units left, got %d\n", *initialStock-settled, remaining)
		ok = false
	}
	if !ok {
		os.Exit(1)
	}
	fmt.Println("PASS: no oversell, every unit delivered once")
}

func customerID(i int) string {
	return fmt.Sprintf("user-%d", i)
}

func buy(ctx context.Context, checkout *service.CheckoutService, customer, code string) (service.Outcome, error) {
	res, err := checkout.StartCheckout(ctx, customer)
	if err != nil || res.Outcome != service.OutcomeMethodPrompt {
		return res.Outcome, err
	}
	res, err = checkout.SelectMethod(ctx, customer, string(domain.MethodRedemptionCode))
	if err != nil || res.Outcome != service.OutcomeAwaitingProof {
		return res.Outcome, err
	}
	res, err = checkout.SubmitProof(ctx, customer, code)
	return res.Outcome, err
}

func deliveredUnits(ctx context.Context, orders port.OrderLedger, customers int) (total, duplicates int) {
	seen := make(map[string]bool)
	for i := 0; i < customers; i++ {
		list, err := orders.ListByCustomer(ctx, customerID(i))
		if err != nil {
			log.Printf("failed to list orders for %s: %v", customerID(i), err)
			continue
		}
		for _, o := range list {
			for _, line := range o.Lines {
				for _, p := range line.Payloads {
					if seen[p] {
						duplicates++
					}
					seen[p] = true
					total++
				}
			}
		}
	}
	return total, duplicates
}

func sortedOutcomes(m map[service.Outcome]int) []string {
	out := make([]string, 0, len(m))
	for o := range m {
		out = append(out, string(o))
	}
	sort.Strings(out)
	return out
}

func clearRedis(ctx context.Context, rdb *redis.Client) {
	for _, pattern := range []string{"stock:" + productID, "codes:valid", "proof:*", "order:*", "customer_orders:user-*"} {
		keys, _ := rdb.Keys(ctx, pattern).Result()
		for _, k := range keys {
			rdb.Del(ctx, k)
		}
	}
}
