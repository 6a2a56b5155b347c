package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/rl1809/travel-booking/internal/adapter/storage"
	"github.com/rl1809/travel-booking/internal/core/domain"
	"github.com/rl1809/travel-booking/internal/core/service"
	"github.com/rl1809/travel-booking/internal/pkg/logger"
)

const (
	itemType       = domain.ItemTypeHotel
	itemID         = "stress-hotel"
	initialRooms   = 20
	racersPerRound = 50
	lockTTL        = 30 * time.Second
)

// staticInventory serves a fixed room count in place of the database.
type staticInventory struct{}

func (staticInventory) GetInventory(ctx context.Context, t domain.ItemType, id string) (*domain.Inventory, error) {
	if t != itemType || id != itemID {
		return nil, nil
	}
	return &domain.Inventory{ItemType: t, ItemID: id, Quantity: initialRooms}, nil
}

// Every round races racersPerRound acquires for one room. The item lock admits
// one holder at a time; a winner commits its sale and frees the lock, so a
// round can sell more than once but never with two holders alive. Rounds
// continue until the counter reports the hotel sold out; the number of
// committed sales must equal the initial room count.
func main() {
	logger.Init("stress-test", "warn")
	ctx := context.Background()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	rdb.Del(ctx, domain.LockKey(itemType, itemID), domain.CounterKey(itemType, itemID))

	locks := service.NewLockService(storage.NewRedisAdapter(rdb), staticInventory{}, lockTTL, lockTTL)

	var sold, rejectedLocked, rejectedSoldOut, failed atomic.Int32
	// active counts goroutines between a successful acquire and their commit.
	var active, maxActive atomic.Int32
	rounds := 0
	start := time.Now()

	for {
		rounds++
		var wg sync.WaitGroup
		var winners atomic.Int32
		var soldOut atomic.Bool

		for i := 0; i < racersPerRound; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				lock, err := locks.Acquire(ctx, itemType, itemID, 1)
				switch {
				case err == nil:
					winners.Add(1)
					held := active.Add(1)
					for {
						peak := maxActive.Load()
						if held <= peak || maxActive.CompareAndSwap(peak, held) {
							break
						}
					}
					active.Add(-1)
					if _, err := locks.Commit(ctx, itemType, itemID, lock.LockID); err != nil {
						failed.Add(1)
						return
					}
					sold.Add(1)
				case errors.Is(err, domain.ErrAlreadyLocked):
					rejectedLocked.Add(1)
				case errors.Is(err, domain.ErrInsufficientInventory):
					rejectedSoldOut.Add(1)
					soldOut.Store(true)
				default:
					failed.Add(1)
				}
			}()
		}
		wg.Wait()

		if m := maxActive.Load(); m > 1 {
			fmt.Printf("FAIL: round %d had %d holders of the same lock\n", rounds, m)
			os.Exit(1)
		}
		if soldOut.Load() && winners.Load() == 0 {
			break
		}
		if rounds > initialRooms*10 {
			fmt.Println("FAIL: inventory never reported sold out")
			os.Exit(1)
		}
	}

	remaining, _ := rdb.Get(ctx, domain.CounterKey(itemType, itemID)).Int()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Rooms:       %d\n", initialRooms)
	fmt.Printf("Rounds:              %d\n", rounds)
	fmt.Printf("Sold:                %d\n", sold.Load())
	fmt.Printf("Rejected (locked):   %d\n", rejectedLocked.Load())
	fmt.Printf("Rejected (sold out): %d\n", rejectedSoldOut.Load())
	fmt.Printf("Errors:              %d\n", failed.Load())
	fmt.Printf("Counter Remaining:   %d\n", remaining)
	fmt.Printf("Duration:            %v\n", time.Since(start))
	fmt.Println("==========================================")

	if sold.Load() == initialRooms && remaining == 0 && failed.Load() == 0 {
		fmt.Printf("PASS: exactly %d rooms sold, none oversold\n", initialRooms)
		return
	}
	fmt.Printf("FAIL: expected %d sold with counter 0, got %d sold with counter %d\n",
		initialRooms, sold.Load(), remaining)
	os.Exit(1)
}
