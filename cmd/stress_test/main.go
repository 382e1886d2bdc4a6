package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rl1809/pipe-storage/internal/adapter/storage"
	"github.com/rl1809/pipe-storage/internal/core/domain"
	"github.com/rl1809/pipe-storage/internal/core/service"
	"github.com/rl1809/pipe-storage/internal/port"
)

type options struct {
	DSN      string
	Capacity int
	Requests int
	Quantity int
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:           "stress_test",
		Short:         "Approve many requests against one storage unit at once and check nothing is overbooked",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Capacity <= 0 || opts.Requests <= 0 || opts.Quantity <= 0 {
				return errors.New("--capacity, --requests and --quantity must be positive")
			}
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.DSN, "dsn", "", "MySQL DSN; the in-memory store is used when empty")
	cmd.Flags().IntVar(&opts.Capacity, "capacity", 100, "capacity of the storage unit")
	cmd.Flags().IntVar(&opts.Requests, "requests", 50, "number of requests approved concurrently")
	cmd.Flags().IntVar(&opts.Quantity, "quantity", 10, "joints per request")
	return cmd
}

func openStore(ctx context.Context, dsn string) (port.Store, func(), error) {
	if dsn == "" {
		return storage.NewMemoryStore(), func() {}, nil
	}
	db, err := storage.OpenMySQL(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := storage.Migrate(ctx, db.DB, nil); err != nil {
		db.Close()
		return nil, nil, err
	}
	return storage.NewMySQLAdapter(db), func() { db.Close() }, nil
}

func run(ctx context.Context, opts options) error {
	store, closeStore, err := openStore(ctx, opts.DSN)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := service.NewEngine(store)
	tenant := uuid.New()
	admin := domain.Operator{ID: uuid.New(), Privileged: true}
	clerk := domain.Operator{ID: uuid.New()}

	unit, err := engine.CreateStorageUnit(ctx, admin, tenant, "STRESS-"+tenant.String()[:8], opts.Capacity)
	if err != nil {
		return fmt.Errorf("create unit: %w", err)
	}

	ids := make([]uuid.UUID, opts.Requests)
	for i := range ids {
		req, err := engine.SubmitRequest(ctx, clerk, tenant, fmt.Sprintf("ST-%s-%04d", tenant.String()[:8], i), opts.Quantity)
		if err != nil {
			return fmt.Errorf("submit request %d: %w", i, err)
		}
		ids[i] = req.ID
	}

	var successCount atomic.Int32
	var rejectedCount atomic.Int32
	var errorCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := engine.ApproveRequest(ctx, admin, id, []service.UnitAssignment{{UnitID: unit.ID}}, "")
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientCapacity):
				rejectedCount.Add(1)
			default:
				errorCount.Add(1)
				fmt.Fprintf(os.Stderr, "approve %s: %v\n", id, err)
			}
		}(id)
	}
	wg.Wait()
	elapsed := time.Since(start)

	success := int(successCount.Load())
	rejected := int(rejectedCount.Load())
	expected := min(opts.Capacity/opts.Quantity, opts.Requests)

	final, err := engine.GetStorageUnit(ctx, unit.ID)
	if err != nil {
		return fmt.Errorf("read unit: %w", err)
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Unit Capacity:    %d\n", opts.Capacity)
	fmt.Printf("Total Requests:   %d x %d\n", opts.Requests, opts.Quantity)
	fmt.Printf("Approved:         %d\n", success)
	fmt.Printf("Rejected:         %d\n", rejected)
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Final Occupied:   %d\n", final.Occupied)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	failed := false
	if success == expected && rejected == opts.Requests-expected {
		fmt.Printf("PASS: exactly %d requests approved\n", expected)
	} else {
		fmt.Printf("FAIL: expected %d approved/%d rejected, got %d/%d\n", expected, opts.Requests-expected, success, rejected)
		failed = true
	}
	if final.Occupied == success*opts.Quantity && final.Occupied <= final.Capacity {
		fmt.Println("PASS: occupancy matches approved reservations")
	} else {
		fmt.Printf("FAIL: occupied %d, approved reservations %d\n", final.Occupied, success*opts.Quantity)
		failed = true
	}
	if failed {
		return errors.New("stress test failed")
	}
	return nil
}
