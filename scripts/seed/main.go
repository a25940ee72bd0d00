package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/delivery"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/money"
	"github.com/odyssey-erp/stockledger/internal/periods"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/pob"
	"github.com/odyssey-erp/stockledger/internal/rbac"
	"github.com/odyssey-erp/stockledger/internal/variance"
)

const (
	adminID     = int64(1)
	storekeeper = int64(2)
	kitchenA    = int64(1)
	kitchenB    = int64(2)
	itemRice    = int64(101)
	itemChicken = int64(102)
	crewPerDay  = 60
	extraPerDay = 10
	demoPrefix  = "DEMO"
)

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	stack, err := app.NewStack(ctx, cfg, app.NewLogger(cfg))
	if err != nil {
		log.Fatalf("init stack: %v", err)
	}
	defer stack.Close()

	fmt.Println("→ Applying schema...")
	if err := db.Migrate(ctx, stack.Pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	fmt.Println("→ Seeding RBAC...")
	if err := seedRBAC(ctx, stack); err != nil {
		log.Fatalf("seed rbac: %v", err)
	}

	fmt.Println("→ Seeding period...")
	period, err := seedPeriod(ctx, stack)
	if err != nil {
		log.Fatalf("seed period: %v", err)
	}

	fmt.Println("→ Seeding deliveries...")
	if err := seedDeliveries(ctx, stack, period); err != nil {
		log.Fatalf("seed deliveries: %v", err)
	}

	fmt.Println("→ Seeding issues...")
	if err := seedIssues(ctx, stack, period); err != nil {
		log.Fatalf("seed issues: %v", err)
	}

	fmt.Println("→ Seeding POB...")
	if err := seedPOB(ctx, stack, period); err != nil {
		log.Fatalf("seed pob: %v", err)
	}

	results, err := stack.Reconciliation.CalculatePeriod(ctx, period.ID)
	if err != nil {
		log.Fatalf("calculate: %v", err)
	}
	for _, r := range results {
		fmt.Printf("  location %d: consumption %s, cost per manday %s\n",
			r.LocationID, stack.Formatter.Format(r.Consumption), r.MandayCost.Format(stack.Formatter))
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

// =============================================================================
// RBAC
// =============================================================================

func seedRBAC(ctx context.Context, stack *app.Stack) error {
	if err := stack.RBAC.SeedDefaults(ctx); err != nil {
		return err
	}
	if err := stack.RBAC.AssignRole(ctx, adminID, rbac.RoleController, nil); err != nil {
		return err
	}
	loc := kitchenA
	return stack.RBAC.AssignRole(ctx, storekeeper, rbac.RoleStorekeeper, &loc)
}

// =============================================================================
// PERIOD
// =============================================================================

func seedPeriod(ctx context.Context, stack *app.Stack) (periods.Period, error) {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)
	p, err := stack.Periods.CreatePeriod(ctx, periods.CreatePeriodInput{
		Code:      fmt.Sprintf("%s-%s", demoPrefix, start.Format("2006-01")),
		StartDate: start,
		EndDate:   end,
		ActorID:   adminID,
	})
	if err != nil {
		return periods.Period{}, err
	}
	for _, loc := range []int64{kitchenA, kitchenB} {
		if err := stack.Periods.EnrolLocation(ctx, p.ID, loc); err != nil {
			return periods.Period{}, err
		}
	}
	prices := map[int64]string{itemRice: "4.50", itemChicken: "18.00"}
	for item, price := range prices {
		if _, err := stack.Variance.SetLockedPrice(ctx, variance.SetPriceInput{
			PeriodID: p.ID, ItemID: item, UnitPrice: money.Must(price), ActorID: adminID,
		}); err != nil {
			return periods.Period{}, err
		}
	}
	return p, nil
}

// =============================================================================
// LEDGER
// =============================================================================

func seedDeliveries(ctx context.Context, stack *app.Stack, p periods.Period) error {
	deliveries := []delivery.PostInput{
		{
			LocationID: kitchenA, SupplierRef: "GRN-0001",
			Lines: []delivery.Line{
				{ItemID: itemRice, Quantity: money.Must("500"), UnitPrice: money.Must("4.50")},
				{ItemID: itemChicken, Quantity: money.Must("200"), UnitPrice: money.Must("18.00")},
			},
		},
		{
			LocationID: kitchenA, SupplierRef: "GRN-0002",
			Lines: []delivery.Line{
				{ItemID: itemChicken, Quantity: money.Must("100"), UnitPrice: money.Must("19.25")},
			},
		},
		{
			LocationID: kitchenB, SupplierRef: "GRN-0003",
			Lines: []delivery.Line{
				{ItemID: itemRice, Quantity: money.Must("300"), UnitPrice: money.Must("4.40")},
			},
		},
	}
	for _, in := range deliveries {
		in.DeliveryID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%d:%s", p.ID, in.SupplierRef)))
		in.PeriodID = p.ID
		in.ActorID = adminID
		res, err := stack.Deliveries.Post(ctx, in)
		if err != nil {
			return err
		}
		if len(res.Variances) > 0 {
			fmt.Printf("  %s raised %d price variance(s)\n", in.SupplierRef, len(res.Variances))
		}
	}
	return nil
}

func seedIssues(ctx context.Context, stack *app.Stack, p periods.Period) error {
	issues := []inventory.IssueInput{
		{LocationID: kitchenA, ItemID: itemRice, Quantity: money.Must("420")},
		{LocationID: kitchenA, ItemID: itemChicken, Quantity: money.Must("250")},
		{LocationID: kitchenB, ItemID: itemRice, Quantity: money.Must("180")},
	}
	for _, in := range issues {
		in.PeriodID = p.ID
		in.ActorID = adminID
		in.Note = "seed"
		if _, _, err := stack.Inventory.Issue(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

func seedPOB(ctx context.Context, stack *app.Stack, p periods.Period) error {
	for day := p.StartDate; !day.After(p.EndDate); day = day.AddDate(0, 0, 1) {
		_, err := stack.POB.UpsertDaily(ctx, pob.UpsertInput{
			LocationID: kitchenA,
			Date:       day,
			CrewCount:  crewPerDay,
			ExtraCount: extraPerDay,
			ActorID:    adminID,
		})
		if err != nil {
			return err
		}
	}
	// kitchenB records no POB so its cost per manday shows N/A.
	return nil
}
