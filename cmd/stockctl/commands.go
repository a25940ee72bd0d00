package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/money"
	"github.com/odyssey-erp/stockledger/internal/periods"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/reconciliation"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/jobs"
)

const dateLayout = "2006-01-02"

func runMigrate(ctx context.Context, stack *app.Stack, _ []string) error {
	if err := db.Migrate(ctx, stack.Pool); err != nil {
		return err
	}
	if err := stack.RBAC.SeedDefaults(ctx); err != nil {
		return err
	}
	fmt.Println("schema applied, default roles seeded")
	return nil
}

func runPeriodCreate(ctx context.Context, stack *app.Stack, args []string) error {
	fs := flag.NewFlagSet("period-create", flag.ContinueOnError)
	code := fs.String("code", "", "Required: period code, e.g. 2024-03")
	start := fs.String("start", "", "Required: first day (YYYY-MM-DD)")
	end := fs.String("end", "", "Required: last day (YYYY-MM-DD)")
	actor := fs.Int64("actor", 0, "Required: acting user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	startDate, err := time.Parse(dateLayout, *start)
	if err != nil {
		return fmt.Errorf("invalid -start: %w", err)
	}
	endDate, err := time.Parse(dateLayout, *end)
	if err != nil {
		return fmt.Errorf("invalid -end: %w", err)
	}
	p, err := stack.Periods.CreatePeriod(ctx, periods.CreatePeriodInput{
		Code: *code, StartDate: startDate, EndDate: endDate, ActorID: *actor,
	})
	if err != nil {
		return err
	}
	fmt.Printf("period %d (%s) created: %s to %s\n", p.ID, p.Code,
		p.StartDate.Format(dateLayout), p.EndDate.Format(dateLayout))
	return nil
}

func runPeriodEnrol(ctx context.Context, stack *app.Stack, args []string) error {
	fs := flag.NewFlagSet("period-enrol", flag.ContinueOnError)
	periodID := fs.Int64("period", 0, "Required: period id")
	locationID := fs.Int64("location", 0, "Required: location id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *periodID == 0 || *locationID == 0 {
		return errors.New("-period and -location are required")
	}
	if err := stack.Periods.EnrolLocation(ctx, *periodID, *locationID); err != nil {
		return err
	}
	fmt.Printf("location %d enrolled in period %d\n", *locationID, *periodID)
	return nil
}

func runGrant(ctx context.Context, stack *app.Stack, args []string) error {
	fs := flag.NewFlagSet("grant", flag.ContinueOnError)
	userID := fs.Int64("user", 0, "Required: user id")
	role := fs.String("role", "", "Required: storekeeper, supervisor or controller")
	locationID := fs.Int64("location", 0, "Optional: location id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var loc *int64
	if *locationID != 0 {
		loc = locationID
	}
	if err := stack.RBAC.AssignRole(ctx, *userID, *role, loc); err != nil {
		return err
	}
	fmt.Printf("role %s granted to user %d\n", *role, *userID)
	return nil
}

func runRecon(ctx context.Context, stack *app.Stack, args []string) error {
	fs := flag.NewFlagSet("recon", flag.ContinueOnError)
	periodID := fs.Int64("period", 0, "Required: period id")
	locationID := fs.Int64("location", 0, "Optional: one location; all enrolled locations when omitted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *periodID == 0 {
		return errors.New("-period is required")
	}
	var results []reconciliation.Result
	if *locationID != 0 {
		res, err := stack.Reconciliation.Calculate(ctx, *locationID, *periodID)
		if err != nil {
			return err
		}
		results = append(results, res)
	} else {
		all, err := stack.Reconciliation.CalculatePeriod(ctx, *periodID)
		if err != nil {
			return err
		}
		results = all
	}
	return printReconciliations(os.Stdout, stack.Formatter, results)
}

func printReconciliations(out io.Writer, f *money.Formatter, results []reconciliation.Result) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "location\tmode\topening\treceipts\ttransfers in\ttransfers out\tissues\tclosing\tadjustments\tconsumption\tmandays\tcost/manday\t")
	for _, r := range results {
		c := r.Components
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t\n",
			r.LocationID, r.Mode,
			f.Format(c.OpeningStock), f.Format(c.Receipts), f.Format(c.TransfersIn),
			f.Format(c.TransfersOut), f.Format(c.Issues), f.Format(c.ClosingStock),
			f.Format(r.TotalAdjustments), f.Format(r.Consumption),
			r.TotalMandays, r.MandayCost.Format(f))
	}
	return w.Flush()
}

func runCloseRequest(ctx context.Context, stack *app.Stack, args []string) error {
	fs := flag.NewFlagSet("close-request", flag.ContinueOnError)
	periodID := fs.Int64("period", 0, "Required: period id")
	actor := fs.Int64("actor", 0, "Required: acting user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	res, err := stack.PeriodClose.RequestClose(ctx, *periodID, *actor)
	if err != nil {
		return describe(err)
	}
	fmt.Printf("period %d pending close at %d location(s): %v\n", res.PeriodID, len(res.Locations), res.Locations)
	return nil
}

func runCloseExecute(ctx context.Context, stack *app.Stack, args []string) error {
	fs := flag.NewFlagSet("close-execute", flag.ContinueOnError)
	periodID := fs.Int64("period", 0, "Required: period id")
	actor := fs.Int64("actor", 0, "Required: acting user id")
	sync := fs.Bool("sync", false, "Run the close in this process instead of queueing it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*sync {
		info, err := stack.Jobs.EnqueuePeriodClose(ctx, jobs.PeriodClosePayload{PeriodID: *periodID, ActorID: *actor})
		if errors.Is(err, jobs.ErrAlreadyQueued) {
			fmt.Printf("close for period %d is already queued\n", *periodID)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("close for period %d queued as task %s\n", *periodID, info.ID)
		return nil
	}
	summary, err := stack.PeriodClose.ExecuteClose(ctx, *periodID, *actor)
	if err != nil {
		return describe(err)
	}
	fmt.Printf("period %d closed at %d location(s) in %s; already closed: %v\n",
		summary.PeriodID, len(summary.Closed), summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond),
		summary.AlreadyClosed)
	return printReconciliations(os.Stdout, stack.Formatter, summary.Closed)
}

func runIntegrity(ctx context.Context, stack *app.Stack, args []string) error {
	fs := flag.NewFlagSet("integrity", flag.ContinueOnError)
	locationID := fs.Int64("location", 0, "Optional: location id; every location when omitted")
	enqueue := fs.Bool("enqueue", false, "Queue the scan for the worker instead of running it here")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *enqueue {
		info, err := stack.Jobs.EnqueueStockIntegrity(ctx, *locationID)
		if err != nil {
			return err
		}
		fmt.Printf("integrity scan queued as task %s\n", info.ID)
		return nil
	}
	job := jobs.NewStockIntegrityJob(&jobs.PGDiscrepancySource{Pool: stack.Pool}, stack.Logger, stack.JobStats)
	found, err := job.Run(ctx, *locationID)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("no discrepancies")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "location\titem\ton hand\tledger\tdelta\t")
	for _, d := range found {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t\n", d.LocationID, d.ItemID,
			d.OnHand.String(), d.Ledger.String(), d.OnHand.Sub(d.Ledger).String())
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return fmt.Errorf("%d discrepancies found", len(found))
}

// describe expands close precondition failures so the operator sees every
// blocking location.
func describe(err error) error {
	var pre *shared.ClosePreconditionError
	if errors.As(err, &pre) {
		for _, f := range pre.Failures {
			fmt.Fprintf(os.Stderr, "location %d: %s\n", f.LocationID, f.Reason)
		}
	}
	if code := shared.ErrorCode(err); code != "" {
		return fmt.Errorf("%s: %w", code, err)
	}
	return err
}
