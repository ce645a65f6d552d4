package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
	"github.com/odyssey-erp/odyssey-posting/internal/accounting/posting"
	"github.com/odyssey-erp/odyssey-posting/internal/app"
)

type eventLister interface {
	List(ctx context.Context, filter posting.ListFilter) ([]posting.EventLog, error)
}

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and resubmit accounting event logs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List accounting event logs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := outputFormat(cmd)
			if err != nil {
				return err
			}
			filter, err := listFilterFromFlags(cmd)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				return listEvents(cmd.Context(), posting.NewRepository(rt.Pool), filter, format, cmd.OutOrStdout())
			})
		},
	}
	list.Flags().String("status", "", "Filter by status: queued, sent or failed")
	list.Flags().Int64("company", 0, "Filter by company id")
	list.Flags().String("code", "", "Filter by event code")
	list.Flags().Int64("before", 0, "Only logs with an id below this one")
	list.Flags().Int("limit", 50, "Maximum number of logs")

	resubmit := &cobra.Command{
		Use:   "resubmit ID [ID...]",
		Short: "Re-enqueue failed or stuck event logs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(rt *app.Runtime) error {
				ledger, err := rt.NewLedger()
				if err != nil {
					return err
				}
				defer ledger.Close()
				return resubmitEvents(cmd.Context(), ledger.Bus, ids, cmd.OutOrStdout())
			})
		},
	}

	cmd.AddCommand(list, resubmit)
	return cmd
}

func listFilterFromFlags(cmd *cobra.Command) (posting.ListFilter, error) {
	status, _ := cmd.Flags().GetString("status")
	company, _ := cmd.Flags().GetInt64("company")
	code, _ := cmd.Flags().GetString("code")
	before, _ := cmd.Flags().GetInt64("before")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := posting.ListFilter{Status: posting.Status(status), CompanyID: company, BeforeID: before, Limit: limit}
	if filter.Status != "" && !filter.Status.IsValid() {
		return posting.ListFilter{}, fmt.Errorf("status must be queued, sent or failed")
	}
	if code != "" {
		parsed, err := events.ParseCode(code)
		if err != nil {
			return posting.ListFilter{}, err
		}
		filter.EventCode = parsed
	}
	if limit <= 0 {
		return posting.ListFilter{}, errors.New("limit must be positive")
	}
	return filter, nil
}

type eventRow struct {
	ID        int64          `json:"id" yaml:"id"`
	Code      events.Code    `json:"event_code" yaml:"event_code"`
	CompanyID int64          `json:"company_id" yaml:"company_id"`
	Document  string         `json:"document" yaml:"document"`
	Status    posting.Status `json:"status" yaml:"status"`
	Attempts  int            `json:"attempts" yaml:"attempts"`
	Error     string         `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
}

func documentLabel(l posting.EventLog) string {
	switch {
	case l.DocumentNumber != "":
		return l.DocumentType + " " + l.DocumentNumber
	case l.DocumentID != nil:
		return l.DocumentType + " #" + strconv.FormatInt(*l.DocumentID, 10)
	default:
		return l.DocumentType
	}
}

func listEvents(ctx context.Context, repo eventLister, filter posting.ListFilter, format string, out io.Writer) error {
	logs, err := repo.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("list event logs: %w", err)
	}
	rows := make([]eventRow, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, eventRow{
			ID:        l.ID,
			Code:      l.EventCode,
			CompanyID: l.CompanyID,
			Document:  documentLabel(l),
			Status:    l.Status,
			Attempts:  l.Attempts,
			Error:     l.ErrorMessage,
			CreatedAt: l.CreatedAt,
		})
	}
	if format != formatTable {
		return encode(out, format, rows)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCODE\tCOMPANY\tDOCUMENT\tSTATUS\tATTEMPTS\tCREATED\tERROR")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Code, r.CompanyID, r.Document, r.Status, r.Attempts, r.CreatedAt.UTC().Format(time.RFC3339), r.Error)
	}
	return tw.Flush()
}

func resubmitEvents(ctx context.Context, bus posting.Resubmitter, ids []int64, out io.Writer) error {
	var failed int
	for _, id := range ids {
		l, err := bus.Resubmit(ctx, id)
		if err != nil {
			failed++
			fmt.Fprintf(out, "event %d: %v\n", id, err)
			continue
		}
		fmt.Fprintf(out, "event %d: %s\n", l.ID, l.Status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d event logs not resubmitted", failed, len(ids))
	}
	return nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid event log id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
