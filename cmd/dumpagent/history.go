package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/qsmonitor/dumpagent/internal/storage"
)

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent fleet dump requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of requests to list")
	return cmd
}

func runHistory(cmd *cobra.Command, limit int) error {
	history, err := storage.Open("")
	if err != nil {
		return err
	}
	defer history.Close()

	requests, err := history.RecentRequests(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		fmt.Println("no dump requests recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ISSUE\tTRIGGER\tSTRATEGY\tTARGETS\tOK\tFAILED\tUPLOAD\tDIR")
	for _, req := range requests {
		upload := "-"
		if req.UploadSuccess != nil {
			if *req.UploadSuccess {
				upload = "ok"
			} else {
				upload = "failed"
			}
		}
		status := fmt.Sprintf("%d", req.SuccessCount)
		if !req.Finished {
			status = "running"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
			req.IssueID, req.TriggeredBy, req.PathStrategy, req.TargetCount,
			status, req.FailCount, upload, req.IssueRoot)
	}
	return w.Flush()
}
