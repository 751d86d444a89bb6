package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/vmrunner/internal/job"
	"github.com/antonkrylov/vmrunner/internal/transcript"
)

func newTranscriptCmd(root *rootOptions) *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "transcript [job-id]",
		Short: "List stored job transcripts or print one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := transcript.New(root.cfg.TranscriptDir(), root.logger)
			if len(args) == 0 {
				list, err := store.List()
				if err != nil {
					return err
				}
				printTranscripts(list)
				return nil
			}
			id := job.ID(args[0])
			if remove {
				return store.Delete(id)
			}
			return store.Replay(id, os.Stdout)
		},
	}
	cmd.Flags().BoolVar(&remove, "rm", false, "delete the transcript instead of printing it")
	return cmd
}

func printTranscripts(list []transcript.Meta) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tVM\tSTARTED\tDURATION\tRESULT\tBYTES")
	for _, m := range list {
		duration := "-"
		if m.FinishedAt != nil {
			duration = m.FinishedAt.Sub(m.StartedAt).Round(time.Second).String()
		}
		result := "-"
		if m.Result != nil {
			result = fmt.Sprint(*m.Result)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			m.JobID, m.VM, m.StartedAt.Local().Format(time.DateTime), duration, result, m.Bytes)
	}
	_ = tw.Flush()
}
