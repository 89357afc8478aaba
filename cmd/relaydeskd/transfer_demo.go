package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/relaydesk/core/internal/app"
	"github.com/relaydesk/core/internal/config"
	"github.com/relaydesk/core/internal/transfer"
)

// pollInterval is how often the demo command samples the transfer
// queue's snapshot to advance the progress bar. The queue itself emits
// TransferUpdate events at its own bounded rate; polling the snapshot
// here keeps this one-shot CLI command decoupled from the bus.
const pollInterval = 200 * time.Millisecond

func newTransferCommand() *cobra.Command {
	var (
		dataDir    string
		hostID     string
		localPath  string
		remotePath string
		download   bool
	)

	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "run a single upload or download against a registered host, showing progress",
		RunE: func(cmd *cobra.Command, _ []string) error {
			direction := transfer.Upload
			if download {
				direction = transfer.Download
			}
			return runTransferDemo(cmd.Context(), dataDir, hostID, localPath, remotePath, direction)
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory holding hosts.json/credentials.json (default: OS config dir)")
	cmd.Flags().StringVar(&hostID, "host", "", "registered host id to transfer against")
	cmd.Flags().StringVar(&localPath, "local", "", "local file path")
	cmd.Flags().StringVar(&remotePath, "remote", "", "remote file path")
	cmd.Flags().BoolVar(&download, "download", false, "download from the host instead of uploading to it")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("local")
	_ = cmd.MarkFlagRequired("remote")

	return cmd
}

func runTransferDemo(ctx context.Context, dataDir, hostID, localPath, remotePath string, direction transfer.Direction) error {
	a, err := app.New(config.Config{DataDir: dataDir})
	if err != nil {
		return trace.Wrap(err)
	}
	defer a.Shutdown()

	jobID, err := a.Transfers.Add(transfer.JobSpec{
		Direction:  direction,
		HostID:     hostID,
		LocalPath:  localPath,
		RemotePath: remotePath,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	bar := progressbar.NewOptions64(
		0,
		progressbar.OptionSetDescription(fmt.Sprintf("%s %s", direction, remotePath)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(10),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-ticker.C:
		}

		job, ok := findJob(a, jobID)
		if !ok {
			return trace.NotFound("transfer job %q disappeared from the queue", jobID)
		}

		if job.SizeBytes > 0 {
			bar.ChangeMax64(job.SizeBytes)
		}
		_ = bar.Set64(job.BytesDone)

		switch job.State {
		case transfer.StateCompleted:
			_ = bar.Finish()
			return nil
		case transfer.StateFailed:
			return trace.Errorf("transfer failed: %s", job.Error)
		case transfer.StateCancelled:
			return trace.Errorf("transfer cancelled")
		case transfer.StateAwaitingConflict:
			return trace.Errorf("transfer %q hit a conflict; resolve it over the event bus instead of the CLI demo", jobID)
		}
	}
}

func findJob(a *app.App, jobID string) (transfer.Job, bool) {
	jobs, _ := a.Transfers.Snapshot()
	for _, j := range jobs {
		if j.ID == jobID {
			return j, true
		}
	}
	return transfer.Job{}, false
}
