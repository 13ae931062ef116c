package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/fieldsync/internal/app"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
	"github.com/tildaslashalef/fieldsync/internal/outbox"
	fsync "github.com/tildaslashalef/fieldsync/internal/sync"
	"github.com/tildaslashalef/fieldsync/internal/utils"
)

// SyncCommand returns the CLI command for synchronizing with the server
func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:        "sync",
		Usage:       "Synchronize local changes with the server",
		Description: "Push queued changes, pull server updates and inspect the sync engine",
		Subcommands: []*cli.Command{
			{
				Name:   "now",
				Usage:  "Run one full sync cycle",
				Action: syncNowAction,
			},
			{
				Name:   "status",
				Usage:  "Show connectivity, queue health and the last cycle",
				Action: syncStatusAction,
			},
			{
				Name:  "queue",
				Usage: "List queued operations",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "pending, processing or failed"},
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum rows", Value: 50},
				},
				Action: syncQueueAction,
			},
			{
				Name:  "retry",
				Usage: "Give failed operations a fresh set of attempts",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "now", Usage: "Sync right after requeueing"},
				},
				Action: syncRetryAction,
			},
			{
				Name:   "recover",
				Usage:  "Release abandoned operations and requeue unsent local changes",
				Action: syncRecoverAction,
			},
			{
				Name:   "run",
				Usage:  "Keep syncing in the foreground until interrupted",
				Action: syncRunAction,
			},
			{
				Name:  "history",
				Usage: "List recent sync cycles",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum rows", Value: 20},
				},
				Action: syncHistoryAction,
			},
			{
				Name:  "config",
				Usage: "Configure the server connection",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "server", Usage: "Server base URL"},
					&cli.StringFlag{Name: "token", Usage: "Access token issued by the server"},
					&cli.StringFlag{Name: "device-name", Usage: "Name shown for this device"},
					&cli.BoolFlag{Name: "reset-cursors", Usage: "Pull everything again on the next sync"},
				},
				Action: syncConfigAction,
			},
		},
		Action: syncNowAction,
	}
}

func syncNowAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	loggy.Info("Starting manual sync")
	utils.PrintInfo("Syncing with " + color.CyanString(application.Config.Server.URL))

	res, err := application.Sync.SyncNow(c.Context)
	printCycle(res)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Sync failed: %s", err))
		return err
	}
	utils.PrintSuccess("Sync complete")
	return nil
}

func printCycle(res fsync.CycleResult) {
	if res.ID == "" {
		return
	}
	utils.PrintKeyValue("Cycle", res.ID)
	utils.PrintKeyValue("Pushed", fmt.Sprintf("%d", res.Pushed()))
	if res.Batch.Retried+res.Batch.Requeued > 0 {
		utils.PrintKeyValue("Retrying", fmt.Sprintf("%d", res.Batch.Retried+res.Batch.Requeued))
	}
	if res.Batch.Failed > 0 {
		utils.PrintKeyValue("Failed", color.RedString("%d", res.Batch.Failed))
	}
	utils.PrintKeyValue("Pulled", fmt.Sprintf("%d", res.Pulled))
	if res.Deferred > 0 {
		utils.PrintKeyValue("Deferred", fmt.Sprintf("%d", res.Deferred))
	}
	utils.PrintKeyValue("Took", res.CompletedAt.Sub(res.StartedAt).Round(time.Millisecond).String())
}

func syncStatusAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	online := application.Monitor.Check(ctx)
	health, err := application.Outbox.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to read outbox health: %w", err)
	}
	metrics, err := application.Outbox.Metrics(ctx)
	if err != nil {
		return fmt.Errorf("failed to read outbox metrics: %w", err)
	}
	last, err := application.History.GetLatestSyncLog(ctx)
	if err != nil {
		return fmt.Errorf("failed to read sync history: %w", err)
	}

	utils.PrintHeading("Sync status")
	utils.PrintKeyValue("Server", application.Config.Server.URL)
	utils.PrintKeyValue("Device", fmt.Sprintf("%s (%s)", application.Config.Server.DeviceName, application.DeviceID))
	if online {
		utils.PrintKeyValue("Connectivity", utils.Colorize("online"))
	} else {
		utils.PrintKeyValue("Connectivity", utils.Colorize("offline"))
	}

	utils.PrintDivider()
	utils.PrintKeyValue("Pending", fmt.Sprintf("%d", health.PendingOperations))
	utils.PrintKeyValue("Processing", fmt.Sprintf("%d", health.Processing))
	utils.PrintKeyValue("Failed", fmt.Sprintf("%d", health.Failed))
	utils.PrintKeyValue("Oldest pending", utils.FormatAge(health.OldestPendingAge))
	utils.PrintKeyValue("Completed", fmt.Sprintf("%d", metrics.Completed))
	next, err := application.Outbox.NextEligibleAt(ctx)
	if err != nil {
		return fmt.Errorf("failed to read outbox schedule: %w", err)
	}
	utils.PrintKeyValue("Next attempt", utils.FormatTime(next))

	utils.PrintDivider()
	if last == nil {
		utils.PrintInfo("No sync has run yet")
		return nil
	}
	result := "success"
	if !last.Success {
		result = "error"
	}
	utils.PrintKeyValue("Last cycle", fmt.Sprintf("%s (%s)", utils.Colorize(result), last.Trigger))
	utils.PrintKeyValue("Finished", utils.FormatTime(&last.CompletedAt))
	if last.ErrorMessage != "" {
		utils.PrintKeyValue("Error", fmt.Sprintf("[%s] %s", last.ErrorType, last.ErrorMessage))
	}
	if health.Failed > 0 {
		utils.PrintWarning("Some changes exhausted their retries; run 'fieldsync sync retry' to try again")
	}
	return nil
}

func syncQueueAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	ops, err := application.Outbox.List(c.Context, outbox.ListFilter{
		Status: outbox.Status(c.String("status")),
		Limit:  c.Int("limit"),
	})
	if err != nil {
		return fmt.Errorf("failed to list operations: %w", err)
	}
	if len(ops) == 0 {
		utils.PrintSuccess("Nothing queued")
		return nil
	}

	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		rows = append(rows, []string{
			fmt.Sprintf("%d", op.SequenceNumber),
			string(op.Kind),
			fmt.Sprintf("%s %s", op.EntityType, op.EntityID),
			utils.Colorize(string(op.Status)),
			fmt.Sprintf("%d/%d", op.Attempts, op.MaxAttempts),
			utils.FormatTime(&op.NextAttemptAt),
			utils.Truncate(op.LastError, 40),
		})
	}
	utils.PrintTable([]string{"Seq", "Kind", "Entity", "Status", "Attempts", "Next attempt", "Last error"}, rows,
		utils.TableOptions{Title: "OUTBOX"})
	return nil
}

func syncRetryAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	n, err := application.Outbox.RetryFailed(c.Context)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to requeue operations: %s", err))
		return err
	}
	if n == 0 {
		utils.PrintInfo("No failed operations")
		return nil
	}
	utils.PrintSuccess(fmt.Sprintf("Requeued %d failed operation(s)", n))

	if c.Bool("now") {
		return syncNowAction(c)
	}
	return nil
}

func syncRecoverAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	stale, orphans, err := application.Recover(c.Context)
	if err != nil {
		utils.PrintError(err.Error())
		return err
	}
	utils.PrintSuccess(fmt.Sprintf("Released %d abandoned operation(s), requeued %d unsent change(s)", stale, orphans))
	return nil
}

func syncRunAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	unsubscribe := application.Sync.Subscribe(func(s fsync.Status) {
		line := fmt.Sprintf("%s  state=%s pending=%d failed=%d",
			time.Now().Format("15:04:05"), utils.Colorize(string(s.State)), s.Pending, s.Failed)
		if !s.Online {
			line += " " + utils.Colorize("offline")
		}
		if s.LastError != "" {
			line += " error=" + utils.Truncate(s.LastError, 60)
		}
		fmt.Println(line)
	})
	defer unsubscribe()

	utils.PrintInfo("Syncing with " + color.CyanString(application.Config.Server.URL) + ", press Ctrl+C to stop")
	if application.Config.Metrics.Enabled {
		utils.PrintInfo("Metrics on " + color.CyanString("http://%s/metrics", application.Config.Metrics.Addr))
	}

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		utils.PrintError(fmt.Sprintf("Sync engine stopped: %s", err))
		return err
	}
	utils.PrintSuccess("Stopped")
	return nil
}

func syncHistoryAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	logs, err := application.History.GetSyncLogs(c.Context, c.Int("limit"), 0)
	if err != nil {
		return fmt.Errorf("failed to read sync history: %w", err)
	}
	if len(logs) == 0 {
		utils.PrintInfo("No sync has run yet")
		return nil
	}

	rows := make([][]string, 0, len(logs))
	for _, l := range logs {
		result := "success"
		if !l.Success {
			result = "error"
		}
		rows = append(rows, []string{
			utils.FormatTime(&l.CompletedAt),
			string(l.Trigger),
			utils.Colorize(result),
			fmt.Sprintf("%d", l.Pushed),
			fmt.Sprintf("%d", l.Pulled),
			fmt.Sprintf("%d", l.Deferred),
			l.CompletedAt.Sub(l.StartedAt).Round(time.Millisecond).String(),
			utils.Truncate(l.ErrorMessage, 40),
		})
	}
	utils.PrintTable([]string{"Finished", "Trigger", "Result", "Pushed", "Pulled", "Deferred", "Took", "Error"}, rows,
		utils.TableOptions{Title: "SYNC HISTORY"})
	return nil
}

func syncConfigAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	ctx := c.Context
	settings := application.Settings

	changed := false
	if c.IsSet("server") {
		if err := settings.SetServerURL(ctx, c.String("server")); err != nil {
			return fmt.Errorf("failed to save server URL: %w", err)
		}
		changed = true
	}
	if c.IsSet("token") {
		if err := settings.SetToken(ctx, c.String("token")); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}
		application.Client.SetToken(c.String("token"))
		changed = true
	}
	if c.IsSet("device-name") {
		if err := settings.SetDeviceName(ctx, c.String("device-name")); err != nil {
			return fmt.Errorf("failed to save device name: %w", err)
		}
		changed = true
	}
	if c.Bool("reset-cursors") {
		if err := settings.ResetCursors(ctx); err != nil {
			return fmt.Errorf("failed to reset pull cursors: %w", err)
		}
		changed = true
	}

	if changed {
		utils.PrintSuccess("Settings saved")
	}
	utils.PrintKeyValue("Server", application.Config.Server.URL)
	utils.PrintKeyValue("Device", application.Config.Server.DeviceName)
	if application.Config.Server.Token != "" {
		utils.PrintKeyValue("Token", color.GreenString("configured"))
	} else {
		utils.PrintKeyValue("Token", color.YellowString("not set"))
	}
	return nil
}
