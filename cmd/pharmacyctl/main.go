package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odyssey-erp/odyssey-pharmacy/cmd/pharmacyctl/cli"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/app"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/auth"
	"github.com/odyssey-erp/odyssey-pharmacy/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pharmacy/jobs"
	"github.com/odyssey-erp/odyssey-pharmacy/migrations"
)

const usage = `usage: pharmacyctl <command> [flags]

commands:
  migrate                         apply pending schema migrations
  token   --user --tenant --role  issue an access token
  jobs    trigger <task> | stats  manage background jobs`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	switch os.Args[1] {
	case "migrate":
		err = runMigrate(ctx, cfg, logger)
	case "token":
		err = runToken(cfg, os.Args[2:])
	case "jobs":
		err = runJobs(ctx, cfg, os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error(os.Args[1], slog.Any("error", err))
		os.Exit(1)
	}
}

func runMigrate(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{ApplicationName: "pharmacyctl"})
	if err != nil {
		return err
	}
	defer pool.Close()
	n, err := db.Migrate(ctx, pool, migrations.Files, logger)
	if err != nil {
		return err
	}
	fmt.Printf("applied %d migration(s)\n", n)
	return nil
}

func runToken(cfg *app.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	var req cli.TokenRequest
	fs.Int64Var(&req.UserID, "user", 0, "user id (sub)")
	fs.Int64Var(&req.TenantID, "tenant", 0, "tenant id")
	fs.StringVar(&req.Role, "role", "Cashier", "Cashier, Pharmacist, TenantAdmin or SuperAdmin")
	fs.StringVar(&req.Email, "email", "", "email claim")
	fs.StringVar(&req.Branches, "branches", "", "comma separated branch ids")
	fs.DurationVar(&req.TTL, "ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	keys, err := auth.DeriveKeys(cfg.JWTSecret)
	if err != nil {
		return err
	}
	token, err := cli.IssueToken(auth.NewIssuer(keys, cfg.JWTIssuer), req)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	days := fs.Int("days", 0, "days to keep for audit:purge (0 uses worker retention)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("jobs: expected trigger or stats")
	}

	c := cli.NewJobsCLI(cfg.RedisAddr)
	defer c.Close()

	switch rest[0] {
	case "trigger":
		if len(rest) < 2 {
			return fmt.Errorf("jobs trigger: task type required (%s, %s)", jobs.TaskAuditPurge, jobs.TaskImpersonationSweep)
		}
		info, err := c.Trigger(ctx, rest[1], *days)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "stats":
		for _, q := range []string{jobs.QueueDefault, jobs.QueueMaintenance} {
			stats, err := c.InspectQueue(q)
			if err != nil {
				return err
			}
			fmt.Printf("%-12s pending=%d active=%d scheduled=%d retry=%d\n",
				stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		}
	default:
		return fmt.Errorf("jobs: unknown subcommand %q", rest[0])
	}
	return nil
}
