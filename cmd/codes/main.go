package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/malwarebo/portrait/analytics"
	"github.com/malwarebo/portrait/cache"
	"github.com/malwarebo/portrait/config"
	"github.com/malwarebo/portrait/db"
	"github.com/malwarebo/portrait/models"
	"github.com/malwarebo/portrait/services"
	"github.com/malwarebo/portrait/stores"
	"github.com/malwarebo/portrait/utils"
)

var (
	generateCount   int
	generateMaxUses int
	exportOut       string
	attemptsOut     string
	statusSet       string
	reportPeriod    string
)

// env is what every subcommand needs: the code service and a way to release it.
type env struct {
	codes   *services.CodeService
	reports *analytics.UsageReporter
	close   func()
}

func openEnv(migrate bool) (*env, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	utils.SetOutput(os.Stderr, cfg.Monitoring.LogLevel)

	database, err := db.CreateDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if migrate {
		if err := db.CreateNewMigrator(database.DB).Up(); err != nil {
			database.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	closers := []func(){func() { database.Close() }}
	var statusCache services.StatusCache
	if cfg.RedisEnabled() {
		rc, err := cache.CreateRedisCache(cache.RedisConfig{
			URL:      cfg.Redis.URL,
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: redis unavailable, cached status may be stale: %v\n", err)
		} else {
			statusCache = rc
			closers = append(closers, func() { rc.Close() })
		}
	}

	attempts := stores.CreateVerificationAttemptStore(database.DB)
	return &env{
		codes:   services.CreateCodeService(stores.CreateAccessCodeStore(database.DB), attempts, statusCache),
		reports: analytics.CreateUsageReporter(stores.CreateGenerationLogStore(database.DB), attempts, nil),
		close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		},
	}, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Minute)
}

func output(path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

func runGenerate(_ *cobra.Command, _ []string) error {
	e, err := openEnv(true)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := commandContext()
	defer cancel()

	created, err := e.codes.GenerateCodes(ctx, generateCount, generateMaxUses)
	if err != nil {
		return err
	}
	for _, c := range created {
		fmt.Println(c)
	}
	fmt.Fprintf(os.Stderr, "generated %d codes with %d uses each\n", len(created), generateMaxUses)
	return nil
}

func runExport(_ *cobra.Command, _ []string) error {
	e, err := openEnv(false)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := commandContext()
	defer cancel()

	active, err := e.codes.ExportActiveCodes(ctx)
	if err != nil {
		return err
	}
	w, closeOut, err := output(exportOut)
	if err != nil {
		return err
	}
	for _, c := range active {
		fmt.Fprintln(w, c)
	}
	if err := closeOut(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "exported %d active codes\n", len(active))
	return nil
}

func runAttempts(_ *cobra.Command, _ []string) error {
	e, err := openEnv(false)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := commandContext()
	defer cancel()

	w, closeOut, err := output(attemptsOut)
	if err != nil {
		return err
	}
	if err := e.codes.ExportAttemptsCSV(ctx, w); err != nil {
		closeOut()
		return err
	}
	return closeOut()
}

func runReset(_ *cobra.Command, args []string) error {
	e, err := openEnv(false)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := commandContext()
	defer cancel()

	if err := e.codes.ResetCode(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("%s reset to 0 uses\n", utils.NormalizeCode(args[0]))
	return nil
}

func runStatus(_ *cobra.Command, args []string) error {
	e, err := openEnv(false)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := commandContext()
	defer cancel()

	if statusSet != "" {
		n, err := e.codes.SetStatus(ctx, args, models.CodeStatus(strings.ToLower(statusSet)))
		if err != nil {
			return err
		}
		fmt.Printf("updated %d codes to %s\n", n, strings.ToLower(statusSet))
		return nil
	}

	for _, raw := range args {
		ac, err := e.codes.GetCode(ctx, raw)
		if err != nil {
			fmt.Printf("%-10s not found\n", utils.NormalizeCode(raw))
			continue
		}
		fmt.Printf("%-10s %-8s used %d/%d\n", ac.Code, ac.Status, ac.UsedCount, ac.MaxUses)
	}
	return nil
}

func runReport(_ *cobra.Command, _ []string) error {
	e, err := openEnv(false)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := commandContext()
	defer cancel()

	report, err := e.reports.GetUsageReport(ctx, reportPeriod)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	database, err := db.CreateDB(cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()

	migrator := db.CreateNewMigrator(database.DB)
	if err := migrator.Up(); err != nil {
		return err
	}
	status, err := migrator.Status()
	if err != nil {
		return err
	}
	for _, s := range status {
		state := "pending"
		if s.Applied {
			state = "applied"
		}
		fmt.Printf("%s  %-32s %s\n", s.Version, s.Name, state)
	}
	return nil
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "portrait-codes",
		Short:         "Manage portrait access codes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Issue a batch of new access codes",
		Args:  cobra.NoArgs,
		RunE:  runGenerate,
	}
	generateCmd.Flags().IntVarP(&generateCount, "count", "n", 10, "number of codes to issue")
	generateCmd.Flags().IntVar(&generateMaxUses, "max-uses", 3, "generations allowed per code")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Print every active code, one per line",
		Args:  cobra.NoArgs,
		RunE:  runExport,
	}
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "write to a file instead of stdout")

	attemptsCmd := &cobra.Command{
		Use:   "attempts",
		Short: "Export recent verification attempts as CSV",
		Args:  cobra.NoArgs,
		RunE:  runAttempts,
	}
	attemptsCmd.Flags().StringVarP(&attemptsOut, "out", "o", "", "write to a file instead of stdout")

	resetCmd := &cobra.Command{
		Use:   "reset CODE",
		Short: "Zero the usage counter of a code",
		Args:  cobra.ExactArgs(1),
		RunE:  runReset,
	}

	statusCmd := &cobra.Command{
		Use:   "status CODE...",
		Short: "Show codes, or change their status with --set",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&statusSet, "set", "", "new status: active or inactive")

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Print generation and verification usage as JSON",
		Args:  cobra.NoArgs,
		RunE:  runReport,
	}
	reportCmd.Flags().StringVarP(&reportPeriod, "period", "p", analytics.PeriodDaily, "daily, weekly or monthly")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}

	root.AddCommand(generateCmd, exportCmd, attemptsCmd, resetCmd, statusCmd, reportCmd, migrateCmd)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
