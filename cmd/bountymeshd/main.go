package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"BountyMesh/internal/config"
	"BountyMesh/internal/reconcile"
	"BountyMesh/pkg/logger"
)

// main 是 BountyMesh 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatalf("bountymeshd 运行失败: %v", err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "bountymeshd",
		Usage: "智能体悬赏市场的信誉预言机与资金对账守护进程",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "JSON 配置文件路径",
				Value:   filepath.Join("configs", "bountymesh.json"),
				EnvVars: []string{"BOUNTYMESH_CONFIG"},
			},
		},
		DefaultCommand: "run",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "启动预言机、对账循环与指标服务",
				Action: runDaemon,
			},
			{
				Name:  "anomalies",
				Usage: "查看或确认资金对账异常",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "输出未确认的异常",
						Action: listAnomalies,
					},
					{
						Name:  "clear",
						Usage: "确认全部未处理异常，对账信号将在下一轮恢复",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "operator", Usage: "执行确认的运维人员", Required: true},
							&cli.StringFlag{Name: "reason", Usage: "确认原因", Required: true},
						},
						Action: clearAnomalies,
					},
				},
			},
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Service:     "bountymeshd",
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runDaemon(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	d, err := newDaemon(c.Context, cfg)
	if err != nil {
		return err
	}
	defer d.close()
	return d.run(c.Context)
}

func listAnomalies(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ledger, err := reconcile.LoadLedger(cfg.Reconciler.LedgerPath)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(ledger.Anomalies)
}

func clearAnomalies(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	operator, reason := c.String("operator"), c.String("reason")
	n, err := reconcile.ClearAnomaliesFile(cfg.Reconciler.LedgerPath, operator, reason, time.Now())
	if err != nil {
		return err
	}
	logger.Audit().Info("anomalies acknowledged",
		"operator", operator,
		"reason", reason,
		"count", n,
		"ledger", cfg.Reconciler.LedgerPath,
	)
	fmt.Fprintf(c.App.Writer, "已确认 %d 条异常\n", n)
	return nil
}
