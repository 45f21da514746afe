package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"endpoint-posture/internal/adapters/notify"
	"endpoint-posture/internal/adapters/rules"
	"endpoint-posture/internal/adapters/snapshotfmt"
	sqliteadapter "endpoint-posture/internal/adapters/store/sqlite"
	"endpoint-posture/internal/app"
	"endpoint-posture/internal/domain/model"
	"endpoint-posture/internal/platform/lock"
	"endpoint-posture/internal/platform/logging"
	"endpoint-posture/internal/platform/metrics"
	"endpoint-posture/internal/services/api"
	"endpoint-posture/internal/services/posture"
	"endpoint-posture/internal/services/privacy"
	"endpoint-posture/internal/services/sweep"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CLI 入口。所有子命令错误都统一输出到 stderr 并返回非 0 状态码。
func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cli 持有一次调用共享的配置、日志与指标。
type cli struct {
	cfg      app.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	out      io.Writer
}

// run 是一级命令路由。
func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		printUsage(out)
		return nil
	}

	cfg, err := app.LoadConfig(os.Getenv("POSTURE_ENV_FILE"))
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Environment, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	c := &cli{cfg: cfg, logger: logger, registry: reg, metrics: metrics.New(reg), out: out}

	switch args[0] {
	case "migrate":
		return c.runMigrate(ctx, args[1:])
	case "policies":
		return c.runPolicies(ctx, args[1:])
	case "ingest":
		return c.runIngest(ctx, args[1:])
	case "sweep":
		return c.runSweep(ctx, args[1:])
	case "violations":
		return c.runViolations(ctx, args[1:])
	case "compliance":
		return c.runCompliance(ctx, args[1:])
	case "network":
		return c.runNetwork(ctx, args[1:])
	case "ioc":
		return c.runIOC(ctx, args[1:])
	case "export":
		return c.runExport(ctx, args[1:])
	case "verify":
		return c.runVerify(ctx, args[1:])
	case "serve":
		return c.runServe(ctx, args[1:])
	default:
		printUsage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// dbFlags 是所有访问数据库的子命令共用的参数。
type dbFlags struct {
	path      *string
	noMigrate *bool
}

func (c *cli) addDBFlags(fs *flag.FlagSet) dbFlags {
	return dbFlags{
		path:      fs.String("db", c.cfg.DBPath, "sqlite database path"),
		noMigrate: fs.Bool("no-migrate", !c.cfg.AutoMigrate, "do not apply migrations; fail when schema is behind"),
	}
}

// session 是一次命令持有的数据库连接。
type session struct {
	db       *sql.DB
	store    *sqliteadapter.Store
	migrator *sqliteadapter.Migrator
}

func (s *session) Close() error { return s.db.Close() }

// open 打开数据库；默认先执行 Migrator.Up，--no-migrate 时只校验 schema 已是最新。
func (c *cli) open(ctx context.Context, f dbFlags) (*session, error) {
	if err := os.MkdirAll(filepath.Dir(*f.path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sqliteadapter.Open(ctx, *f.path)
	if err != nil {
		return nil, err
	}
	s := &session{db: db, store: sqliteadapter.NewStore(db), migrator: sqliteadapter.NewMigrator(db)}

	if *f.noMigrate {
		if err := s.migrator.EnsureCurrent(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil
	}
	applied, err := s.migrator.Up(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	if len(applied) > 0 {
		c.recordMigrations(ctx, s, "up", applied)
	}
	return s, nil
}

func (c *cli) recordMigrations(ctx context.Context, s *session, direction string, names []string) {
	c.metrics.MigrationsApplied.Add(float64(len(names)))
	c.logger.Info("migrations applied", zap.String("direction", direction), zap.Strings("names", names))
	if err := s.store.AppendAudit(ctx, model.AuditEntry{
		EventType: "migration",
		Action:    direction,
		Status:    "success",
		Actor:     operatorName(),
		Source:    "posture-cli",
		Detail:    map[string]any{"migrations": names},
	}); err != nil {
		c.logger.Warn("append migration audit failed", zap.Error(err))
	}
}

// engine 按配置组装态势引擎：通知链 = 日志 + 可选 NATS/Kafka，外层 LRU 去重；
// 配置了 Redis 时使用分布式锁，否则使用进程内锁。
func (c *cli) engine(ctx context.Context, s *session) (*posture.Engine, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	sinks := notify.Multi{notify.NewLogNotifier(c.logger)}
	if c.cfg.NATSURL != "" {
		n, err := notify.NewNATSNotifier(c.cfg.NATSURL, c.cfg.NATSSubject)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		sinks = append(sinks, n)
	}
	if len(c.cfg.KafkaBrokers) > 0 {
		k, err := notify.NewKafkaNotifier(c.cfg.KafkaBrokers, c.cfg.KafkaTopic)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		sinks = append(sinks, k)
	}
	notifier, err := notify.NewDeduper(sinks, 4096)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closers = append(closers, notifier.Close)

	var locker lock.Locker = lock.NewKeyed()
	if c.cfg.RedisURL != "" {
		r, err := lock.NewRedisFromURL(c.cfg.RedisURL, "posture:lock:", 30*time.Second)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		if err := r.Ping(ctx); err != nil {
			_ = r.Close()
			cleanup()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		closers = append(closers, r.Close)
		locker = r
	}

	eng := posture.New(posture.Deps{
		Store:    s.store,
		Locker:   locker,
		Notifier: notifier,
		Logger:   c.logger,
		Metrics:  c.metrics,
		Weights:  c.penalties(ctx),
	})
	return eng, cleanup, nil
}

// penalties 从策略文件读取扣分表；文件缺失或无效时使用默认值。
func (c *cli) penalties(ctx context.Context) model.PenaltyWeights {
	loaded, err := rules.NewLoader(c.cfg.PolicyPath).Load(ctx)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("policy bundle unusable, default penalties in effect", zap.String("path", c.cfg.PolicyPath), zap.Error(err))
		}
		return model.DefaultPenaltyWeights()
	}
	return loaded.Penalties
}

// runMigrate 是 migrate 子命令路由：up / down / status。
func (c *cli) runMigrate(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printMigrateUsage(c.out)
		return nil
	}
	sub := args[0]
	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	dbPath := fs.String("db", c.cfg.DBPath, "sqlite database path")
	asJSON := fs.Bool("json", false, "print as json")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(*dbPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}
	db, err := sqliteadapter.Open(ctx, *dbPath)
	if err != nil {
		return err
	}
	s := &session{db: db, store: sqliteadapter.NewStore(db), migrator: sqliteadapter.NewMigrator(db)}
	defer s.Close()

	switch sub {
	case "up":
		applied, err := s.migrator.Up(ctx)
		if err != nil {
			return err
		}
		if len(applied) > 0 {
			c.recordMigrations(ctx, s, "up", applied)
		}
		fmt.Fprintf(c.out, "migrations applied: %d db=%s\n", len(applied), *dbPath)
		for _, name := range applied {
			fmt.Fprintf(c.out, "  + %s\n", name)
		}
		return nil
	case "down":
		name, err := s.migrator.Down(ctx)
		if err != nil {
			return err
		}
		if name == "" {
			fmt.Fprintln(c.out, "nothing to revert")
			return nil
		}
		c.logger.Info("migration reverted", zap.String("name", name))
		fmt.Fprintf(c.out, "reverted: %s\n", name)
		return nil
	case "status":
		states, err := s.migrator.Status(ctx)
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(c.out, states)
		}
		for _, st := range states {
			mark := "pending"
			if st.Applied {
				mark = "applied"
			}
			fmt.Fprintf(c.out, "%-40s %-8s reversible=%t\n", st.Name, mark, st.Reversible)
		}
		return nil
	default:
		printMigrateUsage(c.out)
		return fmt.Errorf("unknown migrate command: %s", sub)
	}
}

// runPolicies 是 policies 子命令路由：validate / sync。
func (c *cli) runPolicies(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printPoliciesUsage(c.out)
		return nil
	}
	switch args[0] {
	case "validate":
		return c.runPoliciesValidate(ctx, args[1:])
	case "sync":
		return c.runPoliciesSync(ctx, args[1:])
	default:
		printPoliciesUsage(c.out)
		return fmt.Errorf("unknown policies command: %s", args[0])
	}
}

// runPoliciesValidate 检查策略文件合法性，输出版本与哈希摘要。
func (c *cli) runPoliciesValidate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("policies validate", flag.ContinueOnError)
	file := fs.String("file", c.cfg.PolicyPath, "policy bundle file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	loaded, err := rules.NewLoader(*file).Load(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, "policy validation passed")
	fmt.Fprintf(c.out, "version=%s total=%d enabled=%d rules=%d sha256=%s\n",
		loaded.Version, len(loaded.Policies), countEnabled(loaded.Policies), countRules(loaded.Policies), loaded.SHA256)
	return nil
}

// runPoliciesSync 把策略文件按名称写入库；文件中不存在的策略只停用不删除。
func (c *cli) runPoliciesSync(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("policies sync", flag.ContinueOnError)
	file := fs.String("file", c.cfg.PolicyPath, "policy bundle file")
	db := c.addDBFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	loaded, err := rules.NewLoader(*file).Load(ctx)
	if err != nil {
		return err
	}
	s, err := c.open(ctx, db)
	if err != nil {
		return err
	}
	defer s.Close()

	names := make([]string, 0, len(loaded.Policies))
	for _, p := range loaded.Policies {
		if _, err := s.store.UpsertPolicy(ctx, p); err != nil {
			return fmt.Errorf("sync policy %s: %w", p.Name, err)
		}
		names = append(names, p.Name)
	}
	disabled, err := s.store.DisablePoliciesExcept(ctx, names)
	if err != nil {
		return err
	}

	if err := s.store.AppendAudit(ctx, model.AuditEntry{
		EventType: "policy",
		Action:    "sync",
		Status:    "success",
		Actor:     operatorName(),
		Source:    "posture-cli",
		Detail: map[string]any{
			"file":     *file,
			"version":  loaded.Version,
			"sha256":   loaded.SHA256,
			"policies": names,
			"disabled": disabled,
		},
	}); err != nil {
		c.logger.Warn("append policy sync audit failed", zap.Error(err))
	}

	fmt.Fprintln(c.out, "policy sync completed")
	fmt.Fprintf(c.out, "version=%s synced=%d disabled=%d sha256=%s\n", loaded.Version, len(names), disabled, loaded.SHA256)
	return nil
}

// runIngest 从文件读取一份快照（JSON / YAML / plist）并走完整评估流程。
func (c *cli) runIngest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	file := fs.String("file", "", "snapshot file (required)")
	actor := fs.String("actor", operatorName(), "operator id or name")
	asJSON := fs.Bool("json", false, "print as json")
	db := c.addDBFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*file) == "" {
		return fmt.Errorf("--file is required")
	}
	raw, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	dec, err := snapshotfmt.NewDecoder()
	if err != nil {
		return err
	}
	snap, format, err := dec.Decode(raw)
	if err != nil {
		return err
	}

	s, err := c.open(ctx, db)
	if err != nil {
		return err
	}
	defer s.Close()
	eng, cleanup, err := c.engine(ctx, s)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := eng.Ingest(ctx, posture.SnapshotInput{Snapshot: *snap, Source: "cli", Actor: *actor})
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(c.out, res)
	}
	fmt.Fprintln(c.out, "snapshot ingested")
	fmt.Fprintf(c.out, "client_id=%d snapshot_id=%d format=%s checksum=%s\n", res.ClientID, res.SnapshotID, format, res.Checksum)
	fmt.Fprintf(c.out, "checks=%d/%d created=%d auto_resolved=%d escalated=%d network_changes=%d\n",
		res.Passed, res.Total, res.Created, res.Resolved, res.Escalated, res.ChangeCount)
	fmt.Fprintf(c.out, "compliance_score=%d threat_level=%s\n", res.OverallScore, res.ThreatLevel)
	return nil
}

// runSweep 执行周期巡检；--once 只跑一轮并输出结果。
func (c *cli) runSweep(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	once := fs.Bool("once", false, "run a single sweep and exit")
	tick := fs.Duration("tick", c.cfg.SweepTick, "sweep interval")
	concurrency := fs.Int("concurrency", c.cfg.SweepConcurrency, "clients evaluated in parallel")
	db := c.addDBFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := c.open(ctx, db)
	if err != nil {
		return err
	}
	defer s.Close()
	eng, cleanup, err := c.engine(ctx, s)
	if err != nil {
		return err
	}
	defer cleanup()

	sw := sweep.New(s.store, eng, *tick, *concurrency, c.logger, c.metrics)
	if *once {
		res, err := sw.RunOnce(ctx)
		if err != nil {
			return err
		}
		return printJSON(c.out, res)
	}

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := sw.Run(sigCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runServe 启动 HTTP 接口，并在同一进程内运行周期巡检。
func (c *cli) runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := fs.String("listen", c.cfg.ListenAddr, "listen address")
	privacyMode := fs.String("privacy-mode", c.cfg.PrivacyMode, "privacy mode: off|masked")
	withSweep := fs.Bool("sweep", true, "run the periodic policy sweep in-process")
	origins := fs.String("cors-origins", "*", "comma separated allowed origins")
	db := c.addDBFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	mode := privacy.ParseMode(*privacyMode)

	s, err := c.open(ctx, db)
	if err != nil {
		return err
	}
	defer s.Close()
	eng, cleanup, err := c.engine(ctx, s)
	if err != nil {
		return err
	}
	defer cleanup()
	dec, err := snapshotfmt.NewDecoder()
	if err != nil {
		return err
	}

	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv := api.New(api.Options{
		Store:          s.store,
		Migrator:       s.migrator,
		Engine:         eng,
		Decoder:        dec,
		Gatherer:       c.registry,
		Logger:         c.logger,
		Privacy:        mode,
		AllowedOrigins: splitCSV(*origins),
	})

	// 支持 Ctrl+C 优雅退出。
	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		return api.Run(gctx, *listen, srv.Handler(), c.logger)
	})
	if *withSweep {
		sw := sweep.New(s.store, eng, c.cfg.SweepTick, c.cfg.SweepConcurrency, c.logger, c.metrics)
		g.Go(func() error {
			if err := sw.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func countEnabled(policies []model.SecurityPolicy) int {
	total := 0
	for _, p := range policies {
		if p.Enabled {
			total++
		}
	}
	return total
}

func countRules(policies []model.SecurityPolicy) int {
	total := 0
	for _, p := range policies {
		total += len(p.Rules)
	}
	return total
}

func operatorName() string {
	if v := strings.TrimSpace(os.Getenv("POSTURE_OPERATOR")); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("USER")); v != "" {
		return v
	}
	return "system"
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// printUsage 输出一级命令帮助。
func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  posture-cli migrate up|down|status [--db data/posture.db]")
	fmt.Fprintln(w, "  posture-cli policies validate|sync [--file policies/security_policies.yaml]")
	fmt.Fprintln(w, "  posture-cli ingest --file snapshot.json [--actor name]")
	fmt.Fprintln(w, "  posture-cli sweep [--once] [--tick 30s] [--concurrency 4]")
	fmt.Fprintln(w, "  posture-cli violations list|ack|resolve|false-positive ...")
	fmt.Fprintln(w, "  posture-cli compliance show --client-id ID")
	fmt.Fprintln(w, "  posture-cli network changes --client-id ID [--limit 50]")
	fmt.Fprintln(w, "  posture-cli ioc add|list|distribute ...")
	fmt.Fprintln(w, "  posture-cli export pdf --client-id ID [--out-dir data/reports]")
	fmt.Fprintln(w, "  posture-cli verify audit [--client-id ID]")
	fmt.Fprintln(w, "  posture-cli serve [--listen :8080] [--privacy-mode off|masked]")
	fmt.Fprintln(w, "Commands that open the database accept --db and --no-migrate.")
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  posture-cli migrate up [--db path]")
	fmt.Fprintln(w, "  posture-cli migrate down [--db path]")
	fmt.Fprintln(w, "  posture-cli migrate status [--db path] [--json]")
}

func printPoliciesUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  posture-cli policies validate [--file path]")
	fmt.Fprintln(w, "  posture-cli policies sync [--file path] [--db path] [--no-migrate]")
}

func printJSON(w io.Writer, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(raw))
	return nil
}
