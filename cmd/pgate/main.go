package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"pilotgate/internal/app"
	"pilotgate/internal/config"
	"pilotgate/internal/db"
	"pilotgate/internal/domain"
	"pilotgate/internal/engine"
	"pilotgate/internal/events"
	"pilotgate/internal/logging"
	"pilotgate/internal/migrate"
	"pilotgate/internal/notify"
	"pilotgate/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "pgate",
	Short: "Pilotgate CLI",
	Long: `Pilotgate governs AI coding tool pilots.
- Project: one pilot, walked through draft -> scoped -> data_approved -> security_approved -> pilot_running -> review_complete -> decision_finalized.
- Gates: role approvals (data_review, security_review, ...) a transition requires.
- Snapshot: the assets, gate reviews, risks, policies, control checks and team a project has recorded.
- Compliance: declarative rules from governance.yml evaluated against the snapshot.
- SLAs: pending gate reviews and unmitigated high risks escalate owner -> manager -> director -> executive.
- Audit log: every decision is recorded; view it with 'pgate log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("org", "", "actor organization (defaults to the configured organization)")
	flags.String("role", "admin", "actor role")
	flags.String("log-level", "", "log level override")
	for _, name := range []string{"workspace", "json", "actor-id", "org", "role", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(assetCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(controlCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(complyCmd())
	rootCmd.AddCommand(slaCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// runtime is everything a command needs to call the service.
type runtime struct {
	Cfg     *config.Config
	Conn    *sql.DB
	Logger  *zap.Logger
	Bus     *events.Bus
	Service app.Service
	Actor   domain.Actor
}

func openRuntime(busOpts ...events.Option) (*runtime, func(), error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Log.Level
	if v := viper.GetString("log-level"); v != "" {
		level = v
	}
	logger, err := logging.New(level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	bus := events.NewBus(append([]events.Option{events.WithCapacity(cfg.Events.Capacity), events.WithLogger(logger)}, busOpts...)...)
	bus.Subscribe(events.All, events.AuditWriter{DB: conn}.Handler())
	bus.Subscribe(events.All, notify.Alerts{Logger: logger}.Handler())
	eng, err := engine.FromConfig(cfg, bus)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	org := viper.GetString("org")
	if org == "" {
		org = cfg.Organization
	}
	rt := &runtime{
		Cfg:     cfg,
		Conn:    conn,
		Logger:  logger,
		Bus:     bus,
		Service: app.New(conn, eng, logger),
		Actor:   domain.Actor{ID: viper.GetString("actor-id"), OrgID: org, Role: viper.GetString("role")},
	}
	cleanup := func() {
		_ = logger.Sync()
		conn.Close()
	}
	return rt, cleanup, nil
}

func withService(ctx context.Context, fn func(context.Context, *runtime) error) error {
	rt, cleanup, err := openRuntime()
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, rt)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// printJSONOrTable prints v as JSON, or renders it as a table when a
// renderer is given and --json is off.
func printJSONOrTable(v any, render func(table.Writer)) error {
	if viper.GetBool("json") || render == nil {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	render(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
