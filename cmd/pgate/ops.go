package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"pilotgate/internal/config"
	"pilotgate/internal/domain"
	"pilotgate/internal/events"
	"pilotgate/internal/metrics"
	"pilotgate/internal/migrate"
	"pilotgate/internal/notify"
	"pilotgate/internal/repo"
	"pilotgate/internal/server"
)

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
		Long:  "Every decision the engine makes is persisted: transition checks, denials, evaluations and SLA changes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var types []string
	var projectID, since string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.EventFilter{ProjectID: projectID, Limit: n}
			for _, t := range types {
				f.Types = append(f.Types, events.Type(t))
			}
			if since != "" {
				ts, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				f.Since = ts
			}
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				items, err := rt.Service.QueryEvents(ctx, rt.Actor, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Seq", "Time", "Type", "Project", "Actor"})
					for _, e := range items {
						tw.AppendRow(table.Row{e.Seq, e.Timestamp.Format(time.RFC3339), e.Type, e.ProjectID, e.Actor})
					}
				})
			})
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 20, "number of events")
	cmd.Flags().StringSliceVar(&types, "type", nil, "event type filter (repeatable)")
	cmd.Flags().StringVar(&projectID, "project", "", "project id filter")
	cmd.Flags().StringVar(&since, "since", "", "only events at or after this RFC 3339 time")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "Roles, permissions and API keys"}
	cmd.AddCommand(rbacRolesCmd())
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(apiKeyCmd())
	return cmd
}

func rbacRolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List configured roles and their permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			ids := cfg.RoleIDs()
			return printJSONOrTable(cfg.PermissionMatrix(), func(tw table.Writer) {
				tw.AppendHeader(table.Row{"Role", "Description", "Permissions"})
				for _, id := range ids {
					role := cfg.RBAC.Roles[id]
					perms := append([]string(nil), role.Permissions...)
					sort.Strings(perms)
					tw.AppendRow(table.Row{id, role.Description, strings.Join(perms, "\n")})
				}
			})
		},
	}
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the acting identity and its permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				perms := rt.Service.Engine.Auth.Permissions(rt.Actor.Role)
				return printJSON(map[string]any{
					"actor_id":    rt.Actor.ID,
					"org_id":      rt.Actor.OrgID,
					"role":        rt.Actor.Role,
					"permissions": perms,
				})
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP API"}

	var actorID, orgID, role, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if _, ok := cfg.RBAC.Roles[role]; !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			if orgID == "" {
				orgID = cfg.Organization
			}
			secret, err := newAPIKeySecret()
			if err != nil {
				return err
			}
			key := domain.APIKey{
				ID:      uuid.NewString(),
				ActorID: actorID,
				OrgID:   orgID,
				Role:    role,
				Name:    name,
				KeyHash: repo.HashAPIKey(secret),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": key.ID, "actor_id": actorID, "org_id": orgID, "role": role, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&orgID, "key-org", "", "organization (defaults to the configured organization)")
	create.Flags().StringVar(&role, "key-role", "", "role granted to the key")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("actor")
	_ = create.MarkFlagRequired("key-role")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("org"))
				if err != nil {
					return err
				}
				for i := range items {
					items[i].KeyHash = ""
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Actor", "Org", "Role", "Name", "Created"})
					for _, k := range items {
						tw.AppendRow(table.Row{k.ID, k.ActorID, k.OrgID, k.Role, k.Name, k.CreatedAt})
					}
				})
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	keys.AddCommand(create, list, revoke)
	return keys
}

func newAPIKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "pg_" + hex.EncodeToString(buf), nil
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace governance configuration",
		Long:  "governance.yml holds the lifecycle, RBAC table, SLA policies, compliance rules and webhooks. Tables are read once per process.",
	}

	var org string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default governance.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(org)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&org, "organization", "", "organization id")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			out, err := c.Encode()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate governance.yml and the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			version := 0
			if err == nil {
				err = withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
					v, verr := migrate.Version(ctx, r.DB)
					version = v
					return verr
				})
			}
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil, "schema_version": version}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Printf("config OK (schema version %d)\n", version)
			return nil
		},
	}
	cfg.AddCommand(initCmd, show, validate)
	return cfg
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the acting identity",
		Long:  "Signs an HS256 token with sub, org_id and role claims using PGATE_JWT_SECRET.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			org := viper.GetString("org")
			if org == "" {
				org = cfg.Organization
			}
			actor := domain.Actor{ID: viper.GetString("actor-id"), OrgID: org, Role: viper.GetString("role")}
			if _, ok := cfg.RBAC.Roles[actor.Role]; !ok {
				return fmt.Errorf("unknown role %q", actor.Role)
			}
			token, err := server.SignToken(jwtSecret(cmd), actor, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime (0 for none)")
	cmd.Flags().String("jwt-secret", "", "HMAC secret (default $PGATE_JWT_SECRET)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var tickInterval time.Duration
	var actorHeaders bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the escalation ticker and event sinks",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := jwtSecret(cmd)
			if secret == "" && !actorHeaders {
				return errors.New("PGATE_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m := metrics.New()
			rt, cleanup, err := openRuntime(events.WithFailureHook(func(events.Event, error) {
				m.RecordHandlerFailure()
			}))
			if err != nil {
				return err
			}
			defer cleanup()
			logger := rt.Logger
			m.Subscribe(rt.Bus)

			dispatcher := notify.NewDispatcher(rt.Cfg.Webhooks, notify.DispatcherOptions{
				Logger:   logger,
				OnResult: m.RecordWebhookDelivery,
			})
			dispatcher.Start(ctx)
			defer dispatcher.Close()
			if dispatcher.Len() > 0 {
				rt.Bus.Subscribe(events.All, dispatcher.Handler())
			}

			svc := rt.Service
			svc.Metrics = m
			go svc.RunTicker(ctx, tickInterval)

			handler, err := server.New(server.Config{
				Service:  svc,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, AllowActorHeaders: actorHeaders, Logger: logger},
				Metrics:  m,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving pilotgate api",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.Int("webhooks", dispatcher.Len()),
				zap.Duration("tick_interval", tickInterval))
			if actorHeaders {
				logger.Warn("actor headers are trusted without authentication")
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&tickInterval, "tick-interval", time.Minute, "escalation re-evaluation interval (0 disables)")
	cmd.Flags().BoolVar(&actorHeaders, "dev-actor-headers", false, "trust X-Actor-Id, X-Org-Id and X-Role headers (development only)")
	cmd.Flags().String("jwt-secret", "", "HMAC secret for bearer tokens (default $PGATE_JWT_SECRET)")
	return cmd
}

// jwtSecret prefers the command's flag over the environment.
func jwtSecret(cmd *cobra.Command) string {
	if v, _ := cmd.Flags().GetString("jwt-secret"); v != "" {
		return v
	}
	return viper.GetString("jwt-secret")
}
