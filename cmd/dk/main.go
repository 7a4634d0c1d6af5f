package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"deskline/internal/app"
	"deskline/internal/db"
	"deskline/internal/domain"
	"deskline/internal/engine"
	"deskline/internal/repo"
	"deskline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dk",
	Short: "Deskline CLI",
	Long: `Deskline coordinates escalations between an automated front-desk agent and
human supervisors. The agent asks; known questions are answered from the
knowledge store, unknown ones become pending requests that supervisors
resolve, time out, or cancel. Every resolved answer is learned, so the same
question never escalates twice.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DESKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(requestsCmd())
	rootCmd.AddCommand(knowledgeCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
}

func askCmd() *cobra.Command {
	var customerContext string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question",
		Long:  "Answers from the knowledge store when possible, otherwise escalates to the supervisor queue.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Ask(ctx, args[0], customerContext)
				if err != nil {
					return err
				}
				if res.Answered {
					return printJSONOrText(map[string]string{"status": "answered", "answer": res.Answer},
						"answered: "+res.Answer)
				}
				return printJSONOrText(map[string]string{"status": "escalated", "request_id": res.Request.ID},
					"escalated: request "+res.Request.ID+" is pending supervisor review")
			})
		},
	}
	cmd.Flags().StringVar(&customerContext, "context", "cli", "customer context the answer should be delivered to")
	return cmd
}

func pendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending requests, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListPending(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderRequestTable(items)
				return nil
			})
		},
	}
	return cmd
}

func resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <request-id> <answer>",
		Short: "Resolve a pending request",
		Long:  "Marks the request RESOLVED, folds the answer into the knowledge store, and notifies the waiting agent.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req, err := a.Engine.Resolve(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrText(req, fmt.Sprintf("resolved %s", req.ID))
			})
		},
	}
	return cmd
}

func cancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req, err := a.Engine.Cancel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrText(req, fmt.Sprintf("cancelled %s", req.ID))
			})
		},
	}
	return cmd
}

func requestsCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.List(ctx, domain.RequestState(strings.ToUpper(state)), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderRequestTable(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter (PENDING, RESOLVED, TIMED_OUT, CANCELLED)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func knowledgeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "knowledge", Short: "Manage the knowledge store"}
	cmd.AddCommand(knowledgeListCmd())
	cmd.AddCommand(knowledgeSeedCmd())
	return cmd
}

func knowledgeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List learned and seeded answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Store.ListKnowledge(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Question", "Answer", "Source", "Updated"})
				for _, e := range items {
					source := e.SourceRequestID
					if source == "" {
						source = "seed"
					}
					tw.AppendRow(table.Row{e.Question, e.Answer, source, e.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func knowledgeSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load seed entries from deskline.yml without overwriting learned answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Seeding happens on every app open; this just reports the result.
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Store.ListKnowledge(ctx)
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]int{"entries": len(items)},
					fmt.Sprintf("knowledge store has %d entries", len(items)))
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString()[:8],
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := a.Store.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// The plaintext key is shown once and never stored.
				return printJSONOrText(map[string]string{"id": key.ID, "key": secret},
					fmt.Sprintf("created key %s: %s", key.ID, secret))
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Store.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Store.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Store.LatestEvents(ctx, n, evtType, entityID)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var insecure bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := app.Open(cmd.Context(), viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer a.Close()

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("DESKLINE_JWT_SECRET"),
				AllowLegacyActorHeader: a.Config.Auth.AllowLegacyActorHeader,
				AllowAnonymous:         insecure,
				Logger:                 logger.Named("auth"),
			}
			if authCfg.JWTSecret == "" && !insecure {
				return fmt.Errorf("DESKLINE_JWT_SECRET is required for bearer auth (or pass --insecure for local use)")
			}

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Store:    a.Store,
				Bus:      a.Bus,
				App:      a.Config,
				Logger:   logger.Named("server"),
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}

			runCtx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go a.Bus.Run(runCtx)
			go engine.Watchdog{
				Engine:   a.Engine,
				Interval: a.Config.Escalation.WatchdogIntervalDuration(),
			}.Run(runCtx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-runCtx.Done()
				ctx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelShutdown()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving Deskline API",
				zap.String("addr", addr), zap.String("base_path", basePath))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "skip authentication (local dev only)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), zap.NewNop())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func renderRequestTable(items []domain.HelpRequest) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Question", "Context", "State", "Created", "Deadline"})
	for _, r := range items {
		tw.AppendRow(table.Row{r.ID, r.Question, r.CustomerContext, r.State, r.CreatedAt, r.DeadlineAt})
	}
	tw.Render()
}

func printJSONOrText(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
