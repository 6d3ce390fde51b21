// weft is a self-contained ActivityPub server. It runs as a single binary
// with SQLite by default, requiring no external database for self-hosted
// deployments.
//
// Usage:
//
//	export ORIGIN=https://yourdomain.com
//	export USERNAME=alice
//	weft serve
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/weftfed/weft/federation"
	"github.com/weftfed/weft/internal/app"
	"github.com/weftfed/weft/internal/config"
	"github.com/weftfed/weft/internal/server"
	"github.com/weftfed/weft/kv"
	"github.com/weftfed/weft/mq"
	"github.com/weftfed/weft/nodeinfo"
	"github.com/weftfed/weft/signing"
	"github.com/weftfed/weft/vocab"
	"github.com/weftfed/weft/webfinger"
)

func main() {
	root := &cobra.Command{
		Use:           "weft",
		Short:         "weft is a self-contained ActivityPub server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), lookupCmd(), nodeCmd(), inboxCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if level == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg.LogLevel)
			slog.Info("starting weft", "origin", cfg.Origin, "username", cfg.Username)

			sqlStore, err := kv.OpenSQL(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer sqlStore.Close()

			// Redis, when configured, takes over the kv side; the delivery
			// queue stays on SQL either way.
			var store kv.Store = sqlStore
			if cfg.RedisURL != "" {
				redisOpts, err := redis.ParseURL(cfg.RedisURL)
				if err != nil {
					return fmt.Errorf("parse REDIS_URL: %w", err)
				}
				store = kv.NewRedisStore(redis.NewClient(redisOpts), "weft")
				slog.Info("using Redis for key-value state")
			}

			db, driver := sqlStore.DB()
			queue, err := mq.NewSQLQueue(db, driver)
			if err != nil {
				return fmt.Errorf("open delivery queue: %w", err)
			}

			keyPair, err := signing.LoadOrGenerateKeyPair(
				cfg.BaseURL("/users/"+cfg.Username)+"#main-key",
				cfg.RSAPrivateKeyPath, cfg.RSAPublicKeyPath)
			if err != nil {
				return fmt.Errorf("load RSA key pair: %w", err)
			}
			slog.Info("RSA key pair ready", "keyId", keyPair.KeyID)

			fed, err := federation.New[*app.App](federation.Options{
				Origin:        cfg.Origin,
				Store:         store,
				Queue:         queue,
				SignatureSkew: cfg.SignatureSkew,
			})
			if err != nil {
				return fmt.Errorf("create federation: %w", err)
			}

			a, err := app.New(cfg, store, keyPair, fed)
			if err != nil {
				return fmt.Errorf("set up application: %w", err)
			}

			srv, err := server.New(cfg, a, fed)
			if err != nil {
				return fmt.Errorf("set up server: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			go func() {
				if err := fed.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
					slog.Error("delivery queue stopped", "error", err)
				}
			}()

			srv.Start(ctx) // blocks until ctx is cancelled
			slog.Info("weft stopped")
			return nil
		},
	}
}

func lookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <handle>",
		Short: "Resolve a fediverse handle and print its actor document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			iri, err := webfinger.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			doc, err := vocab.NewHTTPLoader().Load(ctx, iri)
			if err != nil {
				return err
			}
			return printJSON(cmd, doc)
		},
	}
}

func nodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "node <host>",
		Short: "Fetch and print a server's NodeInfo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := nodeinfo.Fetch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, info)
		},
	}
}

// inboxCmd runs an ephemeral debugging inbox: an in-memory actor that
// accepts any activity and prints it. Useful for watching what other
// servers deliver.
func inboxCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Run an ephemeral inbox that logs every delivered activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging("debug")
			origin := getEnvDefault("ORIGIN", "http://localhost:"+port)

			keyPair, err := signing.GenerateKeyPair(origin + "/users/inbox#main-key")
			if err != nil {
				return err
			}

			fed, err := federation.New[struct{}](federation.Options{
				Origin: origin,
				Store:  kv.NewMemoryStore(),
			})
			if err != nil {
				return err
			}
			if err := fed.SetActorDispatcher("/users/{identifier}",
				func(c *federation.Context[struct{}], identifier string) (*vocab.Object, error) {
					actor := vocab.NewObject(vocab.TypeApplication)
					actor.Set("preferredUsername", vocab.String(identifier))
					return actor, nil
				}); err != nil {
				return err
			}
			if err := fed.SetKeyPairsDispatcher(
				func(c *federation.Context[struct{}], identifier string) ([]*signing.KeyPair, error) {
					return []*signing.KeyPair{keyPair}, nil
				}); err != nil {
				return err
			}
			if err := fed.SetInboxPaths("/users/{identifier}/inbox", "/inbox"); err != nil {
				return err
			}
			if err := fed.OnActivity(vocab.TypeActivity,
				func(c *federation.Context[struct{}], activity *vocab.Object) error {
					raw, err := vocab.ToBytes(activity)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(raw))
					return nil
				}); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(),
				syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			handler := fed.Handler(func(r *http.Request) struct{} { return struct{}{} }, nil)
			srv := &http.Server{Addr: ":" + port, Handler: handler}
			go func() {
				<-ctx.Done()
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutCtx)
			}()

			slog.Info("ephemeral inbox listening", "origin", origin,
				"handle", "inbox@"+strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://"))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "8000", "port to listen on")
	return cmd
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
