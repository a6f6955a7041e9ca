package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/yungbote/leadsync-backend/internal/app"
	"github.com/yungbote/leadsync-backend/internal/pkg/envutil"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
	"github.com/yungbote/leadsync-backend/internal/services"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}

	args := os.Args[1:]
	if len(args) > 0 && args[0] == "token" {
		os.Exit(issueToken(args[1:]))
	}
	os.Exit(serve())
}

func serve() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	a.Start()

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run() }()

	code := 0
	select {
	case <-ctx.Done():
		a.Log.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			a.Log.Error("Server failed", "error", err)
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Cfg.ShutdownTimeout)
	defer cancel()
	a.Close(shutdownCtx)
	return code
}

// issueToken prints a bearer token for an agent so operators can hand out
// credentials for POST /api/leads without a login flow.
func issueToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: leadsync token [-ttl 720h] <agent>")
		return 2
	}

	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	auth := services.NewAgentAuth(log,
		envutil.Get("AGENT_JWT_SECRET", "", log),
		envutil.Get("AGENT_JWT_ISSUER", "", log),
	)
	token, err := auth.IssueToken(fs.Arg(0), *ttl)
	if err != nil {
		log.Error("Could not issue token", "error", err)
		return 1
	}
	fmt.Println(token)
	return 0
}
