package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/v1nometrics/docusign-ura/config"
	"github.com/v1nometrics/docusign-ura/handler"
	"github.com/v1nometrics/docusign-ura/model"
	"github.com/v1nometrics/docusign-ura/monitor"
	"github.com/v1nometrics/docusign-ura/pkg/logger"
)

var version = "dev"

const usage = `usage: docusign-ura [-config config.yaml] <command> [flags]

commands:
  daemon        poll storage until interrupted
  check         list contracts waiting to be sent
  process-all   send every pending contract once
  stats         show run statistics
  clear-cache   forget processed contracts and audit records
  serve         run the HTTP server (--monitor also runs the poller)
  sign          send one contract (--email --name --contract --auto-extract)
  version       print the version`

// result is printed as JSON on stdout by every command
type result map[string]any

func main() {
	fs := flag.NewFlagSet("docusign-ura", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration")
	fs.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(2)
	}
	cmd, args := fs.Arg(0), fs.Args()[1:]

	if cmd == "version" {
		os.Exit(emit(result{"success": true, "message": "docusign-ura " + version, "version": version}))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Exit(emit(failure("failed to load config: " + err.Error())))
	}
	logger.Init(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err := cfg.Validate(); err != nil {
		os.Exit(emit(failure("invalid config: " + err.Error())))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var res result
	switch cmd {
	case "daemon":
		res = runDaemon(ctx, cfg)
	case "check":
		res = runCheck(ctx, cfg)
	case "process-all":
		res = runProcessAll(ctx, cfg)
	case "stats":
		res = runStats(ctx, cfg)
	case "clear-cache":
		res = runClearCache(ctx, cfg)
	case "serve":
		res = runServe(ctx, cfg, args)
	case "sign":
		res = runSign(ctx, cfg, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		res = failure("unknown command " + cmd)
	}
	stop()
	os.Exit(emit(res))
}

func failure(msg string) result {
	return result{"success": false, "message": msg}
}

// emit prints res and returns the process exit code
func emit(res result) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
	if ok, _ := res["success"].(bool); ok {
		return 0
	}
	return 1
}

func runDaemon(ctx context.Context, cfg *config.Config) result {
	a, err := buildApp(ctx, cfg, true)
	if err != nil {
		return failure(err.Error())
	}
	defer a.Close()

	a.startWatcher(ctx)
	if err := a.monitor.Run(ctx); err != nil {
		return failure(err.Error())
	}
	return result{"success": true, "message": "monitor stopped", "stats": a.monitor.Report()}
}

func runCheck(ctx context.Context, cfg *config.Config) result {
	a, err := buildApp(ctx, cfg, false)
	if err != nil {
		return failure(err.Error())
	}
	defer a.Close()

	cands, err := a.monitor.Check(ctx)
	if err != nil {
		return failure(err.Error())
	}
	if err := a.cache.Flush(ctx); err != nil {
		logger.Warn(ctx, "failed to persist statistics", "error", err)
	}
	if cands == nil {
		cands = []model.Candidate{}
	}
	return result{
		"success":   true,
		"message":   fmt.Sprintf("%d new contracts", len(cands)),
		"contracts": cands,
	}
}

func runProcessAll(ctx context.Context, cfg *config.Config) result {
	a, err := buildApp(ctx, cfg, true)
	if err != nil {
		return failure(err.Error())
	}
	defer a.Close()

	sum, err := a.monitor.ProcessAll(ctx)
	if err != nil {
		return failure(err.Error())
	}
	return result{
		"success": sum.Errors == 0,
		"message": fmt.Sprintf("%d processed, %d errors", sum.Processed, sum.Errors),
		"summary": sum,
	}
}

func runStats(ctx context.Context, cfg *config.Config) result {
	c, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		return failure(err.Error())
	}
	defer closeCache()

	return result{"success": true, "message": "statistics", "stats": monitor.BuildReport(c, time.Now())}
}

func runClearCache(ctx context.Context, cfg *config.Config) result {
	c, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		return failure(err.Error())
	}
	defer closeCache()

	removed := c.Len()
	if err := c.Clear(ctx); err != nil {
		return failure(err.Error())
	}
	if err := os.RemoveAll(cfg.Monitor.ProcessedDir); err != nil {
		return failure("failed to remove audit records: " + err.Error())
	}
	return result{
		"success": true,
		"message": fmt.Sprintf("cache cleared, %d contracts forgotten", removed),
		"removed": removed,
	}
}

func runSign(ctx context.Context, cfg *config.Config, args []string) result {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var req monitor.SignRequest
	fs.StringVar(&req.Email, "email", "", "signer email")
	fs.StringVar(&req.Name, "name", "", "signer name")
	fs.StringVar(&req.Contract, "contract", "", "contract file name; defaults to the latest upload")
	fs.BoolVar(&req.AutoExtract, "auto-extract", false, "take missing signer fields from the contract name")
	if err := fs.Parse(args); err != nil {
		return failure(err.Error())
	}

	a, err := buildApp(ctx, cfg, true)
	if err != nil {
		return failure(err.Error())
	}
	defer a.Close()

	res, err := a.monitor.Sign(ctx, req)
	if err != nil {
		return failure(err.Error())
	}
	return result{"success": res.Success, "message": res.Message, "result": res}
}

func runServe(ctx context.Context, cfg *config.Config, args []string) result {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	withMonitor := fs.Bool("monitor", false, "also run the polling loop")
	if err := fs.Parse(args); err != nil {
		return failure(err.Error())
	}

	a, err := buildApp(ctx, cfg, true)
	if err != nil {
		return failure(err.Error())
	}
	defer a.Close()

	var tracker handler.StatusUpdater
	if a.tracker != nil {
		tracker = a.tracker
	}
	gin.SetMode(gin.ReleaseMode)
	router, err := newRouter(cfg, a.monitor, tracker)
	if err != nil {
		return failure(err.Error())
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(ctx, "server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	monitorDone := make(chan struct{})
	if *withMonitor {
		a.startWatcher(ctx)
		go func() {
			defer close(monitorDone)
			_ = a.monitor.Run(ctx)
		}()
	} else {
		close(monitorDone)
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			cancelRun()
			<-monitorDone
			return failure("server failed: " + err.Error())
		}
	}

	logger.Info(context.Background(), "shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return failure("server forced to shutdown: " + err.Error())
	}
	<-monitorDone

	return result{"success": true, "message": "server stopped", "stats": a.monitor.Report()}
}

// startWatcher wakes the monitor on local uploads when configured
func (a *app) startWatcher(ctx context.Context) {
	if a.local == nil || !a.cfg.Storage.Watch {
		return
	}
	go func() {
		if err := a.local.Watch(ctx, a.cfg.Storage.ContractsPrefix, a.monitor.Wake); err != nil {
			logger.Error(ctx, "contract watcher stopped", "error", err)
		}
	}()
}
