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

	"github.com/hashicorp/go-hclog"

	"github.com/the-maldridge/qrunner/pkg/config"
	"github.com/the-maldridge/qrunner/pkg/db"
	"github.com/the-maldridge/qrunner/pkg/gcroots"
	qhttp "github.com/the-maldridge/qrunner/pkg/http"
	"github.com/the-maldridge/qrunner/pkg/lock"
	"github.com/the-maldridge/qrunner/pkg/logstore"
	"github.com/the-maldridge/qrunner/pkg/machine"
	"github.com/the-maldridge/qrunner/pkg/queue"
	"github.com/the-maldridge/qrunner/pkg/store"
	_ "github.com/the-maldridge/qrunner/pkg/store/bc"
	"github.com/the-maldridge/qrunner/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath  = flag.String("config", "/etc/qrunner/config.json", "configuration file")
		buildOne = flag.Uint64("build-one", 0, "complete the given build, then exit")
		status   = flag.Bool("status", false, "ask the running instance for a status dump")
		unlock   = flag.Bool("unlock", false, "force-release the global lock")
	)
	flag.Parse()

	level := os.Getenv("QRUNNER_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}
	appLogger := hclog.New(&hclog.LoggerOptions{
		Name:  "qrunner",
		Level: hclog.LevelFromString(level),
	})
	appLogger.Info("qrunner is initializing")

	cfg := config.NewConfig()
	if err := cfg.LoadFromFile(*cfgPath); err != nil && !os.IsNotExist(err) {
		appLogger.Error("Couldn't load configuration", "path", *cfgPath, "error", err)
		return 1
	}

	if *unlock {
		if err := lock.ForceRelease(cfg.LockFile); err != nil {
			appLogger.Error("Couldn't release lock", "error", err)
			return 1
		}
		appLogger.Info("Global lock released")
		return 0
	}

	if *status {
		return showStatus(appLogger, cfg)
	}

	lk, err := lock.Acquire(cfg.LockFile)
	if errors.Is(err, lock.ErrLocked) {
		appLogger.Error("Another queue runner holds the global lock")
		return 2
	}
	if err != nil {
		appLogger.Error("Couldn't acquire global lock", "error", err)
		return 1
	}
	defer lk.Release()

	store.SetLogger(appLogger)
	store.DoCallbacks()
	localStore, err := store.Initialize(cfg.StoreBackend)
	if err != nil {
		appLogger.Error("Couldn't initialize local store", "error", err)
		return 1
	}
	defer localStore.Close()
	destStore := localStore
	if cfg.DestStoreBackend != "" && cfg.DestStoreBackend != cfg.StoreBackend {
		destStore, err = store.Initialize(cfg.DestStoreBackend)
		if err != nil {
			appLogger.Error("Couldn't initialize destination store", "error", err)
			return 1
		}
		defer destStore.Close()
	}

	database, err := db.New(appLogger, cfg.DBURL)
	if err != nil {
		appLogger.Error("Couldn't connect to database", "error", err)
		return 1
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Steps left busy by a previous crash are nobody's now.
	if err := database.ClearBusy(ctx, time.Now()); err != nil {
		appLogger.Error("Couldn't clear busy steps", "error", err)
		return 1
	}

	roots, err := gcroots.New(appLogger, cfg.RootsDir)
	if err != nil {
		appLogger.Error("Couldn't initialize GC roots", "error", err)
		return 1
	}

	opts := []queue.Option{
		queue.WithConfig(cfg),
		queue.WithDatabase(database),
		queue.WithLocalStore(localStore),
		queue.WithDestStore(destStore),
		queue.WithDialer(machine.NewServeDialer(appLogger)),
		queue.WithLogStore(logstore.New(appLogger, cfg.LogDir, cfg.MaxLogSize)),
		queue.WithGCRoots(roots),
	}
	if *buildOne != 0 {
		opts = append(opts, queue.WithBuildOne(types.BuildID(*buildOne)))
	}
	sched, err := queue.New(appLogger, opts...)
	if err != nil {
		appLogger.Error("Couldn't construct scheduler", "error", err)
		return 1
	}

	listener, err := database.Listen(
		"builds_added",
		"builds_restarted",
		"builds_cancelled",
		"builds_deleted",
		"builds_bumped",
		"jobset_shares_changed",
		"dump_status",
	)
	if err != nil {
		appLogger.Error("Couldn't listen for queue notifications", "error", err)
		return 1
	}
	defer listener.Close()

	web, err := qhttp.New(appLogger)
	if err != nil {
		appLogger.Error("Couldn't initialize webserver", "error", err)
		return 1
	}
	web.Mount("/queue", sched.HTTPEntry())
	go func() {
		if err := web.Serve(cfg.BindAddr); err != nil {
			appLogger.Error("Webserver exited", "error", err)
		}
	}()

	go sched.MachineReloader(ctx)
	go sched.Dispatcher(ctx)
	go sched.QueueMonitor(ctx, listener.C())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	if *buildOne != 0 {
		select {
		case <-sched.BuildOneDone():
			appLogger.Info("Requested build complete", "build", *buildOne)
			return 0
		case <-sig:
			return 0
		}
	}

	<-sig
	appLogger.Info("Shutting down")
	return 0
}

// showStatus pokes the running instance over the database and prints
// whatever it dumps.
func showStatus(l hclog.Logger, cfg *config.Config) int {
	database, err := db.New(l, cfg.DBURL)
	if err != nil {
		l.Error("Couldn't connect to database", "error", err)
		return 1
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := database.Notify(ctx, "dump_status", ""); err != nil {
		l.Error("Couldn't request status", "error", err)
		return 1
	}

	// The monitor writes the dump on its next pass; poll briefly.
	deadline := time.Now().Add(10 * time.Second)
	for {
		status, err := database.GetStatus(ctx)
		if err == nil && status != "" {
			fmt.Println(status)
			return 0
		}
		if time.Now().After(deadline) {
			l.Error("Timed out waiting for status dump", "error", err)
			return 1
		}
		time.Sleep(500 * time.Millisecond)
	}
}
