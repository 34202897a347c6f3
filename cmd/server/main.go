package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tilesync.dev/internal/netsync"
	persistlog "tilesync.dev/internal/persistence/log"
	"tilesync.dev/internal/persistence/snapshot"
	"tilesync.dev/internal/sim/tuning"
	"tilesync.dev/internal/sim/world"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (empty: defaults plus TILESYNC_* env)")
		envFile    = flag.String("env", ".env", "optional .env file loaded before tuning")
		worldID    = flag.String("world", "", "world id (overrides tuning)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides tuning)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index")
		admin      = flag.Bool("admin", false, "serve loopback-only /admin endpoints")

		snapPath   = flag.String("snapshot", "", "path to snapshot to resume from (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "resume from the latest snapshot in the data dir when -snapshot is empty")
	)
	flag.Parse()

	if err := tuning.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, "load .env:", err)
		os.Exit(1)
	}
	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load tuning:", err)
		os.Exit(1)
	}
	if *worldID != "" {
		tune.World.ID = *worldID
	}
	if *dataDir != "" {
		tune.Persist.DataDir = *dataDir
	}
	logger := newLogger(tune.Server.LogLevel)
	wlog := logger.WithField("world", tune.World.ID)

	worldDir := filepath.Join(tune.Persist.DataDir, "worlds", tune.World.ID)
	if err := os.MkdirAll(worldDir, 0o755); err != nil {
		wlog.WithError(err).Fatal("create world dir")
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(worldDir)
	}
	w, startFrame, err := openWorld(tune, snapshotToLoad)
	if err != nil {
		wlog.WithError(err).Fatal("world")
	}
	if snapshotToLoad != "" {
		wlog.WithFields(logrus.Fields{"snapshot": filepath.Base(snapshotToLoad), "frame": startFrame}).Info("resumed from snapshot")
	} else {
		wlog.WithField("seed", tune.World.Seed).Info("generated new world")
	}

	// Read-model index; does not affect the simulation.
	idx, err := openRuntimeIndex(worldDir, tune.Persist.IndexDB && !*disableDB)
	if err != nil {
		wlog.WithError(err).Fatal("open index")
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertTuning(tune); err != nil {
			wlog.WithError(err).Warn("index: upsert tuning")
		}
	}

	mirror, err := openMirror(tune, wlog)
	if err != nil {
		wlog.WithError(err).Fatal("offsite mirror")
	}
	if mirror != nil {
		defer mirror.Close()
		wlog.WithFields(logrus.Fields{"bucket": tune.Offsite.Bucket, "prefix": tune.Offsite.Prefix}).Info("offsite mirror enabled")
	}

	frames := frameFanout{idx}
	if tune.Persist.FrameLog {
		fl := persistlog.NewFrameLogger(worldDir)
		defer fl.Close()
		frames = append(frames, fl)
	}
	al := persistlog.NewAuditLogger(worldDir)
	defer al.Close()

	sink := make(chan snapshot.SnapshotV1, 2)
	srv, err := netsync.NewServer(w, netsync.ConfigFromTuning(tune), netsync.ServerOptions{
		Log:          wlog,
		FrameLog:     frames,
		Audit:        auditFanout{al, idx},
		SnapshotSink: sink,
		StartFrame:   startFrame,
	})
	if err != nil {
		wlog.WithError(err).Fatal("server")
	}
	srv.OnPeerLeft(func(p netsync.PeerInfo, reason string) {
		wlog.WithFields(logrus.Fields{"client_id": p.ClientID, "name": p.Name, "reason": reason}).Info("peer left")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := srv.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	saver := &autosaver{
		worldDir:     worldDir,
		idx:          idx,
		mirror:       mirrorOrNil(mirror),
		archiveEvery: tune.Persist.ArchiveEveryFrames,
		keep:         tune.Persist.KeepSnapshots,
		log:          wlog,
	}
	g.Go(func() error { return saver.run(ctx, sink) })

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           newMux(httpDeps{worldID: tune.World.ID, srv: srv, idx: idx, mirror: mirror, log: wlog, admin: *admin}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		wlog.WithField("addr", *addr).Info("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		wlog.WithError(err).Error("server stopped")
		return
	}
	wlog.WithField("frame", srv.CurrentFrame()).Info("server stopped")
}

func newLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000000"})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

func worldConfig(t tuning.World) world.Config {
	return world.Config{
		ID:               t.ID,
		Seed:             t.Seed,
		MapSizeLog:       t.MapSizeLog,
		DayTicks:         t.DayTicks,
		StartMoney:       t.StartMoney,
		MaxLoan:          t.MaxLoan,
		LoanStep:         t.LoanStep,
		InterestPermille: t.InterestPermille,
		WaterPermille:    t.WaterPermille,
		MaxCompanies:     t.MaxCompanies,
	}
}

// openWorld generates a fresh world, or resumes one from snapPath. The
// returned frame is the frame the world is at.
func openWorld(tune tuning.Tuning, snapPath string) (*world.World, uint32, error) {
	if snapPath == "" {
		w, err := world.New(worldConfig(tune.World))
		return w, 0, err
	}
	snap, err := snapshot.ReadSnapshot(snapPath)
	if err != nil {
		return nil, 0, fmt.Errorf("read snapshot: %w", err)
	}
	if snap.Header.WorldID != "" && snap.Header.WorldID != tune.World.ID {
		return nil, 0, fmt.Errorf("snapshot world id mismatch: want=%s snap=%s", tune.World.ID, snap.Header.WorldID)
	}
	w, err := world.FromSnapshot(snap, tune.World.MaxCompanies)
	if err != nil {
		return nil, 0, fmt.Errorf("import snapshot: %w", err)
	}
	return w, snap.Header.Frame, nil
}
