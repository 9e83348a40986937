package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"rtsreplay.ai/internal/batch"
	"rtsreplay.ai/internal/episode"
	"rtsreplay.ai/internal/persistence/indexdb"
	"rtsreplay.ai/internal/pipeline"
	"rtsreplay.ai/internal/sim/actionspace"
	"rtsreplay.ai/internal/sim/rules"
	"rtsreplay.ai/internal/transport/progress"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		input       = flag.String("input", "", "directory of replay files")
		output      = flag.String("output", "", "directory for episode files")
		workers     = flag.Int("workers", 0, "parallel workers (default: number of CPUs)")
		spaceVer    = flag.String("action_space", "v1", "action space version (<configs>/action_space/<v>.yaml)")
		configDir   = flag.String("configs", "./configs", "config directory")
		dropBad     = flag.Bool("drop_bad", false, "write nothing for truncated or low quality files")
		failFast    = flag.Bool("fail_fast", false, "stop starting new files after the first failure")
		timeout     = flag.Duration("timeout", 2*time.Minute, "per-file processing limit (0 disables)")
		compress    = flag.Bool("compress", false, "zstd-compress episode files")
		keepUnmap   = flag.Bool("keep_unmapped", false, "emit noop steps for commands outside the action space")
		trustSave   = flag.Bool("trust_embedded_state", false, "reseed state from embedded save chunks")
		embedTol    = flag.Int64("embedded_tolerance", episode.DefaultEmbeddedTolerance, "whole units a save chunk may differ from derived state before it is reported")
		validate    = flag.Bool("validate", false, "validate every record against the episode schema")
		schemaPath  = flag.String("schema", "./schemas/episode_step.schema.json", "episode step JSON schema")
		indexPath   = flag.String("index", "", "sqlite run index (default: <output>/index.sqlite)")
		disableDB   = flag.Bool("disable_db", false, "disable the run index")
		progAddr    = flag.String("progress_addr", "", "loopback address for the progress feed (empty to disable)")
		maxUnknown  = flag.Float64("max_unknown_ratio", episode.DefaultThresholds().MaxUnknownRatio, "unknown opcode ratio above which a file is low quality")
		maxViolate  = flag.Float64("max_mask_violation_ratio", episode.DefaultThresholds().MaxMaskViolationRatio, "mask violation ratio above which a file is low quality")
		maxInflated = flag.Int64("max_decompressed_bytes", 0, "decompressed size limit per file (0 uses the default)")
		logLevel    = flag.String("log_level", envOr("LOG_LEVEL", "info"), "log level")
		logFormat   = flag.String("log_format", envOr("LOG_FORMAT", "text"), "log format: text or json")
	)
	flag.Parse()

	logger := newLogger(*logLevel, *logFormat)

	if *input == "" || *output == "" {
		fmt.Fprintln(os.Stderr, "missing -input or -output")
		return 2
	}
	paths, err := batch.Discover(*input)
	if err != nil {
		logger.WithError(err).Error("list input")
		return 2
	}

	r, err := rules.Load(filepath.Join(*configDir, "rules.yaml"))
	if err != nil {
		logger.WithError(err).Error("load rules")
		return 2
	}
	spec, err := actionspace.Load(actionspace.Path(*configDir, *spaceVer), r)
	if err != nil {
		logger.WithError(err).Error("load action space")
		return 2
	}
	var validator *episode.Validator
	if *validate {
		validator, err = episode.LoadValidator(*schemaPath)
		if err != nil {
			logger.WithError(err).Error("load schema")
			return 2
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		p := strings.TrimSpace(*indexPath)
		if p == "" {
			p = filepath.Join(*output, "index.sqlite")
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			logger.WithError(err).Error("index dir")
			return 2
		}
		idx, err = indexdb.OpenSQLite(p)
		if err != nil {
			logger.WithError(err).Error("open index")
			return 2
		}
		defer func() {
			st := idx.Stats()
			if st.DropRunTotal+st.DropFileTotal > 0 {
				logger.WithFields(logrus.Fields{"runs": st.DropRunTotal, "files": st.DropFileTotal}).Warn("index dropped rows")
			}
			_ = idx.Close()
		}()
	}

	var hub *progress.Hub
	if addr := strings.TrimSpace(*progAddr); addr != "" {
		hub = progress.NewHub(logger)
		srv, err := serveProgress(addr, hub, logger)
		if err != nil {
			logger.WithError(err).Error("progress listener")
			return 2
		}
		defer func() {
			hub.Close()
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	runner := &batch.Runner{
		Pipeline: pipeline.Options{
			Rules: r,
			Spec:  spec,
			Episode: episode.Options{
				KeepUnmapped:      *keepUnmap,
				EmbeddedTolerance: *embedTol,
				Thresholds:        episode.Thresholds{MaxUnknownRatio: *maxUnknown, MaxMaskViolationRatio: *maxViolate},
			},
			TrustEmbeddedState:   *trustSave,
			MaxDecompressedBytes: *maxInflated,
		},
		Output:    *output,
		Input:     *input,
		Workers:   *workers,
		Timeout:   *timeout,
		DropBad:   *dropBad,
		FailFast:  *failFast,
		Compress:  *compress,
		Validator: validator,
		Index:     idx,
		Progress:  hub,
		Log:       logger,
	}
	sum, err := runner.Run(ctx, paths)
	if err != nil {
		logger.WithError(err).Error("batch not started")
		return 2
	}
	if ctx.Err() != nil {
		logger.Warn("interrupted")
	}
	return sum.ExitCode()
}

func serveProgress(addr string, hub *progress.Hub, logger logrus.FieldLogger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/progress", hub.WSHandler())
	mux.HandleFunc("/progress/status", hub.StatusHandler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("progress server stopped")
		}
	}()
	logger.WithField("addr", ln.Addr().String()).Info("progress feed listening")
	return srv, nil
}

func newLogger(level, format string) *logrus.Logger {
	l := logrus.New()
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	l.SetLevel(lv)
	if strings.ToLower(format) == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	l.SetOutput(os.Stderr)
	return l
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
