package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/spf13/pflag"
	slog "github.com/vearne/simplelog"
	"golang.org/x/sync/errgroup"

	"github.com/claby2/ebpfcca/biz"
	"github.com/claby2/ebpfcca/ccp"
	"github.com/claby2/ebpfcca/config"
	"github.com/claby2/ebpfcca/consts"
	"github.com/claby2/ebpfcca/kernel"
	"github.com/claby2/ebpfcca/metrics"
	"github.com/claby2/ebpfcca/registry"
	"github.com/claby2/ebpfcca/shell"
	"github.com/claby2/ebpfcca/stream"
	"github.com/claby2/ebpfcca/writeback"
)

const banner string = `
      __                ____                
  ___/ /_  ____  ____ _/ __/______________ _
 / _ \ __ \/ __ \/ __ \/ /_/ ___/ ___/ __ '/
/  __/ /_/ / /_/ / /_/ / __/ /__/ /__/ /_/ / 
\___/_.___/ .___/_.___/_/  \___/\___/\__,_/  
         /_/                                
`

var errShellExit = errors.New("shell exited")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	settings, err := config.Load("ebpfcca", args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if settings.Version {
		fmt.Println("service: ebpfcca")
		fmt.Println("Version", consts.Version)
		fmt.Println("BuildTime", consts.BuildTime)
		fmt.Println("GitTag", consts.GitTag)
		return 0
	}

	fmt.Print(banner)
	adjustLogLevel(settings.LogLevel)
	if err = settings.Validate(); err != nil {
		slog.Error("invalid settings: %v", err)
		return 1
	}
	printSettings(settings)
	metrics.Register()

	// ---------- kernel ----------
	objs, err := kernel.LoadPinned(settings.PinDir)
	if err != nil {
		slog.Error("attach kernel maps: %v", err)
		return 1
	}
	defer objs.Close()

	readers := make(map[string]*kernel.RingReader)
	for name, m := range map[string]*ebpf.Map{
		biz.StreamSignals:     objs.Signals,
		biz.StreamFlowCreated: objs.FlowCreated,
		biz.StreamFlowFreed:   objs.FlowFreed,
	} {
		r, err := kernel.NewRingReader(m)
		if err != nil {
			slog.Error("ring %v: %v", name, err)
			closeReaders(readers)
			return 1
		}
		readers[name] = r
	}
	defer closeReaders(readers)
	table := kernel.NewMapTable(objs.Connections)

	// ---------- algorithm ----------
	transport, err := ccp.ListenUnix(settings.DatapathSocket, settings.CCPSocket, settings.SocketBufferSize)
	if err != nil {
		slog.Error("%v", err)
		return 1
	}
	defer transport.Close()

	limit, burst := biz.ReportLimit(settings)
	dp := ccp.NewDatapath(transport,
		ccp.WithID(settings.DatapathID),
		ccp.WithAlgorithm(settings.Algorithm),
		ccp.WithReportLimit(limit, burst))
	if err = dp.Ready(); err != nil {
		slog.Error("announce datapath to %v: %v", settings.CCPSocket, err)
		return 1
	}

	// ---------- tap ----------
	var (
		emitter   *biz.Emitter
		plugins   *biz.Plugins
		publisher writeback.Publisher
	)
	if settings.TapEnabled() {
		filterChain, err := biz.NewFilterChain(settings)
		if err != nil {
			slog.Error("create FilterChain error:%v", err)
			return 1
		}
		plugins, err = biz.NewPlugins(settings)
		if err != nil {
			slog.Error("create plugins error:%v", err)
			return 1
		}
		slog.Info("plugins:%v", plugins)
		emitter = biz.NewEmitter(settings.TapDepth, filterChain, biz.NewRateLimit(settings))
		publisher = emitter
	}

	// ---------- core ----------
	reg := registry.New(settings.RetiredTTL)
	queue := writeback.NewQueue(settings.QueueDepth, table, reg, publisher)
	manager := biz.NewManager(reg, dp, queue, publisher)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)
	defer stop()
	if settings.ExitAfter > 0 {
		slog.Info("Running ebpfcca for a duration of %s", settings.ExitAfter)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.ExitAfter)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	consumers := []*stream.Consumer{
		stream.NewConsumer(biz.StreamSignals, readers[biz.StreamSignals], manager.HandleSignal),
		stream.NewConsumer(biz.StreamFlowCreated, readers[biz.StreamFlowCreated], manager.HandleFlowCreated),
		stream.NewConsumer(biz.StreamFlowFreed, readers[biz.StreamFlowFreed], manager.HandleFlowFreed),
	}
	for _, c := range consumers {
		c := c
		g.Go(func() error { return c.Run(gctx) })
	}
	g.Go(func() error { return transport.Serve(gctx, dp.RecvMsg) })
	g.Go(func() error { return queue.Run(gctx) })
	if emitter != nil {
		emitter.Start(gctx, plugins)
	}
	if settings.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(gctx, settings.MetricsAddr) })
	}
	if settings.Interactive {
		sh := shell.New(reg, table, queue, os.Stdout, os.Stderr)
		g.Go(func() error {
			if err := sh.Run(gctx, os.Stdin); err != nil {
				return err
			}
			return errShellExit
		})
	}

	err = g.Wait()
	if emitter != nil {
		emitter.Close()
	}
	if err != nil && !errors.Is(err, errShellExit) {
		slog.Error("%v", err)
		return 1
	}
	slog.Info("ebpfcca stopped, live flows:%v", reg.Len())
	return 0
}

func closeReaders(readers map[string]*kernel.RingReader) {
	for name, r := range readers {
		if err := r.Close(); err != nil {
			slog.Warn("close ring %v: %v", name, err)
		}
		delete(readers, name)
	}
}

func printSettings(settings *config.AppSettings) {
	slog.Info("config, %v", settings.ConfigFile)
	slog.Info("pin-dir, %v", settings.PinDir)
	slog.Info("datapath-socket, %v", settings.DatapathSocket)
	slog.Info("ccp-socket, %v", settings.CCPSocket)
	slog.Info("algorithm, %v", settings.Algorithm)
	slog.Info("report-rate-limit, %v", settings.ReportRateLimit)
	slog.Info("retired-ttl, %v", settings.RetiredTTL)
	slog.Info("queue-depth, %v", settings.QueueDepth)
	slog.Info("tap-stdout, %v", settings.TapStdout)
	slog.Info("tap-file-directory, %v", settings.TapFileDir)
	slog.Info("tap-kafka-broker, %v", settings.TapKafkaBroker)
	slog.Info("metrics-addr, %v", settings.MetricsAddr)
}

// SIMPLE_LOG_LEVEL, when set, wins over --log-level.
func adjustLogLevel(level string) {
	logLevel := os.Getenv("SIMPLE_LOG_LEVEL")
	if len(logLevel) > 0 {
		return
	}
	if level == "debug" {
		slog.SetLevel(slog.DebugLevel)
		return
	}
	slog.SetLevel(slog.InfoLevel)
}
