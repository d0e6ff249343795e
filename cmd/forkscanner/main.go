// Command forkscanner is the process entrypoint: it loads configuration,
// dials every configured Bitcoin node (plus mirrors), wires the storage
// backend and notification sinks, and runs the engine's tick loop until
// signalled to stop. Flag/app shape follows the teacher's cmd/kcn/main.go
// (gopkg.in/urfave/cli.v1, a package-level app + Action closure), scaled
// down to forkscanner's much smaller flag surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/urfave/cli.v1"

	"github.com/forkscanner/forkscanner/config"
	"github.com/forkscanner/forkscanner/engine"
	"github.com/forkscanner/forkscanner/log"
	"github.com/forkscanner/forkscanner/node"
	"github.com/forkscanner/forkscanner/notify"
	"github.com/forkscanner/forkscanner/notify/kafka"
	"github.com/forkscanner/forkscanner/notify/ws"
	"github.com/forkscanner/forkscanner/store"
	"github.com/forkscanner/forkscanner/store/memstore"
	"github.com/forkscanner/forkscanner/store/sql"
)

var logger = log.NewModuleLogger(log.ModuleEngine)

var (
	ConfigFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "Path to a TOML config file (overlays DefaultConfig)",
	}
	LogLevelFlag = cli.StringFlag{
		Name:  "loglevel",
		Usage: "Log level: trace|debug|info|warn|error|crit (overrides config file)",
	}
	WSAddrFlag = cli.StringFlag{
		Name:  "ws.addr",
		Usage: "Address to serve the JSON-RPC 2.0 WebSocket publish feed on (empty disables it)",
	}
	KafkaBrokersFlag = cli.StringSliceFlag{
		Name:  "kafka.broker",
		Usage: "Kafka broker address (repeatable); omit to disable the kafka sink",
	}
	MemStoreFlag = cli.BoolFlag{
		Name:  "memstore",
		Usage: "Use the in-process fake store instead of the SQL backend (development only)",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "forkscanner"
	app.Usage = "Bitcoin fork reconciliation and stale/double-spend detection engine"
	app.Flags = []cli.Flag{ConfigFileFlag, LogLevelFlag, WSAddrFlag, KafkaBrokersFlag, MemStoreFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	log.SetGlobalLevel(cfg.Level())

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	endpoints, err := dialNodes(cfg)
	if err != nil {
		return err
	}

	feeds := notify.New()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if brokers := ctx.StringSlice(KafkaBrokersFlag.Name); len(brokers) > 0 {
		sink, err := kafka.NewSink(runCtx, kafka.DefaultConfig(brokers), feeds)
		if err != nil {
			return fmt.Errorf("failed to start kafka sink: %w", err)
		}
		defer sink.Close()
	}

	if addr := ctx.String(WSAddrFlag.Name); addr != "" {
		hub := ws.NewHub(feeds)
		defer hub.Close()
		go serveWS(addr, hub)
	}

	eng := engine.New(st, cfg, feeds, endpoints)
	if err := eng.Start(runCtx); err != nil {
		return err
	}

	waitForSignal()
	logger.Info("shutting down")
	return eng.Stop()
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := config.DefaultConfig
	if path := ctx.String(ConfigFileFlag.Name); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = *loaded
	}
	if lvl := ctx.String(LogLevelFlag.Name); lvl != "" {
		cfg.LogLevel = lvl
	}
	return &cfg, nil
}

func openStore(ctx *cli.Context, cfg *config.Config) (store.Store, error) {
	if ctx.Bool(MemStoreFlag.Name) || cfg.DatabaseDSN == "" {
		logger.Warn("using in-process memstore; data will not survive a restart")
		return memstore.New(), nil
	}
	return sql.Open(cfg.DatabaseDSN)
}

// dialNodes builds one node.Client per configured node, plus a second
// Client for any configured mirror endpoint (spec.md §4.5).
func dialNodes(cfg *config.Config) (map[int64]engine.NodeEndpoints, error) {
	endpoints := make(map[int64]engine.NodeEndpoints, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		id := int64(i + 1)
		primary := node.Dial(n.Host, n.Port, n.User, n.Pass, n.UseSSL, cfg.RpcTimeout)

		ep := engine.NodeEndpoints{NodeID: id, Primary: primary}
		if n.HasMirror() {
			ep.Mirror = node.Dial(n.MirrorHost, n.MirrorPort, n.User, n.Pass, n.UseSSL, cfg.RpcTimeout)
			ep.MirrorKey = fmt.Sprintf("%s:%d", n.MirrorHost, n.MirrorPort)
		}
		endpoints[id] = ep
	}
	return endpoints, nil
}

func serveWS(addr string, hub *ws.Hub) {
	mux := http.NewServeMux()
	mux.Handle("/", hub)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("websocket server exited", "err", err)
	}
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
