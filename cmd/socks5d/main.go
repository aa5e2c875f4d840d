// Command socks5d runs a standalone SOCKS5 CONNECT-only proxy: bind,
// accept, negotiate, filter by rule, relay, until a termination signal
// arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kureta/gatekeeper-socks5/internal/acceptor"
	"github.com/kureta/gatekeeper-socks5/internal/config"
	"github.com/kureta/gatekeeper-socks5/internal/connector"
	"github.com/kureta/gatekeeper-socks5/internal/logging"
	"github.com/kureta/gatekeeper-socks5/internal/session"
	"github.com/kureta/gatekeeper-socks5/internal/supervisor"
)

const (
	dialTimeout = 10 * time.Second
)

func main() {
	port := flag.Int("port", config.DefaultPort, "listen port")
	ip := flag.String("ip", config.DefaultIP, "listen address")
	rulePath := flag.String("rule", "", "path to YAML connect-rule file (default: allow all)")
	debug := flag.Bool("debug", false, "enable debug logging")
	testConfig := flag.Bool("t", false, "test configuration and exit")
	flag.Parse()

	cfg := config.Default()
	cfg.ListenPort = uint16(*port)

	listenIP, err := config.ParseListenIP(*ip)
	if err != nil {
		fatalConfig(*testConfig, err)
	}
	cfg.ListenIP = listenIP

	if *rulePath != "" {
		r, err := config.LoadRuleFile(*rulePath)
		if err != nil {
			fatalConfig(*testConfig, err)
		}
		cfg.Rule = r
	}

	if *testConfig {
		fmt.Printf("configuration OK: listen %s:%d, %d rule entries\n", cfg.ListenIP, cfg.ListenPort, len(cfg.Rule.Entries()))
		os.Exit(0)
	}

	logger, err := logging.New(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "socks5d: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	acc, err := acceptor.Bind(acceptor.Config{
		ListenIP:      cfg.ListenIP,
		ListenPort:    cfg.ListenPort,
		Backlog:       acceptor.DefaultBacklog,
		AcceptTimeout: cfg.AcceptTimeout,
		ClientTimeout: cfg.ClientTimeout,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("bind failed", zap.Error(err))
	}
	logger.Info("listening", zap.Stringer("addr", acc.Addr()))

	sessionCfg := session.Config{
		Authorizer:      session.NoAuthAuthorizer{},
		Rule:            &cfg.Rule,
		Connector:       connector.NewTCPConnector(dialTimeout, cfg.UpstreamTimeout),
		ClientTimeout:   cfg.ClientTimeout,
		UpstreamTimeout: cfg.UpstreamTimeout,
		Logger:          logger,
	}

	sup := supervisor.New(acc, sessionCfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGCHLD)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
		sup.Terminate()
	}()

	sup.Run(context.Background())
	logger.Info("shutdown complete")
}

func fatalConfig(testMode bool, err error) {
	if testMode {
		fmt.Fprintf(os.Stderr, "configuration test FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "socks5d: %v\n", err)
	os.Exit(1)
}
