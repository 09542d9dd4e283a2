package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/docker/go-metrics"
	gorhandlers "github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quiclb/qcore/config"
	"github.com/quiclb/qcore/engine"
	"github.com/quiclb/qcore/qlogging"
)

// ServeCmd is the cobra command that runs the load balancer.
var ServeCmd = &cobra.Command{
	Use:   "serve <config>",
	Short: "`serve` terminates QUIC on a public listener and forwards streams to backends",
	Long:  "`serve` terminates QUIC on a public listener and forwards streams to backends",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}

		log, err := qlogging.Configure(string(cfg.Log.Level), cfg.Log.Formatter, cfg.Log.Fields, cfg.Log.ReportCaller)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to configure logging: %v\n", err)
			os.Exit(1)
		}
		ctx := qlogging.WithLogger(context.Background(), log)

		configureDebugServer(cfg)

		lb, err := newLoadBalancer(cfg)
		if err != nil {
			logrus.Fatalln(err)
		}

		if err := lb.run(ctx); err != nil {
			logrus.Fatalln(err)
		}
	},
}

// loadBalancer accepts QUIC connections on a public endpoint and assigns
// each connection, round-robin, to one of a pool of backend addresses; all
// streams of a connection go to that connection's backend.
type loadBalancer struct {
	endpoint *engine.Endpoint
	backends []string
	next     atomic.Uint64
}

func newLoadBalancer(cfg *config.Configuration) (*loadBalancer, error) {
	if len(cfg.Listen.Backends) == 0 {
		return nil, fmt.Errorf("no backends configured")
	}

	engineConfig, err := buildEngineConfig(cfg)
	if err != nil {
		return nil, err
	}

	endpoint, err := engine.Listen(cfg.Listen.Public, engineConfig)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen.Public, err)
	}

	return &loadBalancer{
		endpoint: endpoint,
		backends: cfg.Listen.Backends,
	}, nil
}

func buildEngineConfig(cfg *config.Configuration) (*engine.Config, error) {
	var tlsConfig *tls.Config
	if cfg.TLS.Certificate != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.Certificate, cfg.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to load server certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"quiclb"},
			MinVersion:   tls.VersionTLS13,
			// The same Config dials backends as well as accepting public
			// connections; backends are assumed to be trusted cluster
			// members reachable only over the private listen addresses.
			InsecureSkipVerify: true,
		}
	}

	engineConfig := &engine.Config{
		TLSConfig:                tlsConfig,
		MaxConnReadBufferSize:    cfg.Engine.InitialMaxData,
		MaxBidiRemoteStreams:     cfg.Engine.InitialMaxStreamsBidi,
		MaxUniRemoteStreams:      cfg.Engine.InitialMaxStreamsUni,
		RequireAddressValidation: cfg.Engine.RequireAddressValidation,
		MaxIdleTimeout:           cfg.Engine.IdleTimeout,
		KeepAlivePeriod:          cfg.Engine.KeepAlivePeriod,
		PMTUMin:                  cfg.Engine.PMTUMin,
		PMTUMax:                  cfg.Engine.PMTUMax,
	}

	if cfg.Engine.StatelessResetKey != "" {
		key, err := hex.DecodeString(cfg.Engine.StatelessResetKey)
		if err != nil {
			return nil, fmt.Errorf("invalid statelessresetkey: %w", err)
		}
		if len(key) != len(engineConfig.StatelessResetKey) {
			return nil, fmt.Errorf("statelessresetkey must be %d bytes, got %d", len(engineConfig.StatelessResetKey), len(key))
		}
		copy(engineConfig.StatelessResetKey[:], key)
	}

	return engineConfig, nil
}

func (lb *loadBalancer) pickBackend() string {
	i := lb.next.Add(1) - 1
	return lb.backends[i%uint64(len(lb.backends))]
}

func (lb *loadBalancer) run(ctx context.Context) error {
	log := qlogging.GetLogger(ctx)
	log.Infof("quiclb listening on %v, forwarding to %v", lb.endpoint.LocalAddr(), lb.backends)
	for {
		frontend, err := lb.endpoint.Accept(ctx)
		if err != nil {
			return err
		}
		go lb.serveConn(ctx, frontend)
	}
}

func (lb *loadBalancer) serveConn(ctx context.Context, frontend *engine.Conn) {
	log := qlogging.GetLogger(ctx)
	backendAddr := lb.pickBackend()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	backend, err := lb.endpoint.Dial(dialCtx, backendAddr)
	cancel()
	if err != nil {
		log.Errorf("dial backend %s: %v", backendAddr, err)
		frontend.Abort(err)
		return
	}

	for {
		stream, err := frontend.AcceptStream(ctx)
		if err != nil {
			backend.Abort(err)
			return
		}
		go proxyStream(ctx, backend, stream)
	}
}

func proxyStream(ctx context.Context, backend *engine.Conn, frontendStream *engine.Stream) {
	log := qlogging.GetLogger(ctx)

	var backendStream *engine.Stream
	var err error
	if frontendStream.IsReadOnly() {
		backendStream, err = backend.NewSendOnlyStream(ctx)
	} else {
		backendStream, err = backend.NewStream(ctx)
	}
	if err != nil {
		log.Errorf("open backend stream: %v", err)
		frontendStream.Reset(0)
		return
	}

	done := make(chan struct{}, 2)
	copyStream := func(dst, src *engine.Stream, readOnlySrc bool) {
		defer func() { done <- struct{}{} }()
		if readOnlySrc {
			return
		}
		if _, err := io.Copy(dst, src); err != nil {
			log.Debugf("stream copy: %v", err)
		}
		dst.CloseWrite()
	}

	go copyStream(backendStream, frontendStream, frontendStream.IsWriteOnly())
	go copyStream(frontendStream, backendStream, backendStream.IsWriteOnly())
	<-done
	<-done
}

func configureDebugServer(cfg *config.Configuration) {
	if cfg.Debug.Addr != "" {
		configurePrometheus(cfg)
		var handler http.Handler = http.DefaultServeMux
		if !cfg.Debug.AccessLogDisabled {
			handler = gorhandlers.CombinedLoggingHandler(os.Stdout, handler)
		}
		go func(addr string) {
			logrus.Infof("debug server listening %v", addr)
			if err := http.ListenAndServe(addr, handler); err != nil {
				logrus.Fatalf("error listening on debug interface: %v", err)
			}
		}(cfg.Debug.Addr)
	}
}

func configurePrometheus(cfg *config.Configuration) {
	if cfg.Debug.Prometheus.Enabled {
		path := cfg.Debug.Prometheus.Path
		if path == "" {
			path = "/metrics"
		}
		logrus.Info("providing prometheus metrics on ", path)
		http.Handle(path, metrics.Handler())
	}
}

func resolveConfiguration(args []string) (*config.Configuration, error) {
	var configurationPath string

	if len(args) > 0 {
		configurationPath = args[0]
	} else if os.Getenv("QUICLB_CONFIGURATION_PATH") != "" {
		configurationPath = os.Getenv("QUICLB_CONFIGURATION_PATH")
	}

	if configurationPath == "" {
		return nil, fmt.Errorf("configuration path unspecified")
	}

	fp, err := os.Open(configurationPath)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	cfg, err := config.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", configurationPath, err)
	}

	return cfg, nil
}
