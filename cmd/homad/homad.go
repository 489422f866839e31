// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The homad command receives Homa RPC requests from the network and logs
// each complete message.
//
// Packets are read from a UDP socket (or, with --raw, an IP protocol 146
// socket) and handed to the receive path, which assembles them into server
// RPCs on the configured ports. Prometheus metrics are served on
// --metrics-addr.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"homa.dev/homa"
	"homa.dev/net/homaconn"
)

// options are homad's settings after flags, environment and the config
// file have been merged.
type options struct {
	configPath    string
	listen        string
	raw           bool
	ports         []uint16
	backlogLimit  int
	backlogPolicy string
	completedTTL  time.Duration
	allow         []netip.Prefix
	metricsAddr   string
	logLevel      string
	batchSize     int
}

// parsePorts parses a comma-separated list of Homa ports.
func parsePorts(s string) ([]uint16, error) {
	var ports []uint16
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		p, err := strconv.ParseUint(f, 10, 16)
		if err != nil || p == 0 {
			return nil, errors.New("bad port: " + f)
		}
		ports = append(ports, uint16(p))
	}
	return ports, nil
}

// parsePrefixes parses a comma-separated list of IP prefixes or addresses.
func parsePrefixes(s string) ([]netip.Prefix, error) {
	var pfxs []netip.Prefix
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if ip, err := netip.ParseAddr(f); err == nil {
			pfxs = append(pfxs, netip.PrefixFrom(ip, ip.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(f)
		if err != nil {
			return nil, fmt.Errorf("bad source prefix %q: %w", f, err)
		}
		pfxs = append(pfxs, p)
	}
	return pfxs, nil
}

func parseOptions(args []string) (*options, error) {
	fs := flag.NewFlagSet("homad", flag.ContinueOnError)
	var (
		configPath    = fs.String("config", "", "path to a HuJSON config file; flags and HOMAD_* environment variables override it")
		listen        = fs.String("listen", "0.0.0.0:4000", "address to read Homa packets on")
		raw           = fs.Bool("raw", false, "read Homa packets from a raw IP protocol 146 socket instead of UDP")
		ports         = fs.String("ports", "99", "comma-separated list of Homa ports to bind")
		backlogLimit  = fs.Int("backlog-limit", 0, "maximum packets queued on a busy socket; 0 means unbounded")
		backlogPolicy = fs.String("backlog-policy", homa.DropIncoming.String(), "packet to drop when a socket backlog is full: drop-incoming or drop-oldest")
		completedTTL  = fs.Duration("completed-ttl", homa.DefaultCompletedTTL, "how long finished RPC ids are remembered")
		allow         = fs.String("allow", "", "comma-separated list of source prefixes to accept packets from; empty accepts all")
		metricsAddr   = fs.String("metrics-addr", "localhost:9146", "address to serve /metrics on; empty disables it")
		logLevel      = fs.String("log-level", "info", "log level: debug, info, warn or error")
		batchSize     = fs.Int("batch-size", homaconn.DefaultBatchSize, "datagrams read per system call")
	)
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("HOMAD")); err != nil {
		return nil, err
	}
	o := &options{
		configPath:    *configPath,
		listen:        *listen,
		raw:           *raw,
		backlogLimit:  *backlogLimit,
		backlogPolicy: *backlogPolicy,
		completedTTL:  *completedTTL,
		metricsAddr:   *metricsAddr,
		logLevel:      *logLevel,
		batchSize:     *batchSize,
	}
	var err error
	if o.ports, err = parsePorts(*ports); err != nil {
		return nil, err
	}
	if o.allow, err = parsePrefixes(*allow); err != nil {
		return nil, err
	}
	if o.configPath != "" {
		fc, err := loadConfigFile(o.configPath)
		if err != nil {
			return nil, err
		}
		explicit := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
		fc.applyTo(o, explicit)
	}
	if len(o.ports) == 0 {
		return nil, errors.New("no ports")
	}
	return o, nil
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	l, err := zap.Config{
		Level:            lvl,
		Encoding:         "json",
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    encoderCfg,
	}.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func main() {
	o, err := parseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "homad: %v\n", err)
		os.Exit(2)
	}
	logger, err := newLogger(o.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "homad: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, logger, o)
	cancel()
	if err != nil {
		logger.Errorw("exiting", "err", err)
	}
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.SugaredLogger, o *options) error {
	policy, err := homa.ParseOverflowPolicy(o.backlogPolicy)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	dl := newDeliverer(logger.Named("delivery"), reg)
	h, err := homa.New(homa.Config{
		Logf:          logger.Named("homa").Warnf,
		Registerer:    reg,
		BacklogLimit:  o.backlogLimit,
		BacklogPolicy: policy,
		CompletedTTL:  o.completedTTL,
		Delivery:      dl,
		OnDrop:        dropLogger(logger.Named("drop")),
	})
	if err != nil {
		return err
	}

	var socks []*homa.Sock
	defer func() {
		for _, s := range socks {
			s.Destroy()
		}
	}()
	for _, port := range o.ports {
		s := homa.NewSock(h)
		socks = append(socks, s)
		if err := s.Bind(port); err != nil {
			return fmt.Errorf("binding port %d: %w", port, err)
		}
	}

	// Bind everything before any goroutine starts so that a bad address
	// fails run without leaving work behind.
	var ln net.Listener
	if o.metricsAddr != "" {
		ln, err = net.Listen("tcp", o.metricsAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", o.metricsAddr, err)
		}
		defer ln.Close()
	}

	var pc net.PacketConn
	if o.raw {
		pc, err = homaconn.ListenRaw(o.listen)
	} else {
		pc, err = homaconn.ListenUDP(o.listen)
	}
	if err != nil {
		return fmt.Errorf("listening on %s: %w", o.listen, err)
	}
	recv, err := homaconn.New(pc, h, homaconn.Config{
		Logf:           logger.Named("conn").Infof,
		BatchSize:      o.batchSize,
		AllowedSources: o.allow,
	})
	if err != nil {
		pc.Close()
		return err
	}
	defer recv.Close()
	registerReceiverMetrics(reg, recv)

	logger.Infow("serving", "addr", recv.LocalAddr().String(), "ports", o.ports, "raw", o.raw)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return recv.Run(ctx)
	})
	group.Go(func() error {
		return dl.run(ctx, socks)
	})
	if ln != nil {
		srv := &http.Server{
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	err = group.Wait()
	logger.Infow("shutting down")
	return err
}

// dropLogger reports dropped packets as structured debug events.
func dropLogger(logger *zap.SugaredLogger) func(homa.DropEvent) {
	if !logger.Desugar().Core().Enabled(zapcore.DebugLevel) {
		return nil
	}
	return func(ev homa.DropEvent) {
		kv := []any{
			"reason", string(ev.Reason),
			"src", ev.Src.String(),
			"sport", ev.Sport,
			"dport", ev.Dport,
			"id", ev.ID,
			"type", ev.Type.String(),
		}
		if ev.Err != nil {
			kv = append(kv, "error", ev.Err.Error())
		}
		logger.Debugw("dropped packet", kv...)
	}
}
