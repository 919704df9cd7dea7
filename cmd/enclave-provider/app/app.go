// SPDX-FileCopyrightText: 2023 SAP SE or an SAP affiliate company and IronCore contributors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	goflag "flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/ironcore-dev/enclave-provider/api"
	"github.com/ironcore-dev/enclave-provider/internal/boot"
	"github.com/ironcore-dev/enclave-provider/internal/boot/emulator"
	"github.com/ironcore-dev/enclave-provider/internal/controller"
	"github.com/ironcore-dev/enclave-provider/internal/device"
	"github.com/ironcore-dev/enclave-provider/internal/healthcheck"
	"github.com/ironcore-dev/enclave-provider/internal/host"
	"github.com/ironcore-dev/enclave-provider/internal/irq"
	"github.com/ironcore-dev/enclave-provider/internal/lcall"
	"github.com/ironcore-dev/enclave-provider/internal/resources"
	"github.com/ironcore-dev/enclave-provider/internal/segment"
	"github.com/ironcore-dev/enclave-provider/internal/server"
	"github.com/ironcore-dev/enclave-provider/internal/shm"
	"github.com/ironcore-dev/enclave-provider/internal/wire"
	"github.com/ironcore-dev/enclave-provider/internal/xbuf"
	"github.com/ironcore-dev/ironcore/broker/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

var (
	homeDir string
)

func init() {
	homeDir, _ = os.UserHomeDir()
}

type Options struct {
	Address string
	RootDir string

	Servers ServersOptions

	BootDriver   BootDriverOption
	HostCore     uint32
	ReservedCPUs []uint
	PCIDevices   []string
	BootTimeout  time.Duration

	Channel         ChannelOptions
	LongcallWorkers int
}

type HTTPServerOptions struct {
	Addr            string
	GracefulTimeout time.Duration
}

type ServersOptions struct {
	Metrics     HTTPServerOptions
	HealthCheck HTTPServerOptions
}

type ChannelOptions struct {
	StallThreshold int
	YieldInterval  int
	MaxMessageSize uint32
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Address, "address", "/var/run/enclave-provider.sock", "Address to listen on.")
	fs.StringVar(&o.RootDir, "enclave-provider-dir", filepath.Join(homeDir, ".enclave-provider"), "Path to the directory enclave-provider manages its content at.")

	fs.StringVar(&o.Servers.Metrics.Addr, "servers-metrics-address", "", "Address to listen on exposing of metrics. If address isn't set, server is disabled.")
	fs.DurationVar(&o.Servers.Metrics.GracefulTimeout, "servers-metrics-gracefultimeout", 2*time.Second, "Graceful timeout for shutdown metrics server.")

	fs.StringVar(&o.Servers.HealthCheck.Addr, "servers-health-check-address", "127.0.0.1:8080", "Address to listen on health check liveness.")
	fs.DurationVar(&o.Servers.HealthCheck.GracefulTimeout, "servers-health-check-gracefultimeout", 2*time.Second, "Graceful timeout for shutdown health check server.")

	fs.Var(&o.BootDriver, "boot-driver", fmt.Sprintf("Driver starting enclave kernels. Available: %v", bootDriverOptionAvailable()))
	fs.Uint32Var(&o.HostCore, "host-core", 0, "CPU receiving the interrupts of all enclaves. It is never handed to an enclave.")
	fs.UintSliceVar(&o.ReservedCPUs, "reserved-cpus", nil, "CPUs that are never handed to an enclave.")
	fs.StringSliceVar(&o.PCIDevices, "pci-devices", nil, "PCI addresses (bus:device.function) enclaves may claim. All devices are allowed if empty.")
	fs.DurationVar(&o.BootTimeout, "boot-timeout", controller.DefaultBootTimeout, "Time a booted enclave kernel has to open its channels.")

	fs.IntVar(&o.Channel.StallThreshold, "channel-stall-threshold", xbuf.DefaultStallThreshold, "Busy-wait iterations after which a stalled channel is reported.")
	fs.IntVar(&o.Channel.YieldInterval, "channel-yield-interval", xbuf.DefaultYieldInterval, "Busy-wait iterations between two yields.")
	fs.Uint32Var(&o.Channel.MaxMessageSize, "channel-max-message-size", xbuf.DefaultMaxMessageSize, "Largest message a peer may announce.")
	fs.IntVar(&o.LongcallWorkers, "longcall-workers", lcall.DefaultWorkers, "Number of workers serving longcalls per enclave.")
}

func Command() *cobra.Command {
	var (
		zapOpts = zap.Options{Development: true}
		opts    Options
	)

	cmd := &cobra.Command{
		Use: "enclave-provider",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger := zap.New(zap.UseFlagOptions(&zapOpts))
			ctrl.SetLogger(logger)
			cmd.SetContext(ctrl.LoggerInto(cmd.Context(), ctrl.Log))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			//flag parsing is done therefore we can silence the usage message
			cmd.SilenceUsage = true
			//error logging is done in the main
			cmd.SilenceErrors = true
			return Run(cmd.Context(), opts)
		},
	}

	goFlags := goflag.NewFlagSet("", 0)
	zapOpts.BindFlags(goFlags)
	cmd.PersistentFlags().AddGoFlagSet(goFlags)

	opts.AddFlags(cmd.Flags())

	return cmd
}

func Run(ctx context.Context, opts Options) error {
	log := ctrl.LoggerFrom(ctx)
	setupLog := log.WithName("setup")

	paths, err := host.PathsAt(opts.RootDir)
	if err != nil {
		setupLog.Error(err, "failed to initialize provider host")
		return err
	}

	setupLog.Info("Configuring enclave store", "Directory", paths.EnclaveStoreDir())
	enclaveStore, err := host.NewStore(host.Options[*api.Enclave]{
		NewFunc: func() *api.Enclave { return &api.Enclave{} },
		Dir:     paths.EnclaveStoreDir(),
	})
	if err != nil {
		setupLog.Error(err, "failed to initialize enclave store")
		return err
	}

	reserved := []uint64{uint64(opts.HostCore)}
	for _, cpu := range opts.ReservedCPUs {
		reserved = append(reserved, uint64(cpu))
	}
	inventory, err := resources.NewInventory(ctx, log.WithName("resources"), resources.Options{ReservedCPUs: reserved})
	if err != nil {
		setupLog.Error(err, "failed to initialize host resources")
		return err
	}

	devices := device.NewRegistry(log.WithName("pci-devices"), opts.PCIDevices...)
	if err := devices.Init(); err != nil {
		setupLog.Error(err, "failed to initialize pci devices")
		return err
	}

	mem := shm.NewMemory()
	defer func() {
		if err := mem.Close(); err != nil {
			setupLog.Error(err, "failed to release enclave memory")
		}
	}()
	fabric := irq.NewFabric(log.WithName("irq"))

	channelOpts := xbuf.Options{
		StallThreshold: opts.Channel.StallThreshold,
		YieldInterval:  opts.Channel.YieldInterval,
		MaxMessageSize: opts.Channel.MaxMessageSize,
	}

	booter, err := newBooter(log, opts, mem, fabric, channelOpts)
	if err != nil {
		setupLog.Error(err, "failed to initialize boot driver")
		return err
	}

	longcalls := lcall.NewRegistry()
	if err := longcalls.Register(wire.LongcallSegmentCommand, segment.Forwarder{
		Link: segment.LogLink{Log: log.WithName("segment")},
	}); err != nil {
		setupLog.Error(err, "failed to register segment service")
		return err
	}

	manager, err := controller.NewManager(log.WithName("controller"), booter, enclaveStore, controller.ManagerOptions{
		Memory:          mem,
		IRQ:             fabric,
		Inventory:       inventory,
		Devices:         devices,
		Longcalls:       longcalls,
		HostCore:        opts.HostCore,
		BootTimeout:     opts.BootTimeout,
		Channel:         channelOpts,
		LongcallWorkers: opts.LongcallWorkers,
	})
	if err != nil {
		setupLog.Error(err, "failed to initialize enclave manager")
		return err
	}
	if err := manager.Start(ctx); err != nil {
		setupLog.Error(err, "failed to start enclave manager")
		return err
	}
	defer func() {
		setupLog.Info("Freeing enclaves")
		if err := manager.Close(context.Background()); err != nil {
			setupLog.Error(err, "failed to free enclaves")
		}
	}()

	srv, err := server.New(server.Options{Manager: manager})
	if err != nil {
		setupLog.Error(err, "failed to initialize server")
		return err
	}

	healthCheck := healthcheck.HealthCheck{
		Enclaves: enclaveStore,
		Log:      log.WithName("health-check"),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runMetricsServer(ctx, setupLog, opts.Servers.Metrics)
	})

	g.Go(func() error {
		setupLog.Info("Starting control server")
		if err := runControlServer(ctx, setupLog, log, srv, opts); err != nil {
			setupLog.Error(err, "failed to start control server")
			return err
		}
		return nil
	})

	g.Go(func() error {
		setupLog.Info("Starting health check server")
		if err := runHealthCheckServer(ctx, setupLog, healthCheck, opts.Servers.HealthCheck); err != nil {
			setupLog.Error(err, "failed to start health check server")
			return err
		}
		return nil
	})

	return g.Wait()
}

func newBooter(log logr.Logger, opts Options, mem *shm.Memory, fabric *irq.Fabric, channelOpts xbuf.Options) (boot.Booter, error) {
	switch driver := opts.BootDriver.Get(); driver {
	case BootDriverEmulated:
		return emulator.New(log.WithName("emulator"), mem, fabric, emulator.Options{Channel: channelOpts})
	default:
		return nil, fmt.Errorf("unsupported boot driver %s", driver)
	}
}

func runControlServer(ctx context.Context, setupLog, log logr.Logger, srv *server.Server, opts Options) error {
	setupLog.V(1).Info("Cleaning up any previous socket")
	if err := common.CleanupSocketIfExists(opts.Address); err != nil {
		return fmt.Errorf("error cleaning up socket: %w", err)
	}

	httpSrv := &http.Server{
		Handler: server.NewHandler(srv, server.HandlerOptions{
			Log: log.WithName("control-server"),
		}),
	}

	setupLog.V(1).Info("Start listening on unix socket", "Address", opts.Address)
	l, err := net.Listen("unix", opts.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		setupLog.Info("Shutting down control server")
		_ = httpSrv.Close()
		setupLog.Info("Shut down control server")
	}()

	setupLog.Info("Starting control server", "Address", l.Addr().String())
	if err := httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("error serving control server: %w", err)
	}
	return nil
}

func runMetricsServer(ctx context.Context, setupLog logr.Logger, opts HTTPServerOptions) error {
	if opts.Addr == "" {
		setupLog.Info("Metrics server address isn't configured. Metrics server is disabled.")
		return nil
	}

	setupLog.Info("Starting metrics server on " + opts.Addr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := http.Server{
		Addr:    opts.Addr,
		Handler: mux,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		setupLog.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.GracefulTimeout)
		defer cancel()
		locErr := srv.Shutdown(shutdownCtx)
		if locErr != nil {
			setupLog.Error(locErr, "metrics server wasn't shutdown properly")
		} else {
			setupLog.Info("Metrics server is shutdown")
		}
	}()

	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("error listening / serving metrics server: %w", err)
	}

	setupLog.Info("Metrics server stopped serve new connections")

	wg.Wait()

	return nil
}

func runHealthCheckServer(ctx context.Context, setupLog logr.Logger, healthCheck healthcheck.HealthCheck, opts HTTPServerOptions) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthCheck.HealthCheckHandler)

	srv := http.Server{
		Addr:    opts.Addr,
		Handler: mux,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		setupLog.Info("Shutting down health check server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.GracefulTimeout)
		defer cancel()
		locErr := srv.Shutdown(shutdownCtx)
		if locErr != nil {
			setupLog.Error(locErr, "health check server wasn't shutdown properly")
		} else {
			setupLog.Info("Health check server is shutdown")
		}
	}()

	setupLog.V(1).Info("Starting health check server", "Address", opts.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("error listening / serving health check server: %w", err)
	}

	wg.Wait()

	return nil
}
