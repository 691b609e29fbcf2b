package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lisuiheng/pawire-go/audio"
	"github.com/lisuiheng/pawire-go/core"
	"github.com/lisuiheng/pawire-go/logger"
	"github.com/lisuiheng/pawire-go/metrics"
	"github.com/lisuiheng/pawire-go/protocols/websocket"
	"github.com/lisuiheng/pawire-go/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", core.ErrorKind(err), err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var (
		configPath string
		cfg        core.Config
	)

	root := &cobra.Command{
		Use:           "pawire",
		Short:         "Route microphone audio to the speaker in real time",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = loadConfig(v, configPath)
			if err != nil {
				return err
			}
			return initLogger(v, cfg)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to config file (default searches ./config.yaml, ./config/config.yaml, /etc/pawire/config.yaml)")
	flags.String("backend", "", "Audio backend: malgo, portaudio or virtual")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: text or json")
	flags.Bool("debug", false, "Enable debug logging to stdout")
	_ = v.BindPFlag("audio.backend", flags.Lookup("backend"))
	_ = v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("logging.format", flags.Lookup("log-format"))
	_ = v.BindPFlag("debug", flags.Lookup("debug"))

	root.AddCommand(newDevicesCmd(&cfg))
	root.AddCommand(newRunCmd(v, &cfg))
	return root
}

func newDevicesCmd(cfg *core.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input and output devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := audio.NewBackend(cfg.Audio.Backend, logger.Logger())
			if err != nil {
				return err
			}
			defer closeBackend(backend)

			catalog := audio.NewCatalog(backend, cfg.FrameDuration(), cfg.Audio.FramesPerBlock, logger.Logger())
			devices, err := catalog.Enumerate()
			if err != nil {
				return err
			}
			printDevices(cmd, backend.Name(), devices)
			return nil
		},
	}
}

func newRunCmd(v *viper.Viper, cfg *core.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the microphone to speaker link until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLink(cmd.Context(), *cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("input", "", "Input device ID or name (default device if empty)")
	flags.String("output", "", "Output device ID or name (default device if empty)")
	flags.Int("buffer-depth", 0, "Ring buffer depth in blocks (derived from device latency if 0)")
	flags.Int("frame-duration", 0, "Block duration in milliseconds")
	flags.Int("frames-per-block", 0, "Frames per block, overrides --frame-duration when set")
	flags.String("status-addr", "", "Serve status websocket and metrics on this address")
	flags.Int("retries", 0, "Retry a failed start this many times")
	_ = v.BindPFlag("audio.input_device", flags.Lookup("input"))
	_ = v.BindPFlag("audio.output_device", flags.Lookup("output"))
	_ = v.BindPFlag("audio.buffer_depth", flags.Lookup("buffer-depth"))
	_ = v.BindPFlag("audio.frame_duration", flags.Lookup("frame-duration"))
	_ = v.BindPFlag("audio.frames_per_block", flags.Lookup("frames-per-block"))
	_ = v.BindPFlag("status.listen_addr", flags.Lookup("status-addr"))
	_ = v.BindPFlag("start.retries", flags.Lookup("retries"))
	return cmd
}

func runLink(parent context.Context, cfg core.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.Logger()
	backend, err := audio.NewBackend(cfg.Audio.Backend, log)
	if err != nil {
		return err
	}
	defer closeBackend(backend)

	link, err := core.NewLink(backend, cfg, log)
	if err != nil {
		return err
	}

	// 启动失败时是否重试由调用方决定，链路本身不会自动重试
	err = utils.Retry(ctx, cfg.Start.Retries, utils.NewExponentialBackoff(), retryableStartError, func() error {
		return link.Start(core.StartOptions{})
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := link.Stop(); err != nil {
			log.Error("Failed to stop audio link", "error", err)
		}
	}()

	statusErr := make(chan error, 1)
	if cfg.Status.ListenAddr != "" {
		statusCtx, cancelStatus := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			statusErr <- serveStatus(statusCtx, link, cfg)
		}()
		defer func() {
			cancelStatus()
			wg.Wait()
		}()
	}

	log.Info("Audio link running, press Ctrl+C to quit")
	ticker := time.NewTicker(cfg.StatusInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Received signal, shutting down")
			return nil
		case err := <-statusErr:
			if err != nil {
				return err
			}
		case <-ticker.C:
			st := link.Status()
			log.Debug("Link status",
				"state", st.State,
				"overruns", st.OverrunCount,
				"underruns", st.UnderrunCount,
				"buffered", st.Buffered)
			if st.State == core.StateFaulted {
				log.Error("Audio device lost, stopping link")
				return fmt.Errorf("%w: link faulted", audio.ErrDeviceLost)
			}
		}
	}
}

func serveStatus(ctx context.Context, link *core.Link, cfg core.Config) error {
	log := logger.Logger()

	registry := prometheus.NewRegistry()
	if _, err := metrics.NewLinkCollector(link, registry); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	feed, err := websocket.NewStatusFeed(link, websocket.Config{
		ListenAddr: cfg.Status.ListenAddr,
		Interval:   cfg.StatusInterval(),
	}, log)
	if err != nil {
		return err
	}
	return feed.Run(ctx, mux)
}

func retryableStartError(err error) bool {
	return errors.Is(err, audio.ErrStreamOpen) ||
		errors.Is(err, audio.ErrStreamStart) ||
		errors.Is(err, audio.ErrDeviceEnumeration)
}

func closeBackend(backend audio.Backend) {
	if err := backend.Close(); err != nil {
		logger.Error("Failed to close audio backend", "error", err)
	}
}

func printDevices(cmd *cobra.Command, backend string, devices []audio.DeviceDescriptor) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Backend: %s, %d devices\n", backend, len(devices))
	for _, dev := range devices {
		marker := " "
		if dev.IsDefault {
			marker = "*"
		}
		rates := make([]string, 0, len(dev.SampleRates))
		for _, r := range dev.SampleRates {
			rates = append(rates, fmt.Sprint(r))
		}
		formats := make([]string, 0, len(dev.Formats))
		for _, f := range dev.Formats {
			formats = append(formats, f.String())
		}
		fmt.Fprintf(out, "%s [%s] %-6s %s (%s) channels=%d-%d rates=%s formats=%s latency=%s\n",
			marker, dev.ID, dev.Direction, dev.Name, dev.HostAPI,
			dev.Channels.Min, dev.Channels.Max,
			strings.Join(rates, ","), strings.Join(formats, ","), dev.Latency)
	}
}
