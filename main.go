package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"i4.energy/across/skgw/modem"
	"i4.energy/across/skgw/sk"
)

var rootCmd = &cobra.Command{
	Use:   "skgw",
	Short: "Route-B gateway for SKSTACK-IP Wi-SUN modules",
	Long: `skgw drives a SKSTACK-IP Wi-SUN module to join a smart meter's Route-B
PAN and relays UDP datagrams between HTTP clients and the meter.

Connection modes:
  Serial:    --serial-port /dev/ttyUSB0 [--baud-rate 115200]
  WebSocket: --bridge-url ws://host/path

The Route-B password is read from the ROUTEB_PASSWORD environment variable,
or prompted interactively if not set.

With --mqtt-broker, serve also bridges ECHONET Lite datagrams over MQTT:
messages on <topic>/send/<port> are sent to the meter and received
datagrams are published to <topic>/recv/3610.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Authenticate with the meter and serve the HTTP gateway",
	RunE:  runServe,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Actively scan for PANA authentication agents",
	RunE:  runScan,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print firmware version and local radio settings",
	RunE:  runInfo,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	flags.Int("baud-rate", 115200, "Baud rate for serial communication")
	flags.String("bridge-url", "", "WebSocket serial bridge URL (ws:// or wss://)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("routeb-id", "", "Route-B authentication ID")

	serveCmd.Flags().String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	serveCmd.Flags().String("mqtt-broker", "", "MQTT broker URL; enables the MQTT bridge (e.g. tcp://localhost:1883)")
	serveCmd.Flags().String("mqtt-topic", "skgw", "Prefix of the MQTT bridge topics")
	scanCmd.Flags().IntSlice("duration", []int{6, 7, 8}, "Scan duration factors, tried in order")

	rootCmd.AddCommand(serveCmd, scanCmd, infoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

func newDialer(config *Config) modem.Dialer {
	if config.BridgeURL != "" {
		return modem.WebSocketDialer{URL: config.BridgeURL}
	}
	return modem.SerialDialer{
		PortName: config.SerialPort,
		BaudRate: config.BaudRate,
	}
}

// openModem loads the configuration for cmd and initializes the modem.
func openModem(cmd *cobra.Command, extra ...ConfigOption) (*Config, *slog.Logger, *modem.Modem, error) {
	opts := append([]ConfigOption{WithDefaults(), WithEnv(), WithFlags(cmd.Flags())}, extra...)
	config, err := LoadConfig(opts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	logger := newLogger(config.LogLevel)

	modemConfig, err := modem.NewConfigBuilder().
		WithLogger(logger.With("component", "modem")).
		WithCommandTimeout(5 * time.Second).
		WithInitTimeout(30 * time.Second).
		WithDialer(newDialer(config)).
		Build()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create modem config: %w", err)
	}

	m, err := modem.New(cmd.Context(), modemConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create modem: %w", err)
	}
	return config, logger, m, nil
}

func runInfo(cmd *cobra.Command, _ []string) error {
	_, _, m, err := openModem(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	info, err := m.Info(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Firmware:   %s\n", m.FirmwareVersion())
	fmt.Fprintf(out, "Link-local: %s\n", info.LinkLocalAddr)
	fmt.Fprintf(out, "MAC:        %s\n", info.MAC)
	fmt.Fprintf(out, "Channel:    %d (0x%02X)\n", info.Channel, info.Channel)
	fmt.Fprintf(out, "PAN ID:     0x%04X\n", info.PANID)
	fmt.Fprintf(out, "Short addr: 0x%04X\n", info.ShortAddr)
	return nil
}

func runScan(cmd *cobra.Command, _ []string) error {
	factors, err := cmd.Flags().GetIntSlice("duration")
	if err != nil {
		return err
	}

	_, _, m, err := openModem(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	found, err := m.ActiveScan(cmd.Context(), modem.ScanPolicy{Durations: modem.ScanDurations(factors...)})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(found) == 0 {
		fmt.Fprintln(out, "No PAN found")
		return nil
	}
	for _, d := range found {
		fmt.Fprintf(out, "Channel 0x%02X  PAN ID 0x%04X  MAC %s  LQI %d\n", d.Channel, d.PANID, d.MAC, d.LQI)
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	config, logger, m, err := openModem(cmd, WithPasswordPrompt(), RequireCredentials())
	if err != nil {
		return err
	}

	logger.Info("Starting Route-B gateway", "firmware", m.FirmwareVersion())

	info, err := m.AuthenticateAsClient(cmd.Context(), config.RouteBID, config.RouteBPassword, modem.AuthOptions{})
	if err != nil {
		m.Close()
		return fmt.Errorf("authenticate: %w", err)
	}
	logger.Info("PANA session established", "peer", info.PeerAddr, "channel", info.Channel, "pan_id", info.PANID)

	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()
	go watchSession(ctx, logger.With("component", "session"), m)

	server := &Server{
		Logger: logger.With("component", "server"),
		Modem:  m,
		Handle: 1,
	}
	if config.MQTTBroker != "" {
		bridge := &Bridge{
			Logger: logger.With("component", "mqtt"),
			Modem:  m,
			Handle: 1,
			Topic:  config.MQTTTopic,
			Ports:  []uint16{sk.ECHONETLitePort},
		}
		client, err := StartMQTT(ctx, config, bridge)
		if err != nil {
			logger.Error("Failed to start MQTT bridge", "error", err)
		} else {
			defer client.Disconnect(500)
			server.Forwarded = bridge.Ports
		}
	}

	httpServer := &http.Server{
		Addr:    config.BindAddress,
		Handler: server,
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start HTTP server in a goroutine
	go func() {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "error", err)
	}

	// Stops the session watcher and the MQTT bridge
	stop()

	logger.Info("Terminating PANA session")
	if _, err := m.Terminate(shutdownCtx); err != nil {
		logger.Warn("Failed to terminate session", "error", err)
	}

	logger.Info("Closing modem connection")
	if err := m.Close(); err != nil {
		logger.Error("Failed to close modem", "error", err)
	}
	return nil
}

// watchSession logs lifecycle messages and rejoins when the agent lets the
// session expire.
func watchSession(ctx context.Context, logger *slog.Logger, m *modem.Modem) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.Events():
			logger.Info("Session event", "kind", ev.Kind.String(), "peer", ev.Peer)
			if ev.Kind != modem.SessionEventExpired {
				continue
			}
			if _, _, err := m.Rejoin(ctx); err != nil {
				logger.Error("Failed to rejoin", "error", err)
			}
		}
	}
}
