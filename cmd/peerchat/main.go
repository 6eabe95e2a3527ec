// Package main is the peerchat entrypoint.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aeolun/peerchat/pkg/account"
	"github.com/aeolun/peerchat/pkg/client"
	"github.com/aeolun/peerchat/pkg/loadtest"
	"github.com/aeolun/peerchat/pkg/logging"
	"github.com/aeolun/peerchat/pkg/server"
	"github.com/aeolun/peerchat/pkg/transport"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// CLI command definitions.
var (
	logger logrus.FieldLogger = logrus.StandardLogger()

	debug bool

	rootCmd = &cobra.Command{
		Use:           "peerchat",
		Short:         "Chat server and client with peer-to-peer private messaging.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serverCmd = &cobra.Command{
		Use:   "server [port] [block_duration] [timeout]",
		Short: "Starts a chat server.",
		Long: "Starts a chat server. Positional arguments override the config file: " +
			"the listen port, the lockout duration in seconds and the idle timeout in seconds.",
		Args: cobra.MaximumNArgs(3),
		RunE: runServer,
	}
	configPath string

	clientCmd = &cobra.Command{
		Use:   "client <host> <port>",
		Short: "Connects to a chat server.",
		Args:  cobra.ExactArgs(2),
		RunE:  runClient,
	}
	useWebSocket bool
	notify       bool

	loadtestCmd = &cobra.Command{
		Use:   "loadtest <host> <port>",
		Short: "Logs in every account from a credentials file and generates traffic.",
		Args:  cobra.ExactArgs(2),
		RunE:  runLoadtest,
	}
	loadOpts        loadtest.Options
	loadCredentials string
)

func runServer(cmd *cobra.Command, args []string) error {
	tc, err := server.LoadConfig(configPath)
	if err != nil {
		return errors.Wrap(err, "load config failed")
	}
	cfg := tc.ToConfig()
	if err := cfg.ApplyArgs(args); err != nil {
		return err
	}
	cfg.Debug = cfg.Debug || debug
	logging.Setup(logging.Level(cfg.Debug, logrus.InfoLevel), logrus.InfoLevel)

	accounts, err := account.LoadFile(cfg.CredentialsPath, account.SeedOptions{
		BlockDuration: cfg.BlockDuration,
		PasswordCost:  cfg.PasswordCost,
	})
	if err != nil {
		return errors.Wrap(err, "load credentials failed")
	}

	srv := server.NewServer(cfg, accounts, server.NewMetrics(prometheus.DefaultRegisterer))
	if err := srv.Start(); err != nil {
		return errors.Wrap(err, "start server failed")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	return srv.Stop()
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, errors.Errorf("invalid port %q", s)
	}
	return port, nil
}

func runClient(cmd *cobra.Command, args []string) error {
	logging.Setup(logging.Level(debug, logrus.WarnLevel), logrus.WarnLevel)

	host := args[0]
	port, err := parsePort(args[1])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	var nc net.Conn
	if useWebSocket {
		nc, err = transport.Dial(ctx, host, port)
	} else {
		var d net.Dialer
		nc, err = d.DialContext(ctx, "tcp", net.JoinHostPort(host, args[1]))
	}
	if err != nil {
		return errors.Wrap(err, "connect to server failed")
	}

	session, err := client.NewSession(nc, os.Stdin, client.NewPrinter(os.Stdout, notify))
	if err != nil {
		nc.Close()
		return err
	}
	return session.Run()
}

func runLoadtest(cmd *cobra.Command, args []string) error {
	logging.Setup(logging.Level(debug, logrus.InfoLevel), logrus.InfoLevel)

	port, err := parsePort(args[1])
	if err != nil {
		return err
	}
	f, err := os.Open(loadCredentials)
	if err != nil {
		return errors.Wrap(err, "open credentials failed")
	}
	creds, err := loadtest.ReadCredentials(f)
	f.Close()
	if err != nil {
		return err
	}

	opts := loadOpts
	opts.Host = args[0]
	opts.Port = port
	opts.WebSocket = useWebSocket
	opts.Credentials = creds

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	_, err = loadtest.Run(ctx, opts)
	return err
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	serverCmd.Flags().StringVar(&configPath, "config", "~/.config/peerchat/server.toml", "path to the server config file")

	clientCmd.Flags().BoolVar(&useWebSocket, "ws", false, "connect over WebSocket")
	clientCmd.Flags().BoolVar(&notify, "notify", false, "raise desktop notifications for incoming messages")

	loadtestCmd.Flags().BoolVar(&useWebSocket, "ws", false, "connect over WebSocket")
	loadtestCmd.Flags().StringVar(&loadCredentials, "credentials", "credentials.txt", "accounts to log in as")
	loadtestCmd.Flags().DurationVar(&loadOpts.Duration, "duration", time.Minute, "test duration")
	loadtestCmd.Flags().DurationVar(&loadOpts.RampUp, "ramp-up", 5*time.Second, "window over which bots log in")
	loadtestCmd.Flags().DurationVar(&loadOpts.MinDelay, "min-delay", 100*time.Millisecond, "minimum delay between requests")
	loadtestCmd.Flags().DurationVar(&loadOpts.MaxDelay, "max-delay", time.Second, "maximum delay between requests")
	loadtestCmd.Flags().DurationVar(&loadOpts.ReportEvery, "report", 5*time.Second, "progress log interval")

	rootCmd.AddCommand(
		serverCmd,
		clientCmd,
		loadtestCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(errors.Wrap(err, "execute root command failed"))
	}
}
