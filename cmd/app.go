package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/cmd-chat/client"
	httpServer "github.com/adwski/cmd-chat/server/http"
	tcpServer "github.com/adwski/cmd-chat/server/tcp"
	websocketServer "github.com/adwski/cmd-chat/server/websocket"
	"github.com/adwski/cmd-chat/service"
	sw "github.com/adwski/cmd-chat/switch"
	"github.com/adwski/cmd-chat/ui"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const (
	minPasswordLength = 4
	maxUsernameLength = 50

	usage = `Usage:
  cmd-chat serve <host> <port> --password <password> [flags]
  cmd-chat connect <host> <port> <username> <password> [flags]
`
)

var (
	errUsage = errors.New("invalid arguments")
	// errReported marks failures already shown to the user.
	errReported = errors.New("reported")
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Error: no command specified, use 'serve' or 'connect'")
		fmt.Fprint(stderr, usage)
		return 1
	}

	var err error
	switch args[0] {
	case "serve":
		err = serve(args[1:], stdout, stderr)
	case "connect":
		err = connect(args[1:], stdin, stdout, stderr)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		err = fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		if errors.Is(err, errReported) {
			return 1
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			fmt.Fprint(stderr, usage)
		}
		return 1
	}
	return 0
}

type serveOptions struct {
	host         string
	port         int
	password     string
	wsListenAddr string
	apiAddr      string
	maxLineSize  int
	rateBurst    int
	rateInterval time.Duration
	logLevel     string
}

func parseServe(args []string, stderr io.Writer) (*serveOptions, error) {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		opts     serveOptions
		password = fs.StringP("password", "p", "", "room password")
	)
	fs.StringVarP(&opts.wsListenAddr, "ws-listen-addr", "w", "", "websocket listen address, disabled if empty")
	fs.StringVarP(&opts.apiAddr, "api-listen-addr", "a", "", "status api listen address, disabled if empty")
	fs.IntVar(&opts.maxLineSize, "max-line-size", 64*1024, "maximum envelope size in bytes")
	fs.IntVar(&opts.rateBurst, "rate-burst", 20, "lines a client may send in one rate interval")
	fs.DurationVar(&opts.rateInterval, "rate-interval", time.Second, "rate limit refill interval")
	fs.StringVarP(&opts.logLevel, "log-level", "l", "info", "log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if fs.NArg() != 2 {
		return nil, fmt.Errorf("%w: serve expects <host> <port>", errUsage)
	}
	opts.host = fs.Arg(0)
	port, err := parsePort(fs.Arg(1))
	if err != nil {
		return nil, err
	}
	opts.port = port

	opts.password = *password
	if opts.password == "" {
		return nil, fmt.Errorf("%w: --password is required", errUsage)
	}
	if len(opts.password) < minPasswordLength {
		return nil, fmt.Errorf("password must be at least %d characters long", minPasswordLength)
	}
	return &opts, nil
}

type connectOptions struct {
	addr      string
	username  string
	password  string
	websocket bool
	logLevel  string
}

func parseConnect(args []string, stderr io.Writer) (*connectOptions, error) {
	fs := pflag.NewFlagSet("connect", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts connectOptions
	fs.BoolVar(&opts.websocket, "ws", false, "connect over websocket")
	fs.StringVarP(&opts.logLevel, "log-level", "l", "warn", "log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if fs.NArg() != 4 {
		return nil, fmt.Errorf("%w: connect expects <host> <port> <username> <password>", errUsage)
	}
	port, err := parsePort(fs.Arg(1))
	if err != nil {
		return nil, err
	}
	opts.addr = net.JoinHostPort(fs.Arg(0), strconv.Itoa(port))

	opts.username = fs.Arg(2)
	if strings.TrimSpace(opts.username) == "" {
		return nil, errors.New("username cannot be empty")
	}
	if len([]rune(opts.username)) > maxUsernameLength {
		return nil, fmt.Errorf("username must be %d characters or less", maxUsernameLength)
	}
	opts.password = fs.Arg(3)
	return &opts, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("port must be between 1 and 65535, got %s", s)
	}
	return port, nil
}

func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	logger := zerolog.New(w).With().Timestamp().Logger()
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return logger, fmt.Errorf("failed to parse loglevel: %w", err)
	}
	return logger.Level(lvl), nil
}

type runner interface {
	Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error)
}

func serve(args []string, stdout, stderr io.Writer) error {
	opts, err := parseServe(args, stderr)
	if err != nil {
		return err
	}
	logger, err := newLogger(stdout, opts.logLevel)
	if err != nil {
		return err
	}

	svc, err := service.NewService(service.Config{
		Switch: sw.NewSwitch(sw.Config{
			Logger: &logger,
			Secret: opts.password,
		}),
		Logger: &logger,
	})
	if err != nil {
		return err
	}

	servers := []runner{
		tcpServer.NewServer(tcpServer.Config{
			Logger:       &logger,
			RoomService:  svc,
			ListenAddr:   net.JoinHostPort(opts.host, strconv.Itoa(opts.port)),
			MaxLineSize:  opts.maxLineSize,
			RateBurst:    opts.rateBurst,
			RateInterval: opts.rateInterval,
		}),
	}
	if opts.wsListenAddr != "" {
		servers = append(servers, websocketServer.NewServer(websocketServer.Config{
			Logger:         &logger,
			RoomService:    svc,
			ListenAddr:     opts.wsListenAddr,
			MaxMessageSize: int64(opts.maxLineSize),
			RateBurst:      opts.rateBurst,
			RateInterval:   opts.rateInterval,
		}))
	}
	if opts.apiAddr != "" {
		servers = append(servers, httpServer.NewServer(httpServer.Config{
			Logger:      &logger,
			RoomService: svc,
			ListenAddr:  opts.apiAddr,
		}))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, len(servers))
	)
	wg.Add(len(servers))
	for _, srv := range servers {
		go srv.Run(ctx, wg, errc)
	}

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
	svc.Shutdown()
	return err
}

func connect(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts, err := parseConnect(args, stderr)
	if err != nil {
		return err
	}
	logger, err := newLogger(stderr, opts.logLevel)
	if err != nil {
		return err
	}

	var (
		term   = ui.NewTerminal(stdout, stderr, opts.username)
		dialer = client.DialTCP
	)
	if opts.websocket {
		dialer = client.DialWebSocket
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = client.New(client.Config{
		Logger:   &logger,
		UI:       term,
		Input:    ui.NewLineSource(stdin, term.Prompt),
		Addr:     opts.addr,
		Username: opts.username,
		Password: opts.password,
		Dialer:   dialer,
	}).Run(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("session failed")
		return errors.Join(errReported, err)
	}
	return nil
}
