// Program tcpclient serves the transport service on the host network, and
// drives connections through a running service from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/tcpclient"
	"github.com/creachadair/tcpclient/hostsvc"
	"github.com/creachadair/tcpclient/ipc"
	"github.com/creachadair/tcpclient/ipc/peers"
	"github.com/creachadair/tcpclient/proto"
	"github.com/sirupsen/logrus"
)

var flags struct {
	LogLevel   string `flag:"log-level,Log level (debug, info, warn, error; default info)"`
	LogPackets bool   `flag:"log-packets,Log every packet at debug level"`
}

var serveFlags struct {
	Config      string `flag:"config,Path of a YAML config file"`
	Listen      string `flag:"listen,Address to accept clients on (host:port or socket path)"`
	WebSocket   string `flag:"websocket,HTTP address to accept WebSocket clients on"`
	DialTimeout string `flag:"dial-timeout,Timeout for outbound connections"`
}

var dialFlags struct {
	Local string `flag:"local,Local endpoint for the connection (addr:port)"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Serve and drive connections through a transport service.",

		SetFlags: command.Flags(flax.MustBind, &flags),

		Commands: []*command.C{
			{
				Name:     "serve",
				Usage:    "[--listen addr] [--websocket addr] [--config file]",
				Help:     "Run a transport service on the host network.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      command.Adapt(runServe),
			},
			{
				Name:  "dial",
				Usage: "<service-addr> <remote-addr:port>",
				Help: `Connect to a remote endpoint through the service.

Data read from stdin are sent on the connection, and data received on the
connection are written to stdout. The service address may be a host:port,
the path of a Unix-domain socket, or a ws:// URL.`,
				SetFlags: command.Flags(flax.MustBind, &dialFlags),
				Run:      command.Adapt(runDial),
			},
			{
				Name:  "listen",
				Usage: "<service-addr> <local-addr:port>",
				Help: `Accept connections on a local endpoint through the service.

Data received on each accepted connection are written to stdout. The command
runs until interrupted.`,
				Run: command.Adapt(runListen),
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func newLogger() (*logrus.Logger, error) {
	lvl := logrus.InfoLevel
	if flags.LogLevel != "" {
		var err error
		if lvl, err = logrus.ParseLevel(flags.LogLevel); err != nil {
			return nil, err
		}
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	return log, nil
}

func signalContext(env *command.Env) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(env.Context(), os.Interrupt)
}

func runServe(env *command.Env) error {
	cfg, err := loadConfig(serveFlags.Config)
	if err != nil {
		return err
	}
	if err := cfg.merge(serveFlags.Listen, serveFlags.WebSocket, serveFlags.DialTimeout, flags.LogLevel); err != nil {
		return err
	}
	if cfg.Listen == "" && cfg.WebSocket == "" {
		return env.Usagef("at least one of --listen or --websocket is required")
	}
	flags.LogLevel = cfg.LogLevel
	log, err := newLogger()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(env)
	defer cancel()

	svc := hostsvc.New(&hostsvc.Options{
		Logger:      log,
		DialTimeout: cfg.DialTimeout,
		LogPackets:  flags.LogPackets,
	})
	g := taskgroup.New(nil)
	if cfg.Listen != "" {
		lst, err := net.Listen(ipc.SplitAddress(cfg.Listen))
		if err != nil {
			return err
		}
		log.Infof("serving clients at %v", lst.Addr())
		g.Go(func() error { return svc.Serve(ctx, peers.NetAccepter(lst)) })
	}
	if cfg.WebSocket != "" {
		acc := peers.NewWSAccepter(nil)
		srv := &http.Server{Addr: cfg.WebSocket, Handler: acc}
		g.Go(func() error {
			<-ctx.Done()
			acc.Close()
			return srv.Shutdown(context.Background())
		})
		g.Go(func() error {
			log.Infof("serving WebSocket clients at %v", cfg.WebSocket)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				cancel()
				return err
			}
			return nil
		})
		g.Go(func() error { return svc.Serve(ctx, acc) })
	}
	err = g.Wait()
	svc.Wait()
	log.Info("service stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openSession(ctx context.Context, addr string) (*tcpclient.Session, error) {
	log, err := newLogger()
	if err != nil {
		return nil, err
	}
	return tcpclient.Dial(ctx, addr, &tcpclient.Options{
		Logger:     log,
		LogPackets: flags.LogPackets,
	})
}

func runDial(env *command.Env, svcAddr, remote string) error {
	pair, err := parsePair(dialFlags.Local, remote)
	if err != nil {
		return env.Usagef("invalid endpoint: %v", err)
	}
	ctx, cancel := signalContext(env)
	defer cancel()

	s, err := openSession(ctx, svcAddr)
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := s.Connect(ctx, pair, nil, nil)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.WaitConnected(ctx); err != nil {
		return fmt.Errorf("connect %v: %w (state %+v)", pair, err, c.State())
	}

	g := taskgroup.New(nil)
	g.Go(func() error {
		if _, err := io.Copy(c, os.Stdin); err != nil {
			return err
		}
		return c.SendFin(ctx)
	})
	_, err = io.Copy(os.Stdout, c)
	if serr := g.Wait(); err == nil {
		err = serr
	}
	return err
}

func runListen(env *command.Env, svcAddr, local string) error {
	ep, err := netip.ParseAddrPort(local)
	if err != nil {
		return env.Usagef("invalid endpoint: %v", err)
	}
	ctx, cancel := signalContext(env)
	defer cancel()

	s, err := openSession(ctx, svcAddr)
	if err != nil {
		return err
	}
	defer s.Close()

	lst, err := s.Listen(ctx, ep, tcpclient.ListenConfig{
		Accept: tcpclient.AcceptFunc(func(_ *tcpclient.Listener, c *tcpclient.Conn) {
			fmt.Fprintf(os.Stderr, "-- connection %v opened\n", c.ID())
			if _, err := io.Copy(os.Stdout, c); err != nil {
				fmt.Fprintf(os.Stderr, "-- connection %v: %v\n", c.ID(), err)
			}
			fmt.Fprintf(os.Stderr, "-- connection %v closed\n", c.ID())
		}),
	})
	if err != nil {
		return err
	}
	defer lst.Close()

	<-ctx.Done()
	return nil
}

func parsePair(local, remote string) (proto.EndpointPair, error) {
	var pair proto.EndpointPair
	var err error
	if pair.Remote, err = netip.ParseAddrPort(remote); err != nil {
		return pair, err
	}
	if local != "" {
		if pair.Local, err = netip.ParseAddrPort(local); err != nil {
			return pair, err
		}
	}
	return pair, nil
}
