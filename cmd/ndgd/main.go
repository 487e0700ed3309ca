package main

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"
	"strings"

	flags "github.com/jessevdk/go-flags"

	"github.com/nakamochi/ndg/bitcoind"
	"github.com/nakamochi/ndg/core"
	"github.com/nakamochi/ndg/intercept"
	"github.com/nakamochi/ndg/lnd"
	"github.com/nakamochi/ndg/service"
	"github.com/nakamochi/ndg/wpactrl"
)

const (
	appName    = "ndgd"
	appVersion = "0.1.0"
)

// ndgdFlags are the command-line options ndgd accepts. Most deployment
// paths are fixed (see core.DefaultStaticConfig); these only cover what
// varies across a dev box vs. the appliance itself.
type ndgdFlags struct {
	RootDir       string `short:"r" long:"rootdir" description:"Root directory the fixed ndg paths are resolved under" default:"/"`
	ConfigPath    string `short:"C" long:"configfile" description:"Override path to the persisted config.json (default under rootdir)"`
	WpaSocketPath string `long:"wpa-socket" description:"Override path to wpa_supplicant's control socket (default under rootdir)"`
	LogDir        string `long:"logdir" description:"Directory to write ndgd.log within" default:"/var/log/ndg"`
	ConsoleOutput bool   `long:"console-output" description:"Also write the log to stderr, colorized"`
	ShowVersion   bool   `short:"v" long:"version" description:"Display version information and exit"`
	SvPath        string `long:"svpath" description:"Path to the sv supervisor binary" default:"sv"`
	LndUser       string `long:"lnd-user" description:"Unprivileged OS user lnd runs as; chowns generated lnd files to it"`
}

func main() {
	shutdownInterceptor, err := intercept.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var cfgFlags ndgdFlags
	if _, err := flags.Parse(&cfgFlags); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if cfgFlags.ShowVersion {
		fmt.Println(appName, "version", appVersion)
		os.Exit(0)
	}

	static := core.DefaultStaticConfig(cfgFlags.RootDir)
	if cfgFlags.ConfigPath != "" {
		static.ConfigPath = cfgFlags.ConfigPath
	}
	if cfgFlags.WpaSocketPath != "" {
		static.WpaSocketPath = cfgFlags.WpaSocketPath
	}
	if hostname, err := os.Hostname(); err == nil {
		static.Hostname = hostname
	}
	if data, err := os.ReadFile(static.TorHostnamePath); err == nil {
		static.LndTorHostname = strings.TrimSpace(string(data))
	}
	if cfgFlags.LndUser != "" {
		if u, err := user.Lookup(cfgFlags.LndUser); err == nil {
			uid, uidErr := strconv.Atoi(u.Uid)
			gid, gidErr := strconv.Atoi(u.Gid)
			if uidErr == nil && gidErr == nil {
				static.LndUser = &core.LndUser{UID: uid, GID: gid}
			}
		}
	}

	if err := os.MkdirAll(cfgFlags.LogDir, 0755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := core.InitLogger(&core.LogConfig{
		DataDir:       cfgFlags.LogDir,
		ConsoleOutput: cfgFlags.ConsoleOutput,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	shutdownInterceptor.Logger = &logger

	confLog := core.NewSubLogger(&logger, "CONF")
	cfgStore, err := core.LoadConfigStore(static, confLog)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	svc := service.New(cfgFlags.SvPath)

	btc := bitcoind.New(static.BitcoindRPCHost, static.BitcoindCookiePath)

	lndc, err := lnd.New(static.LndRestHost, static.LndTLSCertPath, static.LndReadonlyMacaroonPath, static.LndAdminMacaroonPath, svc)
	if err != nil {
		logger.Error().Err(err).Msg("failed to construct lnd client")
		os.Exit(1)
	}

	wpaLog := core.NewSubLogger(&logger, "WPAC")
	wpa, err := wpactrl.Open(static.WpaSocketPath)
	if err != nil {
		wpaLog.SubLogger.Warn().Err(err).Msg("wpa_supplicant control socket unavailable, wifi management disabled")
		wpa = nil
	}

	daemon := core.NewDaemon(core.Deps{
		Static: static,
		Cfg:    cfgStore,
		Svc:    svc,
		Btc:    btc,
		Lndc:   lndc,
		Wpa:    wpa,
		Logger: logger,
	})

	if err := os.MkdirAll(pathDir(static.UISocketPath), 0755); err != nil {
		logger.Error().Err(err).Msg("failed to create ui socket directory")
		os.Exit(1)
	}
	os.Remove(static.UISocketPath)
	listener, err := net.Listen("unix", static.UISocketPath)
	if err != nil {
		logger.Error().Err(err).Msg("failed to listen on ui socket")
		os.Exit(1)
	}
	defer listener.Close()
	defer os.Remove(static.UISocketPath)

	logger.Info().Str("socket", static.UISocketPath).Msg("ndgd waiting for ui connection")
	conn, err := acceptOrShutdown(listener, shutdownInterceptor.ShutdownChannel())
	if err != nil {
		logger.Error().Err(err).Msg("failed to accept ui connection")
		os.Exit(1)
	}
	if conn == nil {
		shutdownInterceptor.Stop()
		return
	}
	defer conn.Close()

	if err := daemon.Start(conn, conn, shutdownInterceptor.ShutdownChannel()); err != nil {
		logger.Error().Err(err).Msg("daemon exited with error")
	}
	shutdownInterceptor.Stop()
}

// acceptOrShutdown blocks on the next incoming connection, but returns
// early with a nil connection if shutdownCh closes first.
func acceptOrShutdown(listener net.Listener, shutdownCh <-chan struct{}) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-shutdownCh:
		listener.Close()
		return nil, nil
	}
}

func pathDir(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}
