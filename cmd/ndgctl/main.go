package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli"
)

// fatal exits the process and prints out error information
func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[ndgctl] %v\n", err)
	os.Exit(1)
}

// profile is a small operator convenience: a named set of connection
// defaults so flags don't need retyping on every invocation.
type profile struct {
	Socket      string `toml:"socket"`
	DefaultSSID string `toml:"default_ssid"`
}

func loadProfile(path string) (profile, error) {
	var p profile
	if path == "" {
		return p, nil
	}
	_, err := toml.DecodeFile(path, &p)
	return p, err
}

// main is the main entry point for the ndg control CLI
func main() {
	app := cli.NewApp()
	app.Name = "ndgctl"
	app.Usage = "control panel for the ndg node appliance daemon (ndgd)"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "socket",
			Value: "/run/ndg/ui.sock",
			Usage: "path to ndgd's UI-facing unix socket",
		},
		cli.StringFlag{
			Name:  "profile",
			Usage: "path to a TOML profile file with connection defaults",
		},
	}
	app.Commands = []cli.Command{
		pingCommand,
		statusCommand,
		standbyCommand,
		wakeupCommand,
		poweroffCommand,
		wifiConnectCommand,
		genSeedCommand,
		initWalletCommand,
		resetCommand,
		getCtrlConnCommand,
		setNodenameCommand,
		setPincodeCommand,
		unlockScreenCommand,
		switchSysupdatesCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

// socketPath resolves the --socket flag, falling back to the --profile
// file's socket entry when --socket wasn't explicitly given.
func socketPath(ctx *cli.Context) (string, error) {
	if ctx.GlobalIsSet("socket") {
		return ctx.GlobalString("socket"), nil
	}
	if p := ctx.GlobalString("profile"); p != "" {
		prof, err := loadProfile(p)
		if err != nil {
			return "", err
		}
		if prof.Socket != "" {
			return prof.Socket, nil
		}
	}
	return ctx.GlobalString("socket"), nil
}
