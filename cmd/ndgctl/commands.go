package main

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/urfave/cli"

	"github.com/nakamochi/ndg/protocol"
)

// replyWaitTimeout bounds how long ndgctl waits for ndgd's reply before
// giving up; most commands answer within one 1Hz tick.
const replyWaitTimeout = 20 * time.Second

// send dials sock, writes one command envelope, then prints every
// envelope ndgd writes back until all wantKinds have been seen or
// replyWaitTimeout elapses. Passing no wantKinds returns as soon as the
// write succeeds, without waiting for any reply (used for fire-and-forget
// signals like pong/standby/wakeup that get no acknowledgement).
func send(sock string, cmd protocol.CommandKind, payload interface{}, wantKinds ...protocol.MessageKind) error {
	conn, err := net.DialTimeout("unix", sock, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect to ndgd: %w", err)
	}
	defer conn.Close()

	enc := protocol.NewEncoder(conn)
	if err := enc.WriteEnvelope(string(cmd), payload); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	if len(wantKinds) == 0 {
		return nil
	}

	conn.SetReadDeadline(time.Now().Add(replyWaitTimeout))
	dec := protocol.NewDecoder(conn)

	remaining := map[protocol.MessageKind]bool{}
	for _, k := range wantKinds {
		remaining[k] = true
	}
	for {
		env, err := dec.ReadEnvelope()
		if err != nil {
			return fmt.Errorf("read reply: %w", err)
		}
		printEnvelope(env)
		delete(remaining, protocol.MessageKind(env.Kind))
		if len(remaining) == 0 {
			return nil
		}
	}
}

func printEnvelope(env protocol.Envelope) {
	if len(env.Payload) == 0 {
		fmt.Println(env.Kind)
		return
	}
	var pretty interface{}
	if err := json.Unmarshal(env.Payload, &pretty); err != nil {
		fmt.Println(env.Kind, string(env.Payload))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Printf("%s\n%s\n", env.Kind, out)
}

var pingCommand = cli.Command{
	Name:  "ping",
	Usage: "check that ndgd is alive",
	Action: func(ctx *cli.Context) error {
		sock, err := socketPath(ctx)
		if err != nil {
			return err
		}
		if err := send(sock, protocol.CmdPong, nil); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var statusCommand = cli.Command{
	Name:  "status",
	Usage: "request a fresh network report",
	Action: func(ctx *cli.Context) error {
		sock, err := socketPath(ctx)
		if err != nil {
			return err
		}
		return send(sock, protocol.CmdGetNetworkReport, nil, protocol.MsgNetworkReport)
	},
}

var standbyCommand = cli.Command{
	Name:  "standby",
	Usage: "put the daemon into standby",
	Action: func(ctx *cli.Context) error {
		sock, err := socketPath(ctx)
		if err != nil {
			return err
		}
		return send(sock, protocol.CmdStandby, nil)
	},
}

var wakeupCommand = cli.Command{
	Name:  "wakeup",
	Usage: "wake the daemon from standby",
	Action: func(ctx *cli.Context) error {
		sock, err := socketPath(ctx)
		if err != nil {
			return err
		}
		return send(sock, protocol.CmdWakeup, nil)
	},
}

// poweroffProgress mirrors core.PoweroffProgress for decoding only; ndgctl
// deliberately doesn't import core to stay a thin client of the wire
// protocol.
type poweroffProgress struct {
	Services []struct {
		Name    string  `json:"name"`
		Stopped bool    `json:"stopped"`
		Err     *string `json:"err,omitempty"`
	} `json:"services"`
}

var poweroffCommand = cli.Command{
	Name:  "poweroff",
	Usage: "begin an orderly service shutdown, streaming progress",
	Action: func(ctx *cli.Context) error {
		sock, err := socketPath(ctx)
		if err != nil {
			return err
		}
		conn, err := net.DialTimeout("unix", sock, 5*time.Second)
		if err != nil {
			return fmt.Errorf("connect to ndgd: %w", err)
		}
		defer conn.Close()
		enc := protocol.NewEncoder(conn)
		if err := enc.WriteEnvelope(string(protocol.CmdPoweroff), nil); err != nil {
			return fmt.Errorf("send poweroff: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(replyWaitTimeout))
		dec := protocol.NewDecoder(conn)
		for {
			env, err := dec.ReadEnvelope()
			if err != nil {
				if protocol.IsEndOfStream(err) {
					return nil
				}
				return fmt.Errorf("read poweroff progress: %w", err)
			}
			printEnvelope(env)
			if env.Kind != string(protocol.MsgPoweroffProgress) {
				continue
			}
			var p poweroffProgress
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			allStopped := len(p.Services) > 0
			for _, s := range p.Services {
				if !s.Stopped {
					allStopped = false
				}
			}
			if allStopped {
				return nil
			}
		}
	},
}

var wifiConnectCommand = cli.Command{
	Name:  "wifi-connect",
	Usage: "join a wifi network",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "ssid"},
		cli.StringFlag{Name: "psk"},
		cli.BoolFlag{Name: "save"},
	},
	Action: func(ctx *cli.Context) error {
		sock, err := socketPath(ctx)
		if err != nil {
			return err
		}
		ssid := ctx.String("ssid")
		if ssid == "" {
			if p := ctx.GlobalString("profile"); p != "" {
				if prof, err := loadProfile(p); err == nil {
					ssid = prof.DefaultSSID
				}
			}
		}
		return send(sock, protocol.CmdWifiConnect, protocol.WifiConnectPayload{
			SSID:          ssid,
			PSK:           ctx.String("psk"),
			SaveOnConnect: ctx.Bool("save"),
		})
	},
}

var genSeedCommand = cli.Command{
	Name:  "lightning-genseed",
	Usage: "generate a new wallet seed",
	Action: func(ctx *cli.Context) error {
		sock, err := socketPath(ctx)
		if err != nil {
			return err
		}
		return send(sock, protocol.CmdLightningGenSeed, nil, protocol.MsgLightningGenSeedResult)
	},
}

var initWalletCommand = cli.Command{
	Name:  "lightning-init-wallet",
	Usage: "initialize the wallet from the most recently generated seed",
	Action: func(ctx *cli.Context) error {
		sock, err := socketPath(ctx)
		if err != nil {
			return err
		}
		return send(sock, protocol.CmdLightningInitWallet, nil)
	},
}

var resetCommand = cli.Command{
	Name:  "lightning-reset",
	Usage: "factory-reset the lightning wallet",
	Action: func(ctx *cli.Context) error {
		sock, err := socketPath(ctx)
		if err != nil {
			return err
		}
		return send(sock, protocol.CmdLightningReset, nil)
	},
}

var getCtrlConnCommand = cli.Command{
	Name:  "lightning-get-ctrlconn",
	Usage: "fetch lndconnect:// URIs for the available macaroons",
	Action: func(ctx *cli.Context) error {
		sock, err := socketPath(ctx)
		if err != nil {
			return err
		}
		return send(sock, protocol.CmdLightningGetCtrlConn, nil, protocol.MsgLightningCtrlConn)
	},
}

var setNodenameCommand = cli.Command{
	Name:      "set-nodename",
	Usage:     "set the appliance hostname",
	ArgsUsage: "hostname",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.ShowCommandHelp(ctx, "set-nodename")
		}
		sock, err := socketPath(ctx)
		if err != nil {
			return err
		}
		return send(sock, protocol.CmdSetNodename, protocol.SetNodenamePayload{Hostname: ctx.Args().First()})
	},
}

var setPincodeCommand = cli.Command{
	Name:      "slock-set-pincode",
	Usage:     "set or clear the screen-lock pincode",
	ArgsUsage: "[pincode]",
	Action: func(ctx *cli.Context) error {
		sock, err := socketPath(ctx)
		if err != nil {
			return err
		}
		var pin *string
		if ctx.NArg() == 1 {
			v := ctx.Args().First()
			pin = &v
		}
		return send(sock, protocol.CmdSlockSetPincode, protocol.SlockSetPincodePayload{Pincode: pin})
	},
}

var unlockScreenCommand = cli.Command{
	Name:      "unlock-screen",
	Usage:     "attempt to unlock the screen with a pincode",
	ArgsUsage: "pincode",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.ShowCommandHelp(ctx, "unlock-screen")
		}
		sock, err := socketPath(ctx)
		if err != nil {
			return err
		}
		return send(sock, protocol.CmdUnlockScreen, protocol.UnlockScreenPayload{Pincode: ctx.Args().First()})
	},
}

var switchSysupdatesCommand = cli.Command{
	Name:      "switch-sysupdates",
	Usage:     "switch the sysupdates channel",
	ArgsUsage: "channel",
	Flags: []cli.Flag{
		cli.BoolFlag{Name: "run", Usage: "run the update script immediately after switching"},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.ShowCommandHelp(ctx, "switch-sysupdates")
		}
		sock, err := socketPath(ctx)
		if err != nil {
			return err
		}
		return send(sock, protocol.CmdSwitchSysupdates, protocol.SwitchSysupdatesPayload{
			Channel: ctx.Args().First(),
			Run:     ctx.Bool("run"),
		})
	},
}
