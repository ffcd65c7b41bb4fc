// csbr starts one participant -- a client or a server -- of an
// accountable DC-net bulk round, following the same gen-id/start command
// shape as the teacher's own CLI.
package main

import (
	"fmt"
	"os"
	"path"

	"go.dedis.ch/onet/v3/log"
	"gopkg.in/urfave/cli.v1"

	"go.dedis.ch/csbr/config"
	"go.dedis.ch/csbr/datapath"
	"go.dedis.ch/csbr/identity"
	"go.dedis.ch/csbr/overlay"
	"go.dedis.ch/csbr/round"
)

const (
	defaultIdentityFile = "identity.toml"
	defaultServersFile  = "servers.toml"
	defaultClientsFile  = "clients.toml"
	defaultConfigFile   = "csbr.toml"
)

func main() {
	app := cli.NewApp()
	app.Name = "csbr"
	app.Usage = "Starts a client-server bulk round participant in client or server mode."
	app.Version = "0.1"
	app.Commands = []cli.Command{
		{
			Name:   "gen-id",
			Usage:  "creates a new identity.toml at the given address",
			Action: genIdentity,
		},
		{
			Name:      "server",
			Usage:     "start in server mode",
			ArgsUsage: "",
			Action:    startServer,
		},
		{
			Name:      "client",
			Usage:     "start in client mode",
			ArgsUsage: "",
			Action:    startClient,
		},
	}
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "debug, d",
			Value: 1,
			Usage: "debug-level: 1 for terse, 5 for maximal",
		},
		cli.StringFlag{
			Name:  "identity, i",
			Value: defaultIdentityFile,
			Usage: "this participant's identity.toml",
		},
		cli.StringFlag{
			Name:  "servers",
			Value: defaultServersFile,
			Usage: "the server roster file",
		},
		cli.StringFlag{
			Name:  "clients",
			Value: defaultClientsFile,
			Usage: "the client roster file",
		},
		cli.StringFlag{
			Name:  "config, c",
			Value: defaultConfigFile,
			Usage: "the round parameters file",
		},
	}
	app.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.Int("debug"))
		return nil
	}
	if err := app.Run(os.Args); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func genIdentity(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.NewExitError("usage: csbr gen-id <name> <listen-address>", 1)
	}
	name, address := c.Args()[0], c.Args()[1]

	priv := identity.NewPrivateIdentity(config.Suite, name, address)

	target := c.GlobalString("identity")
	if _, err := os.Stat(target); err == nil {
		return cli.NewExitError(fmt.Sprintf("%s already exists, refusing to overwrite", target), 1)
	}
	if dir := path.Dir(target); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := priv.Save(target); err != nil {
		return err
	}
	log.Infof("wrote %s for %q at %s", target, name, address)
	return nil
}

func loadRosters(c *cli.Context) (servers, clients *identity.Roster, err error) {
	servers, err = identity.LoadRoster(config.Suite, c.GlobalString("servers"))
	if err != nil {
		return nil, nil, err
	}
	clients, err = identity.LoadRoster(config.Suite, c.GlobalString("clients"))
	if err != nil {
		return nil, nil, err
	}
	return servers, clients, nil
}

func startServer(c *cli.Context) error {
	priv, err := identity.LoadPrivateIdentity(config.Suite, c.GlobalString("identity"))
	if err != nil {
		return err
	}
	servers, clients, err := loadRosters(c)
	if err != nil {
		return err
	}
	cfg, err := config.LoadRoundConfig(c.GlobalString("config"))
	if err != nil {
		return err
	}

	serverAddrs := addressesOf(servers)
	clientAddrs := addressesOf(clients)
	ov, err := overlay.NewTCP(priv.Address, serverAddrs, clientAddrs)
	if err != nil {
		return err
	}
	defer ov.Close()

	sink := datapath.NewMemory()
	r, err := round.New(round.RoleServer, priv, clients, servers, cfg, ov, datapath.NewMemory(), sink)
	if err != nil {
		return err
	}
	log.Infof("server %q listening on %s, serving %d client(s)", priv.Name, priv.Address, clients.Count())
	return runParticipant(r, ov)
}

func startClient(c *cli.Context) error {
	priv, err := identity.LoadPrivateIdentity(config.Suite, c.GlobalString("identity"))
	if err != nil {
		return err
	}
	servers, clients, err := loadRosters(c)
	if err != nil {
		return err
	}
	cfg, err := config.LoadRoundConfig(c.GlobalString("config"))
	if err != nil {
		return err
	}

	serverAddrs := addressesOf(servers)
	clientAddrs := addressesOf(clients)
	ov, err := overlay.NewTCP(priv.Address, serverAddrs, clientAddrs)
	if err != nil {
		return err
	}
	defer ov.Close()

	source := datapath.NewMemory()
	sink := datapath.NewMemory()
	r, err := round.New(round.RoleClient, priv, clients, servers, cfg, ov, source, sink)
	if err != nil {
		return err
	}
	log.Infof("client %q connecting from %s", priv.Name, priv.Address)
	return runParticipant(r, ov)
}

func addressesOf(r *identity.Roster) []string {
	out := make([]string, r.Count())
	for i := 0; i < r.Count(); i++ {
		member, _ := r.At(i)
		out[i] = member.Address
	}
	return out
}

// runParticipant starts the round and feeds every packet the overlay
// delivers into it until the process is killed.
func runParticipant(r *round.Round, ov *overlay.TCP) error {
	if err := r.OnStart(); err != nil {
		return err
	}
	defer r.OnStop()
	for packet := range ov.Inbox() {
		if err := r.ProcessPacket(packet); err != nil {
			log.Error("csbr:", err)
		}
	}
	return nil
}
