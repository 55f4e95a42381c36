// hbbft-config generates the TOML config files and seed keys a fresh
// hbbft validator network boots from: one node config per validator with
// its threshold secret share and the committee's public key set already
// in place, plus an rpc observer config, a reserved-peers file, and the
// devnet keystore files.
//
// The threshold keys come from running the same distributed key
// generation the engine itself runs, executed locally across all n
// in-memory sessions, so a network bootstrapped from these files starts
// with a completed epoch-zero DKG.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:      "hbbft-config",
		Usage:     "generate TOML config files and seed keys for an hbbft validator network",
		ArgsUsage: "<nodes> <configtype> [extip]",
		Description: `Generates one hbbft_validator_<i>.toml per validator (1..nodes), the
matching hex and encrypted key files, rpc_node.toml, reserved-peers and
password.txt, in the current directory.

configtype is one of: posdao-setup, docker, rpc.
extip, when given, is the external IP written into every enode URI.`,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return cli.Exit("usage: hbbft-config <nodes> <configtype> [extip]", 1)
	}
	numNodes, err := strconv.Atoi(ctx.Args().Get(0))
	if err != nil || numNodes < 1 {
		return cli.Exit(fmt.Sprintf("invalid node count %q", ctx.Args().Get(0)), 1)
	}
	configType, err := parseConfigType(ctx.Args().Get(1))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	extIP := ctx.Args().Get(2)

	fmt.Printf("Number of config files to generate: %d\n", numNodes)
	return generate(".", numNodes, configType, extIP)
}
