package main

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/naoina/toml"

	"github.com/hbbft-network/hbbft-consensus/crypto/threshold"
)

// configType selects the flavor of node config files to write.
type configType int

const (
	configPosdaoSetup configType = iota
	configDocker
	configRPC
)

func parseConfigType(s string) (configType, error) {
	switch s {
	case "posdao-setup":
		return configPosdaoSetup, nil
	case "docker":
		return configDocker, nil
	case "rpc":
		return configRPC, nil
	default:
		return 0, fmt.Errorf("unknown config type %q (want posdao-setup, docker or rpc)", s)
	}
}

const (
	basePort    = 30300
	baseRPCPort = 8540
	baseWSPort  = 9540
)

// node is one generated validator: its chain identity keypair and its
// position in the committee. Indices start at 1; index 0 is reserved for
// the non-validator rpc node.
type node struct {
	key   *ecdsa.PrivateKey
	index int
	ip    string
}

// nodeID returns the node's 64-byte public key in hex, the identifier
// validators are known by on the wire and in the committee set.
func (n *node) nodeID() string {
	return hex.EncodeToString(crypto.FromECDSAPub(&n.key.PublicKey)[1:])
}

func (n *node) address() common.Address {
	return crypto.PubkeyToAddress(n.key.PublicKey)
}

// enodeURI renders the node's p2p dial address, one line of the
// reserved-peers file.
func (n *node) enodeURI() string {
	return fmt.Sprintf("enode://%s@%s:%d", n.nodeID(), n.ip, basePort+n.index)
}

// network is a fully generated genesis committee: every validator's
// keypair plus the threshold keys a locally executed DKG produced for
// them.
type network struct {
	nodes  []*node
	pks    *threshold.PublicKeySet
	shares map[uint64]*threshold.SecretKeyShare
}

// buildNetwork generates numNodes validator keypairs and runs the full
// DKG across in-memory sessions, exactly the protocol a live committee
// runs over the chain, so the written configs agree on one PublicKeySet.
func buildNetwork(numNodes int, extIP string) (*network, error) {
	ip := extIP
	if ip == "" {
		ip = "127.0.0.1"
	}

	net := &network{shares: make(map[uint64]*threshold.SecretKeyShare, numNodes)}
	for i := 1; i <= numNodes; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generating validator key %d: %w", i, err)
		}
		net.nodes = append(net.nodes, &node{key: key, index: i, ip: ip})
	}

	faults := (numNodes - 1) / 3
	encKeys := make(map[uint64][32]byte, numNodes)
	ownKeys := make(map[uint64]*threshold.EncryptionKeyPair, numNodes)
	for i := 1; i <= numNodes; i++ {
		kp, err := threshold.GenerateEncryptionKeyPair()
		if err != nil {
			return nil, err
		}
		ownKeys[uint64(i)] = kp
		encKeys[uint64(i)] = kp.Public
	}

	sessions := make(map[uint64]*threshold.Session, numNodes)
	for i := 1; i <= numNodes; i++ {
		s, err := threshold.NewSession(uint64(i), numNodes, faults, ownKeys[uint64(i)], encKeys)
		if err != nil {
			return nil, err
		}
		sessions[uint64(i)] = s
	}

	var parts []*threshold.Part
	for i := 1; i <= numNodes; i++ {
		part, err := sessions[uint64(i)].DealPart()
		if err != nil {
			return nil, fmt.Errorf("dealing part for node %d: %w", i, err)
		}
		parts = append(parts, part)
	}
	var acks []*threshold.Ack
	for _, part := range parts {
		for i := 1; i <= numNodes; i++ {
			ack, err := sessions[uint64(i)].HandlePart(part)
			if err != nil {
				return nil, fmt.Errorf("node %d rejected part from dealer %d: %w", i, part.Dealer, err)
			}
			acks = append(acks, ack)
		}
	}
	for _, ack := range acks {
		for i := 1; i <= numNodes; i++ {
			sessions[uint64(i)].HandleAck(ack)
		}
	}

	for i := 1; i <= numNodes; i++ {
		pks, share, err := sessions[uint64(i)].Generate()
		if err != nil {
			return nil, fmt.Errorf("finalizing DKG for node %d: %w", i, err)
		}
		if net.pks == nil {
			net.pks = pks
		} else if !net.pks.Equal(pks) {
			return nil, fmt.Errorf("node %d derived a diverging public key set", i)
		}
		net.shares[uint64(i)] = share
	}
	return net, nil
}

// validatorIPAddresses renders the committee's node-id -> enode URI map,
// the JSON string every validator config carries so nodes can dial each
// other before chain-based discovery is up.
func (net *network) validatorIPAddresses() (string, error) {
	ips := make(map[string]string, len(net.nodes))
	for _, n := range net.nodes {
		ips[n.nodeID()] = n.enodeURI()
	}
	data, err := json.Marshal(ips)
	return string(data), err
}

// The TOML layout the node binary consumes, sectioned the way the node's
// own config loader expects.
type nodeConfig struct {
	Parity     chainSection   `toml:"parity"`
	UI         uiSection      `toml:"ui"`
	Network    networkSection `toml:"network"`
	RPC        rpcSection     `toml:"rpc"`
	Websockets wsSection      `toml:"websockets"`
	IPC        ipcSection     `toml:"ipc"`
	Account    accountSection `toml:"account"`
	Mining     miningSection  `toml:"mining"`
	Misc       miscSection    `toml:"misc"`
}

type chainSection struct {
	Chain    string `toml:"chain"`
	BasePath string `toml:"base_path"`
}

type uiSection struct {
	Disable bool `toml:"disable"`
}

type networkSection struct {
	Port          int    `toml:"port"`
	ReservedPeers string `toml:"reserved_peers"`
	NAT           string `toml:"nat"`
	Interface     string `toml:"interface"`
	AllowIPs      string `toml:"allow_ips"`
}

type rpcSection struct {
	Cors  []string `toml:"cors"`
	Hosts []string `toml:"hosts"`
	APIs  []string `toml:"apis"`
	Port  int      `toml:"port"`
}

type wsSection struct {
	Interface string   `toml:"interface"`
	Origins   []string `toml:"origins"`
	Port      int      `toml:"port"`
}

type ipcSection struct {
	Disable bool `toml:"disable"`
}

type accountSection struct {
	Unlock   []string `toml:"unlock"`
	Password []string `toml:"password"`
}

type miningSection struct {
	EngineSigner           string `toml:"engine_signer"`
	HbbftSecretShare       string `toml:"hbbft_secret_share"`
	HbbftPublicKeySet      string `toml:"hbbft_public_key_set"`
	HbbftValidatorIPAddrs  string `toml:"hbbft_validator_ip_addresses"`
	ForceSealing           bool   `toml:"force_sealing"`
	MinGasPrice            int64  `toml:"min_gas_price"`
	ResealOnTxs            string `toml:"reseal_on_txs"`
	ExtraData              string `toml:"extra_data"`
	ResealMinPeriodSeconds int64  `toml:"reseal_min_period"`
}

type miscSection struct {
	Logging string `toml:"logging"`
	LogFile string `toml:"log_file"`
}

// configFor assembles the TOML config for one node. A nil share marks the
// node as a non-validator observer: it gets the committee's public key
// set for seal verification but no secret share and no engine signer.
func configFor(net *network, n *node, cfgType configType, extIP string, share *threshold.SecretKeyShare) (*nodeConfig, error) {
	cfg := &nodeConfig{
		UI:  uiSection{Disable: true},
		IPC: ipcSection{Disable: true},
		RPC: rpcSection{
			Cors:  []string{"all"},
			Hosts: []string{"all"},
			APIs:  []string{"web3", "eth", "pubsub", "net", "personal", "traces", "rpc"},
			Port:  baseRPCPort + n.index,
		},
		Websockets: wsSection{
			Interface: "all",
			Origins:   []string{"all"},
			Port:      baseWSPort + n.index,
		},
		Misc: miscSection{
			Logging: "engine=trace,miner=trace,reward=trace,consensus=trace,network=trace,sync=trace",
			LogFile: "node.log",
		},
	}

	switch cfgType {
	case configPosdaoSetup:
		cfg.Parity = chainSection{Chain: "./spec/spec.json", BasePath: fmt.Sprintf("parity-data/node%d", n.index)}
		cfg.Network.ReservedPeers = "parity-data/reserved-peers"
		cfg.Account = accountSection{
			Unlock:   []string{strings.ToLower(n.address().Hex())},
			Password: []string{"config/password"},
		}
	case configDocker:
		cfg.Parity = chainSection{Chain: "spec.json", BasePath: "data"}
		cfg.Network.ReservedPeers = "reserved-peers"
		cfg.Account = accountSection{
			Unlock:   []string{strings.ToLower(n.address().Hex())},
			Password: []string{"password.txt"},
		}
	case configRPC:
		cfg.Parity = chainSection{Chain: "spec.json", BasePath: "data"}
		cfg.Network.ReservedPeers = "reserved-peers"
	}

	cfg.Network.Port = basePort + n.index
	if extIP != "" {
		cfg.Network.AllowIPs = "public"
		cfg.Network.NAT = "extip:" + extIP
	} else {
		cfg.Network.NAT = "none"
		cfg.Network.Interface = "local"
	}

	pksJSON, err := json.Marshal(net.pks)
	if err != nil {
		return nil, fmt.Errorf("serializing public key set: %w", err)
	}
	cfg.Mining = miningSection{
		HbbftPublicKeySet:      string(pksJSON),
		ForceSealing:           true,
		MinGasPrice:            1000000000,
		ResealOnTxs:            "none",
		ExtraData:              "hbbft",
		ResealMinPeriodSeconds: 0,
	}

	if share != nil {
		shareJSON, err := json.Marshal(share)
		if err != nil {
			return nil, fmt.Errorf("serializing secret share: %w", err)
		}
		ips, err := net.validatorIPAddresses()
		if err != nil {
			return nil, err
		}
		cfg.Mining.EngineSigner = strings.ToLower(n.address().Hex())
		cfg.Mining.HbbftSecretShare = string(shareJSON)
		cfg.Mining.HbbftValidatorIPAddrs = ips
	}
	return cfg, nil
}

// generate writes the full bootstrap file set for a numNodes committee
// into dir.
func generate(dir string, numNodes int, cfgType configType, extIP string) error {
	net, err := buildNetwork(numNodes, extIP)
	if err != nil {
		return err
	}

	var reservedPeers strings.Builder
	for _, n := range net.nodes {
		fmt.Fprintln(&reservedPeers, n.enodeURI())

		cfg, err := configFor(net, n, cfgType, extIP, net.shares[uint64(n.index)])
		if err != nil {
			return err
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("rendering config for validator %d: %w", n.index, err)
		}
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("hbbft_validator_%d.toml", n.index)), data, 0644); err != nil {
			return err
		}

		secretHex := hex.EncodeToString(crypto.FromECDSA(n.key))
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("hbbft_validator_key_%d", n.index)), []byte(secretHex), 0600); err != nil {
			return err
		}

		keyJSON, err := encryptKeyFile(n.key, keyFilePassword)
		if err != nil {
			return fmt.Errorf("encrypting key for validator %d: %w", n.index, err)
		}
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("hbbft_validator_key_%d.json", n.index)), keyJSON, 0600); err != nil {
			return err
		}
	}

	// The rpc observer reuses node 1's view of the committee, minus any
	// secret material.
	rpcNode := &node{key: net.nodes[0].key, index: 0, ip: net.nodes[0].ip}
	rpcCfg, err := configFor(net, rpcNode, configRPC, extIP, nil)
	if err != nil {
		return err
	}
	rpcData, err := toml.Marshal(rpcCfg)
	if err != nil {
		return fmt.Errorf("rendering rpc node config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "rpc_node.toml"), rpcData, 0644); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(dir, "reserved-peers"), []byte(reservedPeers.String()), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "password.txt"), []byte(keyFilePassword), 0644)
}
