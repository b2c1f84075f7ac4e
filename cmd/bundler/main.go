// Command bundler is the aa-bundler process entrypoint: it loads the TOML
// configuration, opens the on-disk KV store, wires one full stack of
// collaborator services per configured network, and serves the JSON-RPC
// API until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	logger "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dusk-network/aa-bundler/pkg/bundling"
	"github.com/dusk-network/aa-bundler/pkg/config"
	"github.com/dusk-network/aa-bundler/pkg/eth"
	"github.com/dusk-network/aa-bundler/pkg/evmclient"
	"github.com/dusk-network/aa-bundler/pkg/kv"
	"github.com/dusk-network/aa-bundler/pkg/mempool"
	"github.com/dusk-network/aa-bundler/pkg/reputation"
	"github.com/dusk-network/aa-bundler/pkg/rpcserver"
	"github.com/dusk-network/aa-bundler/pkg/types"
	"github.com/dusk-network/aa-bundler/pkg/validation"
)

var log = logger.WithFields(logger.Fields{"prefix": "main"})

// network bundles one chain's fully-wired stack, kept around only so
// Stop can halt its auto-bundling cron on shutdown.
type network struct {
	chainID  int64
	bundling *bundling.Service
}

func main() {
	configPath := flag.String("config", "./bundler.toml", "path to the bundler TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aa-bundler: %v\n", err)
		os.Exit(1)
	}
	config.Set(cfg)

	setupLogging(cfg.Bundler)

	store := kv.NewLevelDB(cfg.Bundler.DBPath)
	if err := store.Start(); err != nil {
		log.Fatalf("opening store at %s: %v", cfg.Bundler.DBPath, err)
	}
	defer store.Stop()

	var chains []rpcserver.Chain
	var networks []*network

	for name, n := range cfg.Networks {
		netLog := log.WithField("network", name)

		client, err := evmclient.Dial(n.RPCEndpoint)
		if err != nil {
			log.Fatalf("network %s: dialing %s: %v", name, n.RPCEndpoint, err)
		}

		entryPoints, err := parseAddresses(n.EntryPoints)
		if err != nil {
			log.Fatalf("network %s: entry_points: %v", name, err)
		}

		minStake, err := parseStakeInfo(n.MinStake, n.MinUnstakeDelaySec)
		if err != nil {
			log.Fatalf("network %s: min_stake: %v", name, err)
		}

		repParams := reputation.Params{
			MinInclusionDenominator: n.MinInclusionDenominator,
			ThrottlingSlack:         n.ThrottlingSlack,
			BanSlack:                n.BanSlack,
			MinStake:                minStake,
		}
		repSvc := reputation.New(store, n.ChainID, repParams)
		mempoolSvc := mempool.New(store, n.ChainID, repSvc)
		validationSvc := validation.New(client, n.SimulateTimeout)

		relayer, err := bundling.NewRelayer(n.RelayerKey)
		if err != nil {
			log.Fatalf("network %s: relayer_key: %v", name, err)
		}

		var beneficiary *common.Address
		if n.Beneficiary != "" {
			b := common.HexToAddress(n.Beneficiary)
			beneficiary = &b
		}

		minSignerBalance := big.NewInt(0)
		if n.MinSignerBalance != "" {
			var ok bool
			minSignerBalance, ok = new(big.Int).SetString(n.MinSignerBalance, 10)
			if !ok {
				log.Fatalf("network %s: min_signer_balance %q is not a valid integer", name, n.MinSignerBalance)
			}
		}

		multicall := common.Address{}
		if n.Multicall != "" {
			multicall = common.HexToAddress(n.Multicall)
		}

		bundlingCfg := bundling.Config{
			ChainID:              n.ChainID,
			EntryPoints:          entryPoints,
			Multicall:            multicall,
			Beneficiary:          beneficiary,
			MinSignerBalance:     minSignerBalance,
			SubmitTimeout:        n.SubmitTimeout,
			Mode:                 bundling.Mode(cfg.Bundler.BundlingMode),
			AutoBundlingInterval: cfg.Bundler.AutoBundlingInterval,
			MaxMempoolSize:       n.MaxMempoolSize,
		}
		bundlingSvc := bundling.New(bundlingCfg, client, mempoolSvc, repSvc, validationSvc, relayer)

		ethSvc := eth.New(n.ChainID, entryPoints, client, mempoolSvc, repSvc, validationSvc)

		dispatch := &rpcserver.Dispatch{
			Eth:        ethSvc,
			Mempool:    mempoolSvc,
			Reputation: repSvc,
			Bundling:   bundlingSvc,
		}
		chains = append(chains, rpcserver.Chain{ChainID: n.ChainID, Handler: dispatch.Handle})
		networks = append(networks, &network{chainID: n.ChainID, bundling: bundlingSvc})

		netLog.Infof("network wired: relayer=%s entryPoints=%v mode=%s", relayer.Address.Hex(), entryPoints, bundlingCfg.Mode)
	}

	if len(networks) == 0 {
		log.Fatal("no networks configured")
	}

	for _, n := range networks {
		n.bundling.Start()
	}

	server := rpcserver.New(chains, cfg.Bundler.CORSOrigin, cfg.Bundler.TestingMode)
	addr := fmt.Sprintf("%s:%d", cfg.Bundler.Host, cfg.Bundler.Port)
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	go func() {
		log.Infof("listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	for _, n := range networks {
		n.bundling.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Errorf("http server shutdown: %v", err)
	}
}

// setupLogging layers a prefixed text formatter over logrus, writing to
// stderr and -- when configured -- a rotated log file via lumberjack.
func setupLogging(cfg config.BundlerConfig) {
	logger.SetFormatter(&prefixed.TextFormatter{FullTimestamp: true})

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.LogFile == "" {
		logger.SetOutput(os.Stderr)
		return
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     28,
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, rotator))
}

func parseAddresses(addrs []string) ([]common.Address, error) {
	out := make([]common.Address, len(addrs))
	for i, a := range addrs {
		if !common.IsHexAddress(a) {
			return nil, errors.Errorf("invalid address %q", a)
		}
		out[i] = common.HexToAddress(a)
	}
	return out, nil
}

func parseStakeInfo(minStake string, unstakeDelaySec uint64) (*types.StakeInfo, error) {
	if minStake == "" {
		return &types.StakeInfo{UnstakeDelaySec: unstakeDelaySec}, nil
	}
	n, ok := new(big.Int).SetString(strings.TrimSpace(minStake), 10)
	if !ok {
		return nil, errors.Errorf("min_stake %q is not a valid integer", minStake)
	}
	return &types.StakeInfo{Stake: n, UnstakeDelaySec: unstakeDelaySec}, nil
}
