// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-wallet/storage"
)

// Well known hardhat development keys. Never fund these on a real network.
const (
	OwnerKeyHex     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	PaymasterKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	FunderKeyHex    = "5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a"
)

var (
	OwnerAddress     = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	PaymasterAddress = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	FunderAddress    = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")

	// SmartWalletAddress is an arbitrary counterfactual address used by fakes.
	SmartWalletAddress = common.HexToAddress("0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6")

	EntrypointAddress = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	FactoryAddress    = common.HexToAddress("0x29adA1b5217242DEaBB142BC3b1bCfFdd56008e7")
)

func MustKey(hexKey string) *ecdsa.PrivateKey {
	k, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		panic(err)
	}
	return k
}

// Shortcut to initialize a storage at a temp path, panic if we cannot create db
func TestMustDB() storage.Storage {
	dir, err := os.MkdirTemp("", "aptest")
	if err != nil {
		panic(err)
	}

	db, err := storage.NewWithPath(dir)
	if err != nil {
		panic(err)
	}
	return db
}

func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger(sdklogging.Development)
	if err != nil {
		panic(err)
	}
	return logger
}

// GetDefaultCache returns a small bigcache with the given life window.
func GetDefaultCache(lifeWindow time.Duration) *bigcache.BigCache {
	config := bigcache.DefaultConfig(lifeWindow)
	config.Shards = 16
	config.MaxEntriesInWindow = 1024
	config.MaxEntrySize = 128
	config.Verbose = false
	// bigcache has a one second resolution
	config.CleanWindow = time.Second

	cache, err := bigcache.New(context.Background(), config)
	if err != nil {
		panic(fmt.Errorf("error get default cache for test: %w", err))
	}
	return cache
}
