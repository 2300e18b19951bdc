package main

import (
	"context"
	"crypto/ecdsa"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/asset"
	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/finance"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	_ "modernc.org/sqlite"
)

func setupLiteMode(ctx context.Context, dataDir string) (*sql.DB, error) {
	dbPath := filepath.Join(dataDir, "reimbursed.db")
	log.Printf("[reimbursed] lite mode: using sqlite at %s", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY under concurrent requests.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return db, nil
}

// loadOrGenerateAnchorKey reads the secp256k1 key that signs archived
// batches, creating it on first start outside production.
func loadOrGenerateAnchorKey(path string) (*ecdsa.PrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		key, err := crypto.LoadECDSA(path)
		if err != nil {
			return nil, fmt.Errorf("invalid anchor key %s: %w", path, err)
		}
		log.Printf("[reimbursed] anchor: loaded key for %s", crypto.PubkeyToAddress(key.PublicKey).Hex())
		return key, nil
	}

	if os.Getenv("REIMBURSED_PRODUCTION") == "1" {
		return nil, fmt.Errorf("production mode requires %s to exist", path)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	if err := crypto.SaveECDSA(path, key); err != nil {
		return nil, fmt.Errorf("failed to save anchor key: %w", err)
	}
	log.Printf("[reimbursed] anchor: generated key for %s at %s", crypto.PubkeyToAddress(key.PublicKey).Hex(), path)
	return key, nil
}

// seedDevBalances mints development balances from a comma separated list of
// address=amount pairs. Each account receives amount of both the budget
// asset and the fee asset, and approves custody and the gas tank custody to
// pull it.
func seedDevBalances(mint string, custody, gasCustody common.Address, token, gas *asset.MemoryToken) error {
	if strings.TrimSpace(mint) == "" {
		return nil
	}
	for _, pair := range strings.Split(mint, ",") {
		addr, raw, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || !common.IsHexAddress(addr) {
			return fmt.Errorf("DEV_MINT: %q is not address=amount", pair)
		}
		amount, err := finance.ParseAmount(raw)
		if err != nil {
			return fmt.Errorf("DEV_MINT: %w", err)
		}
		acct := common.HexToAddress(addr)
		if err := token.Mint(acct, amount); err != nil {
			return err
		}
		if err := gas.Mint(acct, amount); err != nil {
			return err
		}
		if err := token.Approve(acct, custody, amount); err != nil {
			return err
		}
		if err := gas.Approve(acct, gasCustody, amount); err != nil {
			return err
		}
		log.Printf("[reimbursed] dev: minted %s to %s", amount, acct.Hex())
	}
	return nil
}
