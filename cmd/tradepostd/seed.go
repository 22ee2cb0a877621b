package main

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"tradepost/config"
	"tradepost/native/market"
)

// seedFile describes initial asset custody and balances for development and
// staging environments. Production custody comes from the real gateway.
type seedFile struct {
	Assets []struct {
		Contract string `yaml:"contract"`
		TokenID  string `yaml:"tokenId"`
		Owner    string `yaml:"owner"`
	} `yaml:"assets"`
	Balances []struct {
		Address string `yaml:"address"`
		Amount  string `yaml:"amount"`
	} `yaml:"balances"`
}

func applySeed(path string, registry *market.CustodyRegistry, engine *market.Engine) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}
	for i, entry := range seed.Assets {
		contract, err := config.ParseAddress(entry.Contract)
		if err != nil {
			return fmt.Errorf("seed asset %d: %w", i, err)
		}
		token, ok := new(big.Int).SetString(strings.TrimSpace(entry.TokenID), 10)
		if !ok || token.Sign() < 0 {
			return fmt.Errorf("seed asset %d: invalid token id %q", i, entry.TokenID)
		}
		owner, err := config.ParseAddress(entry.Owner)
		if err != nil {
			return fmt.Errorf("seed asset %d: %w", i, err)
		}
		registry.Seed(market.NewAssetKey(contract, token), owner)
	}
	for i, entry := range seed.Balances {
		addr, err := config.ParseAddress(entry.Address)
		if err != nil {
			return fmt.Errorf("seed balance %d: %w", i, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(entry.Amount), 10)
		if !ok || amount.Sign() < 0 {
			return fmt.Errorf("seed balance %d: invalid amount %q", i, entry.Amount)
		}
		if err := engine.Mint(addr, amount); err != nil {
			return fmt.Errorf("seed balance %d: %w", i, err)
		}
	}
	return nil
}
