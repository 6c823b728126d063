package chain

import (
	"crypto/ecdsa"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"github.com/pkg/errors"
	"github.com/tyler-smith/go-bip39"

	"github.com/GPTx-global/oracle-dispatcher/oracle/config"
)

// LoadKey reads the signing key from the configured source.
func LoadKey(cfg config.KeyConfig) (*ecdsa.PrivateKey, error) {
	switch cfg.Source {
	case config.KeySourceEnv:
		raw := os.Getenv(cfg.Env)
		if raw == "" {
			return nil, errors.Errorf("environment variable %s is empty", cfg.Env)
		}
		return parseHexKey(raw)

	case config.KeySourceHex:
		raw, err := os.ReadFile(cfg.Path)
		if err != nil {
			return nil, errors.Wrap(err, "read key file")
		}
		return parseHexKey(string(raw))

	case config.KeySourceKeystore:
		raw, err := os.ReadFile(cfg.Path)
		if err != nil {
			return nil, errors.Wrap(err, "read keystore file")
		}
		key, err := keystore.DecryptKey(raw, os.Getenv(cfg.PasswordEnv))
		if err != nil {
			return nil, errors.Wrap(err, "decrypt keystore")
		}
		return key.PrivateKey, nil

	case config.KeySourceMnemonic:
		raw, err := os.ReadFile(cfg.Path)
		if err != nil {
			return nil, errors.Wrap(err, "read mnemonic file")
		}
		return keyFromMnemonic(strings.TrimSpace(string(raw)), cfg.DerivationPath)

	default:
		return nil, errors.Errorf("unknown key source %q", cfg.Source)
	}
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse hex private key")
	}
	return key, nil
}

func keyFromMnemonic(mnemonic, derivation string) (*ecdsa.PrivateKey, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	if derivation == "" {
		derivation = config.DefaultDerivation
	}

	wallet, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, errors.Wrap(err, "load mnemonic")
	}

	path, err := hdwallet.ParseDerivationPath(derivation)
	if err != nil {
		return nil, errors.Wrapf(err, "parse derivation path %s", derivation)
	}

	account, err := wallet.Derive(path, false)
	if err != nil {
		return nil, errors.Wrap(err, "derive account")
	}

	return wallet.PrivateKey(account)
}
