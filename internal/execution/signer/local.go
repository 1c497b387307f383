package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
)

const (
	EnvPrivateKey           = "COVER_PRIVATE_KEY"
	EnvPrivateKeyFile       = "COVER_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "COVER_KEYSTORE_PATH"
	EnvKeystorePassword     = "COVER_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "COVER_KEYSTORE_PASSWORD_FILE"

	defaultPrivateKeyRelativePath = "cover/key.hex"
	defaultPrivateKeyHintPath     = "~/.config/cover/key.hex"
)

type KeySource string

const (
	KeySourceAuto     KeySource = "auto"
	KeySourceEnv      KeySource = "env"
	KeySourceFile     KeySource = "file"
	KeySourceKeystore KeySource = "keystore"
)

func ParseKeySource(input string) (KeySource, error) {
	switch source := KeySource(strings.ToLower(strings.TrimSpace(input))); source {
	case "":
		return KeySourceAuto, nil
	case KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore:
		return source, nil
	default:
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported key source %q (expected auto|env|file|keystore)", input))
	}
}

type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
}

// keyMaterial is where a key may come from, in precedence order.
type keyMaterial struct {
	privateKeyHex        string
	privateKeyFile       string
	keystorePath         string
	keystorePassword     string
	keystorePasswordFile string
}

// Load resolves a signer from the environment restricted to source. A
// non-empty override key wins over every other input.
func Load(source KeySource, override string) (*LocalSigner, error) {
	if strings.TrimSpace(override) != "" {
		return fromMaterial(keyMaterial{privateKeyHex: override})
	}
	m := keyMaterial{
		privateKeyHex:        strings.TrimSpace(os.Getenv(EnvPrivateKey)),
		privateKeyFile:       strings.TrimSpace(os.Getenv(EnvPrivateKeyFile)),
		keystorePath:         strings.TrimSpace(os.Getenv(EnvKeystorePath)),
		keystorePassword:     strings.TrimSpace(os.Getenv(EnvKeystorePassword)),
		keystorePasswordFile: strings.TrimSpace(os.Getenv(EnvKeystorePasswordFile)),
	}
	if m.privateKeyFile == "" {
		m.privateKeyFile = discoverDefaultPrivateKeyFile()
	}
	switch source {
	case KeySourceAuto, "":
	case KeySourceEnv:
		m = keyMaterial{privateKeyHex: m.privateKeyHex}
	case KeySourceFile:
		m = keyMaterial{privateKeyFile: m.privateKeyFile}
	case KeySourceKeystore:
		m.privateKeyHex, m.privateKeyFile = "", ""
	default:
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported key source %q", source))
	}
	return fromMaterial(m)
}

func fromMaterial(m keyMaterial) (*LocalSigner, error) {
	pk, err := loadPrivateKey(m)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "load signing key", err)
	}
	pub, ok := pk.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, clierr.New(clierr.CodeSigner, "invalid ECDSA public key")
	}
	return &LocalSigner{privateKey: pk, address: crypto.PubkeyToAddress(*pub)}, nil
}

func loadPrivateKey(m keyMaterial) (*ecdsa.PrivateKey, error) {
	switch {
	case m.privateKeyHex != "":
		return parseHexKey(m.privateKeyHex)
	case m.privateKeyFile != "":
		buf, err := os.ReadFile(m.privateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		return parseHexKey(string(buf))
	case m.keystorePath != "":
		return decryptKeystore(m)
	}
	return nil, fmt.Errorf("missing signing key: write one to %s, set %s, or pass --private-key", defaultPrivateKeyHintPath, EnvPrivateKey)
}

func decryptKeystore(m keyMaterial) (*ecdsa.PrivateKey, error) {
	password := m.keystorePassword
	if password == "" && m.keystorePasswordFile != "" {
		buf, err := os.ReadFile(m.keystorePasswordFile)
		if err != nil {
			return nil, fmt.Errorf("read keystore password file: %w", err)
		}
		password = strings.TrimSpace(string(buf))
	}
	if password == "" {
		return nil, fmt.Errorf("keystore password is required (%s or %s)", EnvKeystorePassword, EnvKeystorePasswordFile)
	}
	buf, err := os.ReadFile(m.keystorePath)
	if err != nil {
		return nil, fmt.Errorf("read keystore file: %w", err)
	}
	key, err := keystore.DecryptKey(buf, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, fmt.Errorf("empty private key")
	}
	pk, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return pk, nil
}

func defaultPrivateKeyPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, defaultPrivateKeyRelativePath)
}

func discoverDefaultPrivateKeyFile() string {
	path := defaultPrivateKeyPath()
	if path == "" {
		return ""
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	return path
}
