package signing

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
)

// Signer 钱包签名能力
type Signer interface {
	Address() common.Address
	// SignHash 对 32 字节摘要签名，返回 65 字节 r||s||v，v 为 27/28
	SignHash(hash common.Hash) ([]byte, error)
	// SignMessage personal_sign（EIP-191）
	SignMessage(msg []byte) ([]byte, error)
}

// KeySigner 持有本地私钥的签名器
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// NewKeySignerFromHex 支持带或不带 0x 前缀
func NewKeySignerFromHex(hexKey string) (*KeySigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("private key is empty")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewKeySigner(key), nil
}

// NewKeySignerFromMnemonic 按派生路径从助记词得到签名 key
func NewKeySignerFromMnemonic(mnemonic, derivationPath string) (*KeySigner, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return nil, fmt.Errorf("mnemonic is required")
	}
	if strings.TrimSpace(derivationPath) == "" {
		derivationPath = "m/44'/60'/0'/0/0"
	}
	w, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	path, err := hdwallet.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, fmt.Errorf("invalid derivation_path: %w", err)
	}
	acct, err := w.Derive(path, false)
	if err != nil {
		return nil, fmt.Errorf("derive failed: %w", err)
	}
	key, err := w.PrivateKey(acct)
	if err != nil {
		return nil, fmt.Errorf("private key failed: %w", err)
	}
	return NewKeySigner(key), nil
}

func (s *KeySigner) Address() common.Address { return s.address }

func (s *KeySigner) SignHash(hash common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(hash.Bytes(), s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func (s *KeySigner) SignMessage(msg []byte) ([]byte, error) {
	return s.SignHash(common.BytesToHash(accounts.TextHash(msg)))
}

// SignLoginTimestamp 登录凭证：对毫秒时间戳的十进制字符串做 personal_sign
func SignLoginTimestamp(s Signer, timestampMillis int64) (string, error) {
	if s == nil {
		return "", ErrSignerMissing
	}
	sig, err := s.SignMessage([]byte(strconv.FormatInt(timestampMillis, 10)))
	if err != nil {
		return "", err
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// RecoverAddress 从 SignHash 产生的签名恢复地址
func RecoverAddress(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(hash.Bytes(), normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
