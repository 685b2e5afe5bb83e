package onchain

// ctf.go — cliente on-chain del Conditional Token Framework de Polymarket.
//
//   splitPosition:  $100 USDC.e → 100 A + 100 B
//   mergePositions: 100 A + 100 B → $100 USDC.e
//   redeemPositions: tras la resolución, acciones ganadoras → USDC.e
//
// Los mercados negRisk pasan por el NegRiskAdapter, que tiene su propia
// firma (conditionId, amount). El resto usa el CTF directamente con
// parentCollectionId cero y partición [1, 2].

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	polygonChainID = int64(137)

	// USDC.e collateral on Polygon
	usdcEAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

	// CTF — guarda los tokens condicionales (ERC1155)
	ctfAddress = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"

	normalExchange  = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	negRiskAdapter  = "0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296"

	// límites de gas conservadores
	ctfGasLimit      = uint64(250_000)
	approvalGasLimit = uint64(80_000)

	gasPriceUpdateInterval = 5 * time.Minute
	receiptTimeout         = 60 * time.Second

	// 6 decimales para USDC.e y para los tokens condicionales
	unitScale = 1_000_000
)

// ErrReverted indica que la transacción se minó pero falló.
var ErrReverted = errors.New("transaction reverted")

var (
	ctfABI     abi.ABI
	adapterABI abi.ABI
	erc1155ABI abi.ABI
	erc20ABI   abi.ABI
)

func init() {
	ctfABI = mustABI("ctf", `[
		{"name": "splitPosition", "type": "function", "outputs": [], "inputs": [
			{"name": "collateralToken", "type": "address"},
			{"name": "parentCollectionId", "type": "bytes32"},
			{"name": "conditionId", "type": "bytes32"},
			{"name": "partition", "type": "uint256[]"},
			{"name": "amount", "type": "uint256"}]},
		{"name": "mergePositions", "type": "function", "outputs": [], "inputs": [
			{"name": "collateralToken", "type": "address"},
			{"name": "parentCollectionId", "type": "bytes32"},
			{"name": "conditionId", "type": "bytes32"},
			{"name": "partition", "type": "uint256[]"},
			{"name": "amount", "type": "uint256"}]},
		{"name": "redeemPositions", "type": "function", "outputs": [], "inputs": [
			{"name": "collateralToken", "type": "address"},
			{"name": "parentCollectionId", "type": "bytes32"},
			{"name": "conditionId", "type": "bytes32"},
			{"name": "indexSets", "type": "uint256[]"}]}
	]`)

	adapterABI = mustABI("negrisk adapter", `[
		{"name": "splitPosition", "type": "function", "outputs": [], "inputs": [
			{"name": "conditionId", "type": "bytes32"},
			{"name": "amount", "type": "uint256"}]},
		{"name": "mergePositions", "type": "function", "outputs": [], "inputs": [
			{"name": "conditionId", "type": "bytes32"},
			{"name": "amount", "type": "uint256"}]},
		{"name": "redeemPositions", "type": "function", "outputs": [], "inputs": [
			{"name": "conditionId", "type": "bytes32"},
			{"name": "amounts", "type": "uint256[]"}]}
	]`)

	erc1155ABI = mustABI("erc1155", `[
		{"name": "setApprovalForAll", "type": "function", "outputs": [], "inputs": [
			{"name": "operator", "type": "address"},
			{"name": "approved", "type": "bool"}]},
		{"name": "isApprovedForAll", "type": "function", "outputs": [{"name": "", "type": "bool"}], "inputs": [
			{"name": "account", "type": "address"},
			{"name": "operator", "type": "address"}]},
		{"name": "balanceOf", "type": "function", "outputs": [{"name": "", "type": "uint256"}], "inputs": [
			{"name": "account", "type": "address"},
			{"name": "id", "type": "uint256"}]}
	]`)

	erc20ABI = mustABI("erc20", `[
		{"name": "approve", "type": "function", "outputs": [{"name": "", "type": "bool"}], "inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}]},
		{"name": "allowance", "type": "function", "outputs": [{"name": "", "type": "uint256"}], "inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}]}
	]`)
}

func mustABI(name, def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(name + " abi parse: " + err.Error())
	}
	return parsed
}

// Backend es el subconjunto de ethclient.Client que usa el CTFClient.
type Backend interface {
	ethereum.ContractCaller
	ethereum.GasEstimator
	ethereum.GasPricer
	ethereum.TransactionSender
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

var _ Backend = (*ethclient.Client)(nil)

// CTFClient ejecuta split/merge y consulta balances de tokens condicionales.
type CTFClient struct {
	backend    Backend
	privateKey *ecdsa.PrivateKey
	address    common.Address

	// serializa las txs: una sola wallet, nonces secuenciales
	txMu        sync.Mutex
	receiptPoll time.Duration

	mu           sync.RWMutex
	cachedGasWei *big.Int
	gasUpdatedAt time.Time
}

// NewCTFClient conecta al RPC de Polygon. privateKeyHex admite prefijo 0x.
func NewCTFClient(rpcURL, privateKeyHex string) (*CTFClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ctf: dial rpc %s: %w", rpcURL, err)
	}
	return NewCTFClientWithBackend(client, privateKeyHex)
}

// NewCTFClientWithBackend crea el cliente sobre un backend ya conectado.
func NewCTFClientWithBackend(backend Backend, privateKeyHex string) (*CTFClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("ctf: invalid private key: %w", err)
	}
	return &CTFClient{
		backend:     backend,
		privateKey:  key,
		address:     crypto.PubkeyToAddress(key.PublicKey),
		receiptPoll: 3 * time.Second,
	}, nil
}

// Address devuelve la wallet que firma las transacciones.
func (c *CTFClient) Address() string {
	return c.address.Hex()
}

// Split convierte amount USDC.e en amount pares A+B. Devuelve el tx hash.
func (c *CTFClient) Split(ctx context.Context, conditionID string, amount float64, negRisk bool) (string, error) {
	to, data, err := packCTFCall("splitPosition", conditionID, amount, negRisk)
	if err != nil {
		return "", fmt.Errorf("ctf.Split: %w", err)
	}
	tx, err := c.send(ctx, to, data, ctfGasLimit)
	if err != nil {
		return tx, fmt.Errorf("ctf.Split: %w", err)
	}
	slog.Info("ctf: split confirmed", "condition", shortHex(conditionID), "amount", fmt.Sprintf("$%.2f", amount), "tx", tx)
	return tx, nil
}

// Merge convierte amount pares A+B en amount USDC.e. Devuelve el tx hash.
func (c *CTFClient) Merge(ctx context.Context, conditionID string, amount float64, negRisk bool) (string, error) {
	to, data, err := packCTFCall("mergePositions", conditionID, amount, negRisk)
	if err != nil {
		return "", fmt.Errorf("ctf.Merge: %w", err)
	}
	tx, err := c.send(ctx, to, data, ctfGasLimit)
	if err != nil {
		return tx, fmt.Errorf("ctf.Merge: %w", err)
	}
	slog.Info("ctf: merge confirmed", "condition", shortHex(conditionID), "amount", fmt.Sprintf("$%.2f", amount), "tx", tx)
	return tx, nil
}

// Redeem cobra las acciones de un mercado ya resuelto. amountA/amountB van en
// el orden de outcomes del mercado (A = Yes/Up = índice 0). En el CTF
// directo se redimen los dos index sets completos y los amounts solo deciden
// si hay algo que redimir; el NegRiskAdapter necesita las cantidades.
// Revierte si el oráculo aún no ha reportado el resultado.
func (c *CTFClient) Redeem(ctx context.Context, conditionID string, amountA, amountB float64, negRisk bool) (string, error) {
	to, data, err := packRedeemCall(conditionID, amountA, amountB, negRisk)
	if err != nil {
		return "", fmt.Errorf("ctf.Redeem: %w", err)
	}
	tx, err := c.send(ctx, to, data, ctfGasLimit)
	if err != nil {
		return tx, fmt.Errorf("ctf.Redeem: %w", err)
	}
	slog.Info("ctf: redeem confirmed", "condition", shortHex(conditionID),
		"shares_A", fmt.Sprintf("%.2f", amountA), "shares_B", fmt.Sprintf("%.2f", amountB), "tx", tx)
	return tx, nil
}

// Balance devuelve el balance ERC1155 de un token condicional en shares.
func (c *CTFClient) Balance(ctx context.Context, tokenID string) (float64, error) {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return 0, fmt.Errorf("ctf.Balance: %w", err)
	}
	data, err := erc1155ABI.Pack("balanceOf", c.address, id)
	if err != nil {
		return 0, fmt.Errorf("ctf.Balance: pack: %w", err)
	}
	ctf := common.HexToAddress(ctfAddress)
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &ctf, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("ctf.Balance: call: %w", err)
	}
	vals, err := erc1155ABI.Unpack("balanceOf", out)
	if err != nil || len(vals) == 0 {
		return 0, fmt.Errorf("ctf.Balance: unpack: %w", err)
	}
	return fromUnits(vals[0].(*big.Int)), nil
}

// EnsureApprovals deja la wallet lista para operar:
//   - ERC1155 setApprovalForAll a los exchanges y al adapter (ventas y merges negRisk)
//   - USDC.e approve al CTF y al adapter (splits)
func (c *CTFClient) EnsureApprovals(ctx context.Context) error {
	ctf := common.HexToAddress(ctfAddress)
	for _, op := range []string{normalExchange, negRiskExchange, negRiskAdapter} {
		operator := common.HexToAddress(op)
		approved, err := c.isApprovedForAll(ctx, operator)
		if err != nil {
			return fmt.Errorf("ctf.EnsureApprovals: check erc1155 %s: %w", op, err)
		}
		if approved {
			slog.Debug("ctf: erc1155 approval already set", "operator", op)
			continue
		}
		data, err := erc1155ABI.Pack("setApprovalForAll", operator, true)
		if err != nil {
			return fmt.Errorf("ctf.EnsureApprovals: pack: %w", err)
		}
		if _, err := c.send(ctx, ctf, data, approvalGasLimit); err != nil {
			return fmt.Errorf("ctf.EnsureApprovals: erc1155 %s: %w", op, err)
		}
		slog.Info("ctf: erc1155 approval set", "operator", op)
	}

	usdc := common.HexToAddress(usdcEAddress)
	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	minAllowance := new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(unitScale)) // 1M USDC.e

	for _, sp := range []string{ctfAddress, negRiskAdapter} {
		spender := common.HexToAddress(sp)
		allowance, err := c.allowance(ctx, usdc, spender)
		if err != nil {
			return fmt.Errorf("ctf.EnsureApprovals: check allowance %s: %w", sp, err)
		}
		if allowance.Cmp(minAllowance) >= 0 {
			slog.Debug("ctf: usdc allowance sufficient", "spender", sp)
			continue
		}
		data, err := erc20ABI.Pack("approve", spender, maxUint256)
		if err != nil {
			return fmt.Errorf("ctf.EnsureApprovals: pack: %w", err)
		}
		if _, err := c.send(ctx, usdc, data, approvalGasLimit); err != nil {
			return fmt.Errorf("ctf.EnsureApprovals: usdc %s: %w", sp, err)
		}
		slog.Info("ctf: usdc approval set", "spender", sp)
	}
	return nil
}

// packCTFCall construye destino y calldata de split/merge.
func packCTFCall(method, conditionID string, amount float64, negRisk bool) (common.Address, []byte, error) {
	cond, err := hexToBytes32(conditionID)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("condition id: %w", err)
	}
	units := toUnits(amount)
	if units.Sign() <= 0 {
		return common.Address{}, nil, fmt.Errorf("invalid amount %.6f", amount)
	}

	if negRisk {
		data, err := adapterABI.Pack(method, cond, units)
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("pack %s: %w", method, err)
		}
		return common.HexToAddress(negRiskAdapter), data, nil
	}

	partition := []*big.Int{big.NewInt(1), big.NewInt(2)}
	data, err := ctfABI.Pack(method, common.HexToAddress(usdcEAddress), [32]byte{}, cond, partition, units)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return common.HexToAddress(ctfAddress), data, nil
}

func packRedeemCall(conditionID string, amountA, amountB float64, negRisk bool) (common.Address, []byte, error) {
	cond, err := hexToBytes32(conditionID)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("condition id: %w", err)
	}
	a, b := toUnits(amountA), toUnits(amountB)
	if a.Sign() < 0 || b.Sign() < 0 || (a.Sign() == 0 && b.Sign() == 0) {
		return common.Address{}, nil, fmt.Errorf("nothing to redeem (%.6f/%.6f)", amountA, amountB)
	}

	if negRisk {
		data, err := adapterABI.Pack("redeemPositions", cond, []*big.Int{a, b})
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("pack redeemPositions: %w", err)
		}
		return common.HexToAddress(negRiskAdapter), data, nil
	}

	indexSets := []*big.Int{big.NewInt(1), big.NewInt(2)}
	data, err := ctfABI.Pack("redeemPositions", common.HexToAddress(usdcEAddress), [32]byte{}, cond, indexSets)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("pack redeemPositions: %w", err)
	}
	return common.HexToAddress(ctfAddress), data, nil
}

// send firma, envía y espera el receipt. Si el receipt no llega a tiempo se
// devuelve el hash sin error: la tx puede minarse después y el engine
// comprueba balances antes de reintentar.
func (c *CTFClient) send(ctx context.Context, to common.Address, data []byte, fallbackGas uint64) (string, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	gasPrice := c.gasPrice(ctx)

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.address, To: &to, GasPrice: gasPrice, Data: data})
	if err != nil {
		slog.Warn("ctf: gas estimate failed, using default", "err", err, "limit", fallbackGas)
		gas = fallbackGas
	}
	gas = gas * 12 / 10

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(polygonChainID)), c.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}
	hash := signed.Hash().Hex()
	slog.Debug("ctf: transaction sent", "tx", hash, "to", to.Hex(), "gas", gas)

	rctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()
	receipt, err := c.waitForReceipt(rctx, signed.Hash())
	if err != nil {
		slog.Warn("ctf: could not confirm receipt, tx may still land", "tx", hash, "err", err)
		return hash, nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash, fmt.Errorf("%s: %w", hash, ErrReverted)
	}

	gasPOL := new(big.Float).Quo(
		new(big.Float).SetInt(new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), gasPrice)),
		big.NewFloat(1e18),
	)
	pol, _ := gasPOL.Float64()
	slog.Debug("ctf: transaction confirmed", "tx", hash, "gas_pol", fmt.Sprintf("%.6f", pol))
	return hash, nil
}

func (c *CTFClient) isApprovedForAll(ctx context.Context, operator common.Address) (bool, error) {
	data, err := erc1155ABI.Pack("isApprovedForAll", c.address, operator)
	if err != nil {
		return false, err
	}
	ctf := common.HexToAddress(ctfAddress)
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &ctf, Data: data}, nil)
	if err != nil {
		return false, err
	}
	vals, err := erc1155ABI.Unpack("isApprovedForAll", out)
	if err != nil || len(vals) == 0 {
		return false, err
	}
	return vals[0].(bool), nil
}

func (c *CTFClient) allowance(ctx context.Context, token, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", c.address, spender)
	if err != nil {
		return nil, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	vals, err := erc20ABI.Unpack("allowance", out)
	if err != nil || len(vals) == 0 {
		return big.NewInt(0), err
	}
	return vals[0].(*big.Int), nil
}

// gasPrice devuelve el gas price cacheado con un 10% extra; 30 gwei si el RPC falla.
func (c *CTFClient) gasPrice(ctx context.Context) *big.Int {
	c.mu.RLock()
	cached, at := c.cachedGasWei, c.gasUpdatedAt
	c.mu.RUnlock()
	if cached != nil && time.Since(at) < gasPriceUpdateInterval {
		return cached
	}

	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		if cached != nil {
			return cached
		}
		return big.NewInt(30_000_000_000)
	}
	buffered := new(big.Int).Mul(price, big.NewInt(11))
	buffered.Div(buffered, big.NewInt(10))

	c.mu.Lock()
	c.cachedGasWei = buffered
	c.gasUpdatedAt = time.Now()
	c.mu.Unlock()
	return buffered
}

func (c *CTFClient) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := c.backend.TransactionReceipt(ctx, hash)
			if err != nil {
				continue // todavía sin minar
			}
			return receipt, nil
		}
	}
}

// hexToBytes32 convierte un hex con prefijo 0x a [32]byte.
func hexToBytes32(s string) ([32]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return [32]byte{}, fmt.Errorf("expected 64 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, err
	}
	var arr [32]byte
	copy(arr[:], b)
	return arr, nil
}

// parseTokenID acepta el id decimal de la API o un hex con 0x.
func parseTokenID(tokenID string) (*big.Int, error) {
	id := new(big.Int)
	if _, ok := id.SetString(tokenID, 10); ok {
		return id, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(tokenID, "0x"))
	if err != nil || len(b) == 0 {
		return nil, fmt.Errorf("invalid token id %q", tokenID)
	}
	return id.SetBytes(b), nil
}

func toUnits(amount float64) *big.Int {
	return big.NewInt(int64(math.Round(amount * unitScale)))
}

func fromUnits(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(unitScale)).Float64()
	return f
}

func shortHex(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12] + "..."
}
