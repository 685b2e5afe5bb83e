package polymarket

// auth.go — cliente autenticado del CLOB.
//
// Dos niveles:
//   L1: firma EIP-712 con la clave de la wallet → deriva credenciales de API
//   L2: HMAC-SHA256 de cada request autenticada

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/polymarket/go-order-utils/pkg/builder"
	gomodel "github.com/polymarket/go-order-utils/pkg/model"
)

const (
	polygonChainID = int64(137)

	clobDomainName    = "ClobAuthDomain"
	clobDomainVersion = "1"
	clobAuthMessage   = "This message attests that I control the given wallet"

	// taker cero = orden pública
	zeroAddress = "0x0000000000000000000000000000000000000000"
)

// Credentials son las credenciales L2 derivadas de la wallet.
type Credentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// AuthClient añade autenticación L1/L2 y firma de órdenes al Client público.
type AuthClient struct {
	*Client
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	orderBuilder builder.ExchangeOrderBuilder

	mu    sync.Mutex
	creds *Credentials
}

// NewAuthClient crea un cliente autenticado. privateKeyHex admite prefijo 0x.
func NewAuthClient(clobBase, gammaBase, privateKeyHex string) (*AuthClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("auth: invalid private key: %w", err)
	}
	return &AuthClient{
		Client:       NewClient(clobBase, gammaBase),
		privateKey:   key,
		address:      crypto.PubkeyToAddress(key.PublicKey),
		orderBuilder: builder.NewExchangeOrderBuilderImpl(big.NewInt(polygonChainID), nil),
	}, nil
}

// Address devuelve la dirección de la wallet.
func (ac *AuthClient) Address() string {
	return ac.address.Hex()
}

// Credentials deriva las credenciales si hace falta y las devuelve.
func (ac *AuthClient) Credentials(ctx context.Context) (Credentials, error) {
	if err := ac.EnsureCreds(ctx); err != nil {
		return Credentials{}, err
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return *ac.creds, nil
}

// EnsureCreds deriva las credenciales de API vía L1. Se cachean tras el primer éxito.
func (ac *AuthClient) EnsureCreds(ctx context.Context) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.creds != nil {
		return nil
	}

	headers := func() (map[string]string, error) {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		sig, err := ac.signClobAuth(ts, 0)
		if err != nil {
			return nil, fmt.Errorf("auth: sign l1: %w", err)
		}
		return map[string]string{
			"POLY_ADDRESS":   ac.address.Hex(),
			"POLY_SIGNATURE": sig,
			"POLY_TIMESTAMP": ts,
			"POLY_NONCE":     "0",
		}, nil
	}

	var creds Credentials
	if err := ac.do(ctx, ac.clobLimiter, http.MethodGet, ac.clobBase+"/auth/derive-api-key", nil, headers, &creds); err != nil {
		return fmt.Errorf("auth: derive-api-key: %w", err)
	}
	if creds.APIKey == "" {
		return fmt.Errorf("auth: derive-api-key returned empty credentials")
	}
	ac.creds = &creds
	return nil
}

var (
	eip712DomainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId)",
	))
	clobAuthTypeHash = crypto.Keccak256Hash([]byte(
		"ClobAuth(address address,string timestamp,uint256 nonce,string message)",
	))
	clobAuthDomainSeparator = crypto.Keccak256Hash(
		eip712DomainTypeHash.Bytes(),
		crypto.Keccak256([]byte(clobDomainName)),
		crypto.Keccak256([]byte(clobDomainVersion)),
		common.LeftPadBytes(big.NewInt(polygonChainID).Bytes(), 32),
	)
)

// signClobAuth firma el typed data ClobAuth para L1.
func (ac *AuthClient) signClobAuth(timestamp string, nonce int64) (string, error) {
	structHash := crypto.Keccak256Hash(
		clobAuthTypeHash.Bytes(),
		common.LeftPadBytes(ac.address.Bytes(), 32),
		crypto.Keccak256([]byte(timestamp)),
		common.LeftPadBytes(big.NewInt(nonce).Bytes(), 32),
		crypto.Keccak256([]byte(clobAuthMessage)),
	)
	digest := crypto.Keccak256Hash([]byte{0x19, 0x01}, clobAuthDomainSeparator.Bytes(), structHash.Bytes())

	sig, err := crypto.Sign(digest.Bytes(), ac.privateKey)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return fmt.Sprintf("0x%x", sig), nil
}

// l2Headers firma method+path+body con el secret HMAC.
func (ac *AuthClient) l2Headers(creds Credentials, method, path, body string) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := hmacSignature(creds.Secret, ts+strings.ToUpper(method)+path+body)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"POLY_ADDRESS":    ac.address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  ts,
		"POLY_API_KEY":    creds.APIKey,
		"POLY_PASSPHRASE": creds.Passphrase,
	}, nil
}

func hmacSignature(secret, msg string) (string, error) {
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("auth: decode secret: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// doL2 ejecuta una request autenticada. Las cabeceras se regeneran en cada
// intento para que el timestamp siga fresco.
func (ac *AuthClient) doL2(ctx context.Context, method, path string, reqBody, out any) error {
	creds, err := ac.Credentials(ctx)
	if err != nil {
		return err
	}

	var body []byte
	if reqBody != nil {
		if body, err = json.Marshal(reqBody); err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
	}
	headers := func() (map[string]string, error) {
		return ac.l2Headers(creds, method, path, string(body))
	}
	return ac.do(ctx, ac.clobLimiter, method, ac.clobBase+path, body, headers, out)
}

// orderAmounts calcula maker/taker en micro-unidades con aritmética entera.
// El CLOB exige que el lado USDC sea exactamente price × shares.
//
//	SELL: maker = shares, taker = USDC
//	BUY:  maker = USDC,   taker = shares
func orderAmounts(side gomodel.Side, price, shares float64) (maker, taker int64, err error) {
	prec := detectPricePrecision(price)
	priceInt := int64(math.Round(price * float64(prec)))
	sharesCents := int64(math.Floor(shares*100 + 1e-9))

	factor := int64(1_000_000) / (100 * prec)
	shareUnits := sharesCents * 10_000
	usdcUnits := sharesCents * priceInt * factor

	if shareUnits <= 0 || usdcUnits <= 0 {
		return 0, 0, fmt.Errorf("invalid amounts: shares=%d usdc=%d (price=%.4f shares=%.4f)", shareUnits, usdcUnits, price, shares)
	}
	if side == gomodel.SELL {
		return shareUnits, usdcUnits, nil
	}
	return usdcUnits, shareUnits, nil
}

// buildSignedOrder crea una orden EIP-712 firmada.
func (ac *AuthClient) buildSignedOrder(side gomodel.Side, tokenID string, price, shares float64, negRisk bool) (*gomodel.SignedOrder, error) {
	maker, taker, err := orderAmounts(side, price, shares)
	if err != nil {
		return nil, err
	}

	contract := gomodel.CTFExchange
	if negRisk {
		contract = gomodel.NegRiskCTFExchange
	}

	signed, err := ac.orderBuilder.BuildSignedOrder(ac.privateKey, &gomodel.OrderData{
		Maker:         ac.address.Hex(),
		Taker:         zeroAddress,
		TokenId:       tokenID,
		MakerAmount:   strconv.FormatInt(maker, 10),
		TakerAmount:   strconv.FormatInt(taker, 10),
		FeeRateBps:    "0",
		Nonce:         "0",
		Signer:        ac.address.Hex(),
		Expiration:    "0",
		Side:          side,
		SignatureType: gomodel.EOA,
	}, contract)
	if err != nil {
		return nil, fmt.Errorf("build signed order: %w", err)
	}
	return signed, nil
}

// detectPricePrecision devuelve el multiplicador del tick del precio.
// 0.60 → 100 (tick 0.01), 0.673 → 1000 (tick 0.001).
func detectPricePrecision(price float64) int64 {
	for _, prec := range []int64{100, 1000, 10000} {
		rounded := math.Round(price * float64(prec))
		if math.Abs(rounded/float64(prec)-price) < 1e-10 {
			return prec
		}
	}
	return 100
}
