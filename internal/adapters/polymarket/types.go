package polymarket

import "encoding/json"

// DTOs raw de la API de Polymarket. Solo se usan dentro de este paquete.
// La conversión a domain entities se hace en mapping.go.

// --- Gamma API ---

// gammaMarket es un mercado de GET /markets de Gamma.
// outcomes y clobTokenIds llegan como arrays JSON serializados en un string.
type gammaMarket struct {
	ConditionID  string          `json:"conditionId"`
	Question     string          `json:"question"`
	Slug         string          `json:"slug"`
	EndDate      string          `json:"endDate"`
	EndDateISO   string          `json:"endDateIso"`
	Outcomes     json.RawMessage `json:"outcomes"`
	ClobTokenIDs json.RawMessage `json:"clobTokenIds"`
	Active       bool            `json:"active"`
	Closed       bool            `json:"closed"`
	NegRisk      bool            `json:"negRisk"`
}

// --- CLOB API: books ---

// orderBookRequest es el body del POST /books batch.
type orderBookRequest struct {
	TokenID string `json:"token_id"`
}

// orderBookResponse es un item de POST /books.
type orderBookResponse struct {
	AssetID   string         `json:"asset_id"`
	Bids      []bookEntryRaw `json:"bids"`
	Asks      []bookEntryRaw `json:"asks"`
	Timestamp string         `json:"timestamp"`
}

// bookEntryRaw es un nivel de precio raw de la API (strings para mayor precisión).
type bookEntryRaw struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// --- CLOB API: trading ---

// clobOrderRequest es el body de POST /order.
type clobOrderRequest struct {
	Order     clobOrderBody `json:"order"`
	Owner     string        `json:"owner"`
	OrderType string        `json:"orderType"`
}

type clobOrderBody struct {
	Salt          json.Number `json:"salt"`
	Maker         string      `json:"maker"`
	Signer        string      `json:"signer"`
	Taker         string      `json:"taker"`
	TokenID       string      `json:"tokenId"`
	MakerAmount   string      `json:"makerAmount"`
	TakerAmount   string      `json:"takerAmount"`
	Expiration    string      `json:"expiration"`
	Nonce         string      `json:"nonce"`
	FeeRateBps    string      `json:"feeRateBps"`
	Side          string      `json:"side"`
	SignatureType int         `json:"signatureType"`
	Signature     string      `json:"signature"`
}

type clobOrderResponse struct {
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	TakingAmount string `json:"takingAmount"`
	MakingAmount string `json:"makingAmount"`
	Status       string `json:"status"`
	Success      bool   `json:"success"`
}

// clobCancelRequest es el body de DELETE /order.
type clobCancelRequest struct {
	OrderID string `json:"orderID"`
}

// clobCancelResponse: los ids no cancelados vienen con el motivo.
type clobCancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// clobOrder es la respuesta de GET /data/order/{id}. Los tamaños son shares decimales.
type clobOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	AssetID      string `json:"asset_id"`
	Market       string `json:"market"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	CreatedAt    int64  `json:"created_at"`
}

// --- Websocket ---

// wsMarketSubscribe es el primer mensaje del canal market.
type wsMarketSubscribe struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}

// wsMarketUpdate añade assets a una sesión abierta.
type wsMarketUpdate struct {
	AssetIDs  []string `json:"assets_ids"`
	Operation string   `json:"operation"`
}

// wsMarketEvent cubre los eventos "book" y "price_change".
type wsMarketEvent struct {
	EventType    string          `json:"event_type"`
	AssetID      string          `json:"asset_id"`
	Market       string          `json:"market"`
	Bids         []bookEntryRaw  `json:"bids"`
	Asks         []bookEntryRaw  `json:"asks"`
	Buys         []bookEntryRaw  `json:"buys"`
	Sells        []bookEntryRaw  `json:"sells"`
	PriceChanges []wsPriceChange `json:"price_changes"`
	Timestamp    string          `json:"timestamp"`
}

type wsPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"` // BUY = bid, SELL = ask
}

// wsUserSubscribe autentica el canal user.
type wsUserSubscribe struct {
	Type    string     `json:"type"`
	Markets []string   `json:"markets"`
	Auth    wsUserAuth `json:"auth"`
}

type wsUserAuth struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// wsUserEvent cubre los eventos "order" y "trade" del canal user.
type wsUserEvent struct {
	EventType    string `json:"event_type"`
	ID           string `json:"id"`
	Type         string `json:"type"` // PLACEMENT | UPDATE | CANCELLATION
	Status       string `json:"status"`
	AssetID      string `json:"asset_id"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	TakerOrderID string `json:"taker_order_id"`
	MakerOrders  []struct {
		OrderID string `json:"order_id"`
	} `json:"maker_orders"`
}
