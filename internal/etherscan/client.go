package etherscan

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const defaultBaseURL = "https://api.etherscan.io/v2/api"

// APIError is returned when the indexer answers with status != "1".
type APIError struct {
	Action  string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("etherscan %s: %s", e.Action, e.Message)
}

// Client queries the etherscan v2 API for data that is cheaper to read off an
// indexer than on-chain: native-currency balances and token supply.
type Client struct {
	baseURL string
	apiKey  string
	chainID int64
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL, apiKey string, chainID int64, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		chainID: chainID,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("component", "etherscan").Logger(),
	}
}

type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  string `json:"result"`
}

// AccountBalance fetches the native-currency balance in wei.
func (c *Client) AccountBalance(ctx context.Context, address string) (*big.Int, error) {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "balance")
	params.Set("address", address)
	params.Set("tag", "latest")
	return c.fetch(ctx, "balance", params)
}

// TokenSupply fetches the total minted token supply in base units.
func (c *Client) TokenSupply(ctx context.Context, contractAddress string) (*big.Int, error) {
	params := url.Values{}
	params.Set("module", "stats")
	params.Set("action", "tokensupply")
	params.Set("contractaddress", contractAddress)
	return c.fetch(ctx, "tokensupply", params)
}

func (c *Client) fetch(ctx context.Context, action string, params url.Values) (*big.Int, error) {
	params.Set("chainid", fmt.Sprintf("%d", c.chainID))
	params.Set("apikey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("etherscan %s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Action: action, Message: fmt.Sprintf("http %d", resp.StatusCode)}
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("etherscan %s: decode: %w", action, err)
	}
	if body.Status != "1" {
		return nil, &APIError{Action: action, Message: body.Message}
	}

	value, ok := new(big.Int).SetString(body.Result, 10)
	if !ok {
		return nil, &APIError{Action: action, Message: "non-numeric result"}
	}
	c.log.Debug().Str("action", action).Str("result", body.Result).Msg("indexer fetch")
	return value, nil
}
