package vegamarket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// APIClient handles HTTP requests to a relay
type APIClient struct {
	host   string
	client *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(host string) *APIClient {
	return &APIClient{
		host: strings.TrimRight(host, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// doRequest performs an HTTP request
func (c *APIClient) doRequest(method, endpoint string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	url := fmt.Sprintf("%s%s", c.host, endpoint)
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	return resp, nil
}

// decodeJSONResponse reads the response body, checks HTTP status, and decodes JSON
func (c *APIClient) decodeJSONResponse(resp *http.Response, result interface{}) error {
	// Read body first to check status and handle errors
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var body ErrorResponse
		if json.Unmarshal(bodyBytes, &body) == nil && body.Error != "" {
			apiErr.Code = body.Code
			apiErr.Message = body.Error
		} else {
			apiErr.Message = string(bodyBytes)
			if apiErr.Message == "" {
				apiErr.Message = resp.Status
			}
		}
		return apiErr
	}

	if err := json.Unmarshal(bodyBytes, result); err != nil {
		// If JSON decode fails, include the body in the error for debugging
		bodyStr := string(bodyBytes)
		if len(bodyStr) > 200 {
			bodyStr = bodyStr[:200] + "..."
		}
		return fmt.Errorf("failed to decode JSON response: %w (body: %s)", err, bodyStr)
	}

	return nil
}

func (c *APIClient) get(endpoint string, result interface{}) error {
	resp, err := c.doRequest("GET", endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return c.decodeJSONResponse(resp, result)
}

// GetDomain fetches the EIP-712 domain the relay's market verifies against
func (c *APIClient) GetDomain() (*DomainInfo, error) {
	var result DomainInfo
	if err := c.get("/domain", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetListings fetches every active listing
func (c *APIClient) GetListings() ([]ListingInfo, error) {
	var result []ListingInfo
	if err := c.get("/listings", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetListing fetches the listing of one asset; Listed is false when it is not for sale
func (c *APIClient) GetListing(assetID *big.Int) (*ListingInfo, error) {
	var result ListingInfo
	if err := c.get(fmt.Sprintf("/listings/%s", assetID), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetSettlementPrice fetches what assetID costs in the settlement token right now
func (c *APIClient) GetSettlementPrice(assetID *big.Int) (*SettlementPrice, error) {
	var result SettlementPrice
	if err := c.get(fmt.Sprintf("/listings/%s/settlement-price", assetID), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetNonce fetches the meta-transaction nonce of account
func (c *APIClient) GetNonce(account common.Address) (uint64, error) {
	var result NonceInfo
	if err := c.get(fmt.Sprintf("/nonces/%s", account.Hex()), &result); err != nil {
		return 0, err
	}
	return result.Nonce, nil
}

// GetEvents fetches committed events starting at sequence number from
func (c *APIClient) GetEvents(from int64, limit int) ([]EventEntry, error) {
	var result []EventEntry
	if err := c.get(fmt.Sprintf("/events?from=%d&limit=%d", from, limit), &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ExecuteMetaTransaction submits a signed meta-transaction for relaying
func (c *APIClient) ExecuteMetaTransaction(req *MetaTransactionRequest) (*MetaTransactionResult, error) {
	resp, err := c.doRequest("POST", "/meta-transactions", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result MetaTransactionResult
	if err := c.decodeJSONResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
