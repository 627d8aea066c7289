package signerhandler

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ruteri/wallet-kms/api"
	"github.com/ruteri/wallet-kms/interfaces"
)

// Client talks to a signer service. It implements interfaces.Signer so
// state-transition code can sign remotely.
type Client struct {
	BaseURL string
	Client  *http.Client
}

var _ interfaces.Signer = (*Client)(nil)

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client:  http.DefaultClient,
	}
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("signer returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) Keys() ([]interfaces.KeyHandle, error) {
	var resp api.KeysResponse
	if err := c.do(http.MethodGet, "/api/v1/keys", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

func (c *Client) PublicKey(handle interfaces.KeyHandle) (interfaces.PublicKey, error) {
	var resp api.PublicKeyResponse
	if err := c.do(http.MethodGet, "/api/v1/keys/"+url.PathEscape(handle.String())+"/pubkey", nil, &resp); err != nil {
		return nil, err
	}
	pub, err := hex.DecodeString(resp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("could not decode public key: %w", err)
	}
	return pub, nil
}

func (c *Client) Sign(handle interfaces.KeyHandle, digest interfaces.Digest) (interfaces.Signature, error) {
	var resp api.SignResponse
	req := api.SignRequest{Handle: handle, Digest: hex.EncodeToString(digest)}
	if err := c.do(http.MethodPost, "/api/v1/sign", req, &resp); err != nil {
		return nil, err
	}
	sig, err := hex.DecodeString(resp.Signature)
	if err != nil {
		return nil, fmt.Errorf("could not decode signature: %w", err)
	}
	return sig, nil
}

func (c *Client) DeriveKeyPair(seed interfaces.KeyHandle, path interfaces.DerivationPath) (interfaces.KeyHandle, error) {
	var resp api.DeriveResponse
	if err := c.do(http.MethodPost, "/api/v1/derive", api.DeriveRequest{SeedHandle: seed, Path: path.String()}, &resp); err != nil {
		return interfaces.KeyHandle{}, err
	}
	return resp.Handle, nil
}

func (c *Client) RecoveryStatus() (*api.RecoveryStatusResponse, error) {
	var resp api.RecoveryStatusResponse
	if err := c.do(http.MethodGet, "/api/admin/recovery/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartRecovery asks the server to fetch the export with content ID backupID.
func (c *Client) StartRecovery(backupID interfaces.ContentID) (*api.RecoveryStatusResponse, error) {
	var resp api.RecoveryStatusResponse
	if err := c.do(http.MethodPost, "/api/admin/recovery/start", api.RecoveryStartRequest{BackupID: backupID.String()}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitShare submits a backup key share with its custodian signature.
func (c *Client) SubmitShare(share, signature []byte) (*api.RecoveryStatusResponse, error) {
	req := api.RecoveryShareRequest{
		Share:     hex.EncodeToString(share),
		Signature: hex.EncodeToString(signature),
	}
	var resp api.RecoveryStatusResponse
	if err := c.do(http.MethodPost, "/api/admin/recovery/share", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not request signer: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read signer response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		if json.Unmarshal(respBody, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = string(respBody)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse signer response: %w", err)
	}
	return nil
}
