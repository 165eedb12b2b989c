// Package client talks to a privacy CA over its REST interface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/psanford/tpm-privacy-ca/endorsement"
	"github.com/psanford/tpm-privacy-ca/errs"
	"github.com/psanford/tpm-privacy-ca/messages"
)

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the server at baseURL. A nil httpClient uses
// http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// EndorseTpm asks the CA to issue an EK certificate for a raw RSA modulus.
// It returns the PEM certificate.
func (c *Client) EndorseTpm(ctx context.Context, ekModulus []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, "/privacyca/tpm-endorsement", "application/octet-stream", ekModulus, http.StatusOK, nil)
}

func (c *Client) IdentityChallengeRequest(ctx context.Context, req messages.IdentityChallengeRequest) (*messages.IdentityProofRequest, error) {
	var proof messages.IdentityProofRequest
	if err := c.doJSON(ctx, http.MethodPost, "/privacyca/identity-challenge-request", req, http.StatusOK, &proof); err != nil {
		return nil, err
	}
	return &proof, nil
}

func (c *Client) IdentityChallengeResponse(ctx context.Context, resp messages.IdentityChallengeResponse) (*messages.IdentityProofRequest, error) {
	var proof messages.IdentityProofRequest
	if err := c.doJSON(ctx, http.MethodPost, "/privacyca/identity-challenge-response", resp, http.StatusOK, &proof); err != nil {
		return nil, err
	}
	return &proof, nil
}

// EndorseSigningKey returns the PEM certificate for a certified signing key.
func (c *Client) EndorseSigningKey(ctx context.Context, req messages.SigningKeyEndorsementRequest) ([]byte, error) {
	return c.postJSONForPEM(ctx, "/privacyca/signing-key-endorsement", req)
}

// EndorseBindingKey returns the PEM certificate for a certified binding key.
func (c *Client) EndorseBindingKey(ctx context.Context, req messages.BindingKeyEndorsementRequest) ([]byte, error) {
	return c.postJSONForPEM(ctx, "/privacyca/binding-key-endorsement", req)
}

// RetrieveCaCertificate returns the PEM certificate for root, saml, tls or
// privacy.
func (c *Client) RetrieveCaCertificate(ctx context.Context, id string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/ca-certificates/"+url.PathEscape(id), "", nil, http.StatusOK, nil)
}

// SearchCaCertificatesPem returns concatenated PEM certificates. The domain
// defaults to "ek" when both id and domain are empty.
func (c *Client) SearchCaCertificatesPem(ctx context.Context, id, domain string) ([]byte, error) {
	if id == "" && domain == "" {
		domain = "ek"
	}
	q := url.Values{}
	if id != "" {
		q.Set("id", id)
	}
	if domain != "" {
		q.Set("domain", domain)
	}
	return c.do(ctx, http.MethodGet, "/ca-certificates?"+q.Encode(), "", nil, http.StatusOK, nil)
}

func (c *Client) CreateTpmEndorsement(ctx context.Context, rec messages.TpmEndorsement) (*messages.TpmEndorsement, error) {
	var out messages.TpmEndorsement
	if err := c.doJSON(ctx, http.MethodPost, "/tpm-endorsements", rec, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StoreTpmEndorsement replaces the record with rec.ID.
func (c *Client) StoreTpmEndorsement(ctx context.Context, rec messages.TpmEndorsement) (*messages.TpmEndorsement, error) {
	if rec.ID == "" {
		return nil, errs.New(errs.MalformedInput, "tpm endorsement id is required")
	}
	var out messages.TpmEndorsement
	if err := c.doJSON(ctx, http.MethodPut, "/tpm-endorsements/"+url.PathEscape(rec.ID), rec, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RetrieveTpmEndorsement(ctx context.Context, id string) (*messages.TpmEndorsement, error) {
	var out messages.TpmEndorsement
	if err := c.doJSON(ctx, http.MethodGet, "/tpm-endorsements/"+url.PathEscape(id), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RevokeTpmEndorsement(ctx context.Context, id string) (*messages.TpmEndorsement, error) {
	var out messages.TpmEndorsement
	if err := c.doJSON(ctx, http.MethodPost, "/tpm-endorsements/"+url.PathEscape(id)+"/revoke", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteTpmEndorsement(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/tpm-endorsements/"+url.PathEscape(id), "", nil, http.StatusNoContent, nil)
	return err
}

func (c *Client) SearchTpmEndorsements(ctx context.Context, filter endorsement.Filter) (*messages.TpmEndorsementCollection, error) {
	path := "/tpm-endorsements"
	if q := filter.Values(); len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out messages.TpmEndorsementCollection
	if err := c.doJSON(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) postJSONForPEM(ctx context.Context, path string, req interface{}) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, path, "application/json", body, http.StatusOK, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in interface{}, wantStatus int, out interface{}) error {
	var body []byte
	contentType := ""
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return err
		}
		contentType = "application/json"
	}
	_, err := c.do(ctx, method, path, contentType, body, wantStatus, out)
	return err
}

// do sends the request and returns the raw body, or decodes it into out
// when out is non-nil.
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, wantStatus int, out interface{}) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return nil, decodeError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil, nil
	}
	return io.ReadAll(resp.Body)
}

func decodeError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var er messages.ErrorResponse
	if err := json.Unmarshal(msg, &er); err == nil && er.Error != "" {
		return &errs.Error{Kind: errs.ParseKind(er.Error), Msg: er.Message}
	}
	return &errs.Error{Kind: kindForStatus(resp.StatusCode), Msg: fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))}
}

func kindForStatus(status int) errs.Kind {
	switch status {
	case http.StatusBadRequest:
		return errs.MalformedInput
	case http.StatusNotFound:
		return errs.NotFound
	case http.StatusConflict:
		return errs.Conflict
	case http.StatusGatewayTimeout:
		return errs.Timeout
	}
	return errs.Internal
}
