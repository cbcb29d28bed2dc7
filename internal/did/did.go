// Package did holds the contract of the decentralized-identifier service
// consumed by the agent role.
package did

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Identity is a resolved DID and its document.
type Identity struct {
	ID       string          `json:"id"`
	Document json.RawMessage `json:"document,omitempty"`
}

type Client interface {
	// CreateIdentifier returns the node's identity, creating it when needed.
	CreateIdentifier(ctx context.Context) (Identity, error)
	// FindIdentifier resolves id. It returns nil without error when the
	// identifier is unknown.
	FindIdentifier(ctx context.Context, id string) (*Identity, error)
}

// ErrCreateUnsupported is returned by clients that can only resolve.
var ErrCreateUnsupported = errors.New("identifier creation requires a keyring")

// SidetreeResolver resolves identifiers against a sidetree node over HTTP.
// Creation needs key material and is not handled here.
type SidetreeResolver struct {
	Endpoint string
	HTTP     *http.Client
}

func NewSidetreeResolver(endpoint string) *SidetreeResolver {
	return &SidetreeResolver{
		Endpoint: strings.TrimRight(endpoint, "/"),
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *SidetreeResolver) CreateIdentifier(context.Context) (Identity, error) {
	return Identity{}, ErrCreateUnsupported
}

func (r *SidetreeResolver) FindIdentifier(ctx context.Context, id string) (*Identity, error) {
	u := r.Endpoint + "/api/v1/identifiers/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("resolve %s: unexpected status %s", id, resp.Status)
	}

	var body struct {
		DIDDocument json.RawMessage `json:"didDocument"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode resolution of %s: %w", id, err)
	}
	return &Identity{ID: id, Document: body.DIDDocument}, nil
}
