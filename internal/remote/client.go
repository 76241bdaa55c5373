package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/mwaldrop/reverie/internal/errors"
	"github.com/mwaldrop/reverie/internal/models"
)

// DriveConfig holds connection configuration for the drive object store.
type DriveConfig struct {
	// BaseURL of the drive API, e.g. https://drive.example.com/api/v1.
	BaseURL string

	// Scope is the app-private scope name objects live under. Objects in
	// this scope are not visible to other applications.
	Scope string

	// RequestTimeout bounds every single network call. Exceeding it is a
	// transient failure.
	RequestTimeout time.Duration

	// PageSize for list calls.
	PageSize int
}

// DriveClient implements Adapter against an HTTP drive API with bearer
// authentication. All auth-header and timeout handling lives here; nothing
// else in the engine touches the network.
type DriveClient struct {
	config     DriveConfig
	tokens     TokenProvider
	httpClient *http.Client
}

// NewDriveClient creates a DriveClient. The token provider is required;
// running without one is a configuration error caught at startup.
func NewDriveClient(config DriveConfig, tokens TokenProvider) (*DriveClient, error) {
	if tokens == nil {
		return nil, apperrors.New(apperrors.ErrNoTokenProvider, "remote adapter requires a token provider")
	}
	if config.BaseURL == "" {
		return nil, apperrors.New(apperrors.ErrConfig, "remote base URL is empty")
	}
	if config.Scope == "" {
		config.Scope = "app"
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.PageSize <= 0 {
		config.PageSize = 100
	}
	return &DriveClient{
		config: config,
		tokens: tokens,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}, nil
}

// objectDoc is the wire form of a remote object: the record's domain
// payload plus updatedAt. No envelope or versioning header beyond that.
type objectDoc struct {
	ID        string          `json:"id"`
	Key       string          `json:"key"`
	UpdatedAt int64           `json:"updated_at"`
	Payload   json.RawMessage `json:"payload"`
}

type listPage struct {
	Objects       []objectDoc `json:"objects"`
	NextPageToken string      `json:"next_page_token,omitempty"`
}

// FindOrCreate implements Adapter.
func (c *DriveClient) FindOrCreate(ctx context.Context, entityType models.EntityType, entityID string, payload []byte) (string, error) {
	key := ObjectKey(entityType, entityID)

	existing, err := c.findByKey(ctx, key)
	if err != nil {
		return "", err
	}
	if existing != "" {
		if err := c.Update(ctx, existing, payload); err != nil {
			return "", err
		}
		return existing, nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"key":     key,
		"payload": json.RawMessage(payload),
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrSyncCorruptPayload, "failed to encode object", err)
	}

	var created objectDoc
	if err := c.do(ctx, http.MethodPost, c.objectsURL(nil), body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", apperrors.New(apperrors.ErrSyncCorruptPayload, "create response carried no object id")
	}
	return created.ID, nil
}

// Update implements Adapter.
func (c *DriveClient) Update(ctx context.Context, ref string, payload []byte) error {
	body, err := json.Marshal(map[string]interface{}{
		"payload": json.RawMessage(payload),
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncCorruptPayload, "failed to encode object", err)
	}
	return c.do(ctx, http.MethodPut, c.objectURL(ref), body, nil)
}

// Read implements Adapter.
func (c *DriveClient) Read(ctx context.Context, ref string) (*Object, error) {
	var doc objectDoc
	if err := c.do(ctx, http.MethodGet, c.objectURL(ref), nil, &doc); err != nil {
		return nil, err
	}
	return &Object{Ref: doc.ID, Key: doc.Key, Payload: doc.Payload, UpdatedAt: doc.UpdatedAt}, nil
}

// Delete implements Adapter. A missing object is treated as already
// deleted.
func (c *DriveClient) Delete(ctx context.Context, entityType models.EntityType, entityID string) error {
	ref, err := c.findByKey(ctx, ObjectKey(entityType, entityID))
	if err != nil {
		return err
	}
	if ref == "" {
		return nil
	}
	err = c.do(ctx, http.MethodDelete, c.objectURL(ref), nil, nil)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	return err
}

// List implements Adapter. The listing is restartable: each call starts a
// fresh stream from the first page.
func (c *DriveClient) List(entityType models.EntityType) Listing {
	return &driveListing{client: c, prefix: string(entityType) + "-"}
}

type driveListing struct {
	client    *DriveClient
	prefix    string
	buf       []objectDoc
	pageToken string
	done      bool
}

// Next implements Listing. Pages are fetched lazily as the caller advances.
func (l *driveListing) Next(ctx context.Context) (*Object, error) {
	for len(l.buf) == 0 {
		if l.done {
			return nil, ErrDone
		}
		if err := l.fetchPage(ctx); err != nil {
			return nil, err
		}
	}

	doc := l.buf[0]
	l.buf = l.buf[1:]
	return &Object{Ref: doc.ID, Key: doc.Key, Payload: doc.Payload, UpdatedAt: doc.UpdatedAt}, nil
}

func (l *driveListing) fetchPage(ctx context.Context) error {
	params := url.Values{}
	params.Set("prefix", l.prefix)
	params.Set("page_size", fmt.Sprintf("%d", l.client.config.PageSize))
	if l.pageToken != "" {
		params.Set("page_token", l.pageToken)
	}

	var page listPage
	if err := l.client.do(ctx, http.MethodGet, l.client.objectsURL(params), nil, &page); err != nil {
		return err
	}

	l.buf = page.Objects
	l.pageToken = page.NextPageToken
	if l.pageToken == "" {
		l.done = true
	}
	return nil
}

// findByKey resolves a deterministic key to a ref, or "" if absent.
func (c *DriveClient) findByKey(ctx context.Context, key string) (string, error) {
	params := url.Values{}
	params.Set("key", key)

	var page listPage
	if err := c.do(ctx, http.MethodGet, c.objectsURL(params), nil, &page); err != nil {
		return "", err
	}
	if len(page.Objects) == 0 {
		return "", nil
	}
	return page.Objects[0].ID, nil
}

func (c *DriveClient) objectsURL(params url.Values) string {
	u := fmt.Sprintf("%s/scopes/%s/objects", c.config.BaseURL, url.PathEscape(c.config.Scope))
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func (c *DriveClient) objectURL(ref string) string {
	return fmt.Sprintf("%s/scopes/%s/objects/%s", c.config.BaseURL, url.PathEscape(c.config.Scope), url.PathEscape(ref))
}

// do executes one authenticated, time-bounded request and decodes the JSON
// response into out (when out is non-nil).
func (c *DriveClient) do(ctx context.Context, method, urlStr string, body []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	token, err := c.tokens.GetValidAccessToken(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncAuthExpired, "token provider refused a credential", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperrors.Wrap(apperrors.ErrSyncTimeout, "remote call timed out", err)
		}
		return apperrors.Wrap(apperrors.ErrSyncTransient, "remote call failed", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	if out == nil {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.ErrSyncCorruptPayload, "failed to decode remote response", err)
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the engine's error taxonomy.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.New(apperrors.ErrSyncAuthExpired,
			fmt.Sprintf("remote rejected credential (status %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.New(apperrors.ErrNotFound, "remote object not found")
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.New(apperrors.ErrSyncRateLimited, "remote rate limit hit")
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperrors.New(apperrors.ErrSyncTransient,
			fmt.Sprintf("remote failed with status %d: %s", resp.StatusCode, string(body)))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperrors.New(apperrors.ErrSyncCorruptPayload,
			fmt.Sprintf("remote refused request with status %d: %s", resp.StatusCode, string(body)))
	}
}
