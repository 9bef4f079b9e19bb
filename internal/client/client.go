// Package client is a typed HTTP client for the danki API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/patric-chuzhbe/danki/internal/models"
)

// ErrUnexpectedStatus is wrapped by every non-success answer.
var ErrUnexpectedStatus = errors.New("unexpected response status")

// Client talks to a danki server.
type Client struct {
	http *resty.Client
}

type Option func(*resty.Client)

// WithToken authenticates every request with the given bearer token.
func WithToken(token string) Option {
	return func(c *resty.Client) {
		if token != "" {
			c.SetAuthToken(token)
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *resty.Client) {
		c.SetTimeout(timeout)
	}
}

// WithTransport replaces the underlying round tripper.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *resty.Client) {
		c.SetTransport(transport)
	}
}

func New(serverURL string, opts ...Option) *Client {
	httpClient := resty.New().
		SetBaseURL(serverURL).
		SetHeader("Accept", "application/json").
		SetTimeout(10 * time.Second)
	for _, opt := range opts {
		opt(httpClient)
	}

	return &Client{http: httpClient}
}

func statusError(resp *resty.Response) error {
	var message models.ErrorMsg
	if err := resp.Error(); err != nil {
		if msg, ok := err.(*models.ErrorMsg); ok && msg.Message != "" {
			message = *msg
		}
	}
	if message.Message == "" {
		message.Message = http.StatusText(resp.StatusCode())
	}

	return fmt.Errorf("%w: %d %s", ErrUnexpectedStatus, resp.StatusCode(), message.Message)
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetError(&models.ErrorMsg{})
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, email, password string) error {
	var result models.UserRegisterResponse
	resp, err := c.request(ctx).
		SetBody(models.UserRegisterRequest{Email: email, Password: password}).
		SetResult(&result).
		Post("/register")
	if err != nil {
		return fmt.Errorf("in internal/client/client.go/Register(): error while `Post()` calling: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || !result.Success {
		return fmt.Errorf("%w: %d registration rejected", ErrUnexpectedStatus, resp.StatusCode())
	}

	return nil
}

// Login returns a signed token for the credentials.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var result models.UserAuthResponse
	resp, err := c.request(ctx).
		SetBody(models.UserAuthRequest{Email: email, Password: password}).
		SetResult(&result).
		Post("/login")
	if err != nil {
		return "", fmt.Errorf("in internal/client/client.go/Login(): error while `Post()` calling: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", statusError(resp)
	}

	return result.JWT, nil
}

// EchoEmail returns the email the server reads from the token.
func (c *Client) EchoEmail(ctx context.Context) (string, error) {
	resp, err := c.request(ctx).Get("/echo-email")
	if err != nil {
		return "", fmt.Errorf("in internal/client/client.go/EchoEmail(): error while `Get()` calling: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", statusError(resp)
	}

	return resp.String(), nil
}

// ListCollections fetches one page of collections.
func (c *Client) ListCollections(ctx context.Context, query models.CollectionsQuery) ([]models.CardCollectionDTO, error) {
	params := map[string]string{
		"offset":    strconv.Itoa(query.Offset),
		"limit":     strconv.Itoa(query.Limit),
		"ascending": strconv.FormatBool(query.Ascending),
	}
	if query.Sort != "" {
		params["sort"] = string(query.Sort)
	}
	if query.UserID != "" {
		params["userId"] = query.UserID
	}

	var result models.ListOfCollectionsResponse
	resp, err := c.request(ctx).
		SetQueryParams(params).
		SetResult(&result).
		Get("/collections")
	if err != nil {
		return nil, fmt.Errorf("in internal/client/client.go/ListCollections(): error while `Get()` calling: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, statusError(resp)
	}

	return result.Collections, nil
}

// CreateCollection returns the id of the new collection.
func (c *Client) CreateCollection(ctx context.Context, name string) (string, error) {
	var result models.CreateCardCollectionResponse
	resp, err := c.request(ctx).
		SetBody(models.CreateCardCollectionRequest{Name: name}).
		SetResult(&result).
		Post("/collections/")
	if err != nil {
		return "", fmt.Errorf("in internal/client/client.go/CreateCollection(): error while `Post()` calling: %w", err)
	}
	if resp.StatusCode() != http.StatusCreated {
		return "", statusError(resp)
	}

	return result.UUID, nil
}

func (c *Client) RenameCollection(ctx context.Context, id, name string) (models.CardCollectionDTO, error) {
	var result models.CardCollectionDTO
	resp, err := c.request(ctx).
		SetPathParam("id", id).
		SetBody(models.RenameCardCollectionRequest{Name: name}).
		SetResult(&result).
		Put("/collections/{id}")
	if err != nil {
		return result, fmt.Errorf("in internal/client/client.go/RenameCollection(): error while `Put()` calling: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return result, statusError(resp)
	}

	return result, nil
}

// DeleteCollections schedules removal; the server answers before deleting.
func (c *Client) DeleteCollections(ctx context.Context, ids []string) error {
	resp, err := c.request(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(models.DeleteCollectionsRequest(ids)).
		Delete("/collections")
	if err != nil {
		return fmt.Errorf("in internal/client/client.go/DeleteCollections(): error while `Delete()` calling: %w", err)
	}
	if resp.StatusCode() != http.StatusAccepted {
		return statusError(resp)
	}

	return nil
}
