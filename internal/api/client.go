// Package api is the REST client for the chat endpoints of the marketplace
// API, the system of record for conversations and messages. Every call is
// attempted once; retry policy belongs to the caller.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gigmarket/chatsync/internal/chat"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20

// TokenFunc returns the bearer credential for a request.
type TokenFunc func(ctx context.Context) (string, error)

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.example.com".
	BaseURL string
	// Token supplies the bearer credential. Nil sends no Authorization header.
	Token TokenFunc
	// Timeout bounds each request when HTTPClient is nil.
	Timeout time.Duration
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the chat REST endpoints.
type Client struct {
	baseURL    string
	token      TokenFunc
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("api: base URL is required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("api: invalid base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("api: base URL scheme must be http or https, got %q", parsed.Scheme)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     logger.Named("api"),
	}, nil
}

// SendMessageRequest is the body of a message send.
type SendMessageRequest struct {
	Content     string            `json:"content"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
	// ClientMessageID lets the server recognise a resubmitted send.
	ClientMessageID string `json:"client_message_id"`
}

// StartConversationRequest opens a conversation with a first message.
type StartConversationRequest struct {
	ParticipantID   string            `json:"participant_id"`
	OrderID         string            `json:"order_id,omitempty"`
	Content         string            `json:"content"`
	Attachments     []chat.Attachment `json:"attachments,omitempty"`
	ClientMessageID string            `json:"client_message_id"`
}

// StartConversationResponse carries the created conversation and its
// confirmed first message.
type StartConversationResponse struct {
	Conversation chat.Conversation `json:"conversation"`
	Message      chat.Message      `json:"message"`
}

// FetchConversations returns the user's conversations with their
// authoritative unread counts.
func (c *Client) FetchConversations(ctx context.Context) ([]chat.Conversation, error) {
	var out []chat.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchHistory returns one page of a conversation's messages. Pages are
// zero-based.
func (c *Client) FetchHistory(ctx context.Context, conversationID string, page, size int) (chat.HistoryPage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))

	var out chat.HistoryPage
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "messages"), query, nil, &out); err != nil {
		return chat.HistoryPage{}, err
	}
	return out, nil
}

// SendMessage posts a message and returns the server-confirmed record.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (chat.Message, error) {
	var out chat.Message
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "messages"), nil, req, &out); err != nil {
		return chat.Message{}, err
	}
	if out.ConversationID == "" {
		out.ConversationID = conversationID
	}
	return out, nil
}

// MarkConversationRead tells the server the user has read a conversation.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "read"), nil, nil, nil)
}

// StartConversation creates a conversation with a first message.
func (c *Client) StartConversation(ctx context.Context, req StartConversationRequest) (StartConversationResponse, error) {
	var out StartConversationResponse
	if err := c.do(ctx, http.MethodPost, "/api/chats", nil, req, &out); err != nil {
		return StartConversationResponse{}, err
	}
	if out.Message.ConversationID == "" {
		out.Message.ConversationID = out.Conversation.ID
	}
	return out, nil
}

func conversationPath(conversationID, suffix string) string {
	return "/api/chats/" + url.PathEscape(conversationID) + "/" + suffix
}

// do performs one request. A non-nil body is sent as JSON; a non-nil out
// receives the decoded 2xx response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return fmt.Errorf("api: failed to create request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("api: credential: %w", err)
		}
		if token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("api: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("api: failed to read response body: %w", err)
	}

	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", response.StatusCode),
		zap.Duration("latency", time.Since(start)))

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		statusErr := &StatusError{}
		// Non-JSON error bodies still produce a StatusError.
		_ = json.Unmarshal(responseBody, statusErr)
		statusErr.StatusCode = response.StatusCode
		statusErr.Method = method
		statusErr.Path = path
		return statusErr
	}

	if out == nil || len(bytes.TrimSpace(responseBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("api: failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
