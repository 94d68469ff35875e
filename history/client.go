// Package history fetches chat backlog from the paginated REST endpoints.
package history

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/edustream/classchat/auth"
	"github.com/edustream/classchat/chat"
	chaterrors "github.com/edustream/classchat/errors"
	"github.com/edustream/classchat/logger"
	"github.com/edustream/classchat/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Operation names used in errors, spans and metrics.
const (
	OpInitial = "initial"
	OpOlder   = "older"
	OpPage    = "page"
)

const (
	pagePath   = "/api/classrooms/{roomID}/messages"
	recentPath = "/api/classrooms/{roomID}/messages/recent"

	tracerName = "github.com/edustream/classchat/history"
)

// Config configures the REST client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	UserAgent  string
}

// Option customizes a Client.
type Option func(*Client)

func WithCache(cache Cache) Option {
	return func(c *Client) {
		if cache != nil {
			c.cache = cache
		}
	}
}

func WithLogger(log logger.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// Client is the history pager.
type Client struct {
	http    *resty.Client
	tokens  auth.TokenProvider
	cache   Cache
	tracer  trace.Tracer
	log     logger.Logger
	metrics *metrics.Metrics
}

// New creates a history client for config.BaseURL.
func New(config Config, tokens auth.TokenProvider, opts ...Option) (*Client, error) {
	if config.BaseURL == "" {
		return nil, chaterrors.ErrInvalidConfig("server.base_url", fmt.Errorf("base url is required"))
	}

	if tokens == nil {
		return nil, fmt.Errorf("history: token provider is required")
	}

	var rc *resty.Client
	if config.HTTPClient != nil {
		rc = resty.NewWithClient(config.HTTPClient)
	} else {
		rc = resty.New()
	}

	rc.SetBaseURL(config.BaseURL).
		SetHeader("Accept", "application/json")

	if config.Timeout > 0 {
		rc.SetTimeout(config.Timeout)
	}

	if config.UserAgent != "" {
		rc.SetHeader("User-Agent", config.UserAgent)
	}

	c := &Client{
		http:   rc,
		tokens: tokens,
		cache:  NoopCache{},
		tracer: otel.GetTracerProvider().Tracer(tracerName),
		log:    logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.log = c.log.Named("history")

	return c, nil
}

// FetchInitial returns the most recent page of roomID, ascending.
func (c *Client) FetchInitial(ctx context.Context, roomID int64, pageSize int) (chat.HistoryPage, error) {
	return c.fetchPage(ctx, OpInitial, roomID, 1, pageSize)
}

// FetchPage returns an arbitrary page of roomID, ascending. Page 1 is the
// most recent.
func (c *Client) FetchPage(ctx context.Context, roomID int64, page, pageSize int) (chat.HistoryPage, error) {
	return c.fetchPage(ctx, OpPage, roomID, page, pageSize)
}

// FetchOlderThan returns up to limit messages with an id below beforeID,
// ascending. An empty result means there is no older history. beforeID <= 0
// returns the most recent messages.
func (c *Client) FetchOlderThan(ctx context.Context, roomID, beforeID int64, limit int) ([]chat.Message, error) {
	ctx, span := c.tracer.Start(ctx, "history."+OpOlder, trace.WithAttributes(
		attribute.Int64("room_id", roomID),
		attribute.Int64("before_id", beforeID),
		attribute.Int("limit", limit),
	))
	defer span.End()

	token, err := c.credential(ctx, span, OpOlder, roomID)
	if err != nil {
		return nil, err
	}

	cacheable := beforeID > 0
	key := olderKey(token, roomID, beforeID, limit)

	if cacheable {
		if msgs, ok := c.cache.Get(ctx, key); ok {
			c.metrics.HistoryCacheHit()
			span.SetAttributes(attribute.Bool("cache_hit", true))

			return msgs, nil
		}
	}

	query := map[string]string{"limit": strconv.Itoa(limit)}
	if beforeID > 0 {
		query["before_id"] = strconv.FormatInt(beforeID, 10)
	}

	var raw []chat.Message
	if err := c.get(ctx, span, token, OpOlder, recentPath, roomID, query, "Failed to load messages", &raw); err != nil {
		return nil, err
	}

	msgs := chat.Merge(nil, raw)
	if beforeID > 0 {
		msgs = olderThan(msgs, beforeID)
	}

	// the server may over-return; keep the ones closest to the cursor
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	if cacheable && len(msgs) > 0 {
		c.cache.Set(ctx, key, msgs)
	}

	span.SetAttributes(attribute.Int("messages", len(msgs)))

	return msgs, nil
}

func (c *Client) fetchPage(ctx context.Context, op string, roomID int64, page, pageSize int) (chat.HistoryPage, error) {
	ctx, span := c.tracer.Start(ctx, "history."+op, trace.WithAttributes(
		attribute.Int64("room_id", roomID),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	))
	defer span.End()

	query := map[string]string{
		"page":      strconv.Itoa(page),
		"page_size": strconv.Itoa(pageSize),
	}

	token, err := c.credential(ctx, span, op, roomID)
	if err != nil {
		return chat.HistoryPage{}, err
	}

	var out chat.HistoryPage
	if err := c.get(ctx, span, token, op, pagePath, roomID, query, "Failed to load chat history", &out); err != nil {
		return chat.HistoryPage{}, err
	}

	out.Messages = chat.Merge(nil, out.Messages)
	span.SetAttributes(attribute.Int("messages", len(out.Messages)))

	return out, nil
}

// credential returns the bearer token, failing before any cache or network
// access when the user is signed out.
func (c *Client) credential(ctx context.Context, span trace.Span, op string, roomID int64) (string, error) {
	token, ok := c.tokens.Token(ctx)
	if !ok {
		return "", c.fail(span, op, roomID, chaterrors.ErrUnauthenticated(op))
	}

	return token, nil
}

func (c *Client) fail(span trace.Span, op string, roomID int64, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.metrics.HistoryRequest(op, "error")
	c.log.Warn("history request failed",
		logger.String("op", op),
		logger.Int64("room_id", roomID),
		logger.Error(err),
	)

	return err
}

func (c *Client) get(
	ctx context.Context,
	span trace.Span,
	token, op, path string,
	roomID int64,
	query map[string]string,
	statusMessage string,
	out any,
) error {
	fail := func(err error) error {
		return c.fail(span, op, roomID, err)
	}

	requestID := uuid.NewString()
	span.SetAttributes(attribute.String("request_id", requestID))

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("X-Request-ID", requestID).
		SetPathParam("roomID", strconv.FormatInt(roomID, 10)).
		SetQueryParams(query).
		Get(path)
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "An error occurred"
		}

		return fail(chaterrors.ErrFetchFailed(op, &chaterrors.FetchError{Op: op, Message: msg, Err: err}))
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))

	if !resp.IsSuccess() {
		return fail(chaterrors.ErrFetchFailed(op, &chaterrors.FetchError{
			Op:      op,
			Status:  resp.StatusCode(),
			Message: fmt.Sprintf("%s: %d", statusMessage, resp.StatusCode()),
		}))
	}

	body := bytes.TrimSpace(resp.Body())
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return fail(chaterrors.ErrFetchFailed(op, &chaterrors.FetchError{
			Op:      op,
			Status:  resp.StatusCode(),
			Message: "Empty response",
		}))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fail(chaterrors.ErrFetchFailed(op, &chaterrors.FetchError{
			Op:      op,
			Status:  resp.StatusCode(),
			Message: "Invalid response: " + err.Error(),
			Err:     err,
		}))
	}

	c.metrics.HistoryRequest(op, "ok")

	return nil
}

// olderKey scopes entries to the credential so a shared cache never serves
// one user's history to another.
func olderKey(token string, roomID, beforeID int64, limit int) string {
	sum := sha256.Sum256([]byte(token))

	return fmt.Sprintf("%s:%d:%d:%d", hex.EncodeToString(sum[:8]), roomID, beforeID, limit)
}

func olderThan(msgs []chat.Message, beforeID int64) []chat.Message {
	for i, m := range msgs {
		if m.ID >= beforeID {
			return msgs[:i]
		}
	}

	return msgs
}
