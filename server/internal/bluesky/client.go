package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"voicefeed/server/internal/backoff"
	"voicefeed/server/internal/model"
	"voicefeed/server/internal/tokenstore"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	// Platform 是 tokenstore 里的平台键。
	Platform = "bluesky"
	// maxLoginAttempts 登录重试的次数上限（仅限 429/5xx）。
	maxLoginAttempts = 5
)

// Client 是会话认证的 REST 客户端。
// 会话模型：bearer + refresh token 对，持久化在 tokenstore；
// 认证过期时恰好做一次透明 refresh-and-retry，再失败按登录失败处理。
type Client struct {
	host       string
	identifier string
	password   string

	httpClient *http.Client
	tokens     *tokenstore.Store
	logger     *logrus.Logger

	// 会话状态（单 goroutine 轮询循环访问，不加锁）
	accessJwt  string
	refreshJwt string
	did        string
	handle     string

	// lastTopURI 是 peek 游标：时间线最顶条目的 uri。
	lastTopURI string
	// watermark 已交付的最大 createdAt（保证 per-source 单调交付）。
	watermark int64

	// sleep 可注入，测试时替换掉真实退避等待。
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient 创建轮询平台客户端。tokens 可为 nil（不持久化会话）。
func NewClient(host, identifier, password string, tokens *tokenstore.Store, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		host:       host,
		identifier: identifier,
		password:   password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// DID 返回登录后的平台身份标识。
func (c *Client) DID() string { return c.did }

// Login 建立会话：优先复用持久化的 token 对（refresh 激活），
// 失败再走 createSession；仅对 429/5xx 指数退避重试。
func (c *Client) Login(ctx context.Context) error {
	if c.tokens != nil {
		if rec, err := c.tokens.Get(ctx, Platform); err == nil && rec.Refresh != "" {
			c.refreshJwt = rec.Refresh
			if err := c.refreshSession(ctx); err == nil {
				c.logger.Infof("[Bluesky] session resumed from stored tokens")
				return nil
			}
			c.logger.Infof("[Bluesky] stored tokens rejected, creating new session")
		}
	}

	policy := backoff.Default()
	for {
		err := c.createSession(ctx)
		if err == nil {
			return nil
		}
		if !retryableLogin(err) || policy.Attempts() >= maxLoginAttempts-1 {
			return err
		}
		delay := policy.Next()
		c.logger.Warnf("[Bluesky] login failed (attempt %d), retrying in %s: %v", policy.Attempts(), delay, err)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Peek 是便宜的"有没有新东西"探测：只拉 1 条，与游标比较。
// 正向信号不推进游标，游标由 Fetch 更新。
func (c *Client) Peek(ctx context.Context) (bool, error) {
	body, err := c.authedGet(ctx, "/xrpc/app.bsky.feed.getTimeline?limit=1")
	if err != nil {
		return false, err
	}

	top := gjson.GetBytes(body, "feed.0.post.uri").String()
	if top == "" {
		return false, nil
	}
	return top != c.lastTopURI, nil
}

// Fetch 全量拉取时间线，过滤回复/转发，返回 createdAt 升序的笔记
// （批内按旧→新交付，保证 per-source 单调）。
func (c *Client) Fetch(ctx context.Context, limit int) ([]*model.Note, error) {
	body, err := c.authedGet(ctx, fmt.Sprintf("/xrpc/app.bsky.feed.getTimeline?limit=%d", limit))
	if err != nil {
		return nil, err
	}

	feed := gjson.GetBytes(body, "feed")
	if top := feed.Get("0.post.uri").String(); top != "" {
		c.lastTopURI = top
	}

	var notes []*model.Note
	feed.ForEach(func(_, item gjson.Result) bool {
		n := noteFromFeedItem(item)
		if n == nil {
			return true
		}
		if n.CreatedAt <= c.watermark {
			return true
		}
		notes = append(notes, n)
		return true
	})

	sort.Slice(notes, func(i, j int) bool { return notes[i].CreatedAt < notes[j].CreatedAt })
	if len(notes) > 0 {
		c.watermark = notes[len(notes)-1].CreatedAt
	}
	return notes, nil
}

// noteFromFeedItem 把时间线条目转成 Note；回复/转发/无正文返回 nil。
func noteFromFeedItem(item gjson.Result) *model.Note {
	// reason 表示转发，reply 表示回复线程；两者都不是顶层原创
	if item.Get("reason").Exists() || item.Get("reply").Exists() {
		return nil
	}
	post := item.Get("post")
	if post.Get("record.reply").Exists() {
		return nil
	}
	text := post.Get("record.text").String()
	if text == "" {
		return nil
	}

	createdAt, err := time.Parse(time.RFC3339, post.Get("record.createdAt").String())
	if err != nil {
		return nil
	}

	uri := post.Get("uri").String()
	if uri == "" {
		return nil
	}

	return &model.Note{
		ID:                model.NoteID(model.SourceBluesky, uri),
		Source:            model.SourceBluesky,
		AuthorID:          post.Get("author.did").String(),
		AuthorHandle:      post.Get("author.handle").String(),
		AuthorDisplayName: post.Get("author.displayName").String(),
		AuthorAvatarURL:   post.Get("author.avatar").String(),
		Content:           text,
		CreatedAt:         createdAt.Unix(),
	}
}

// authedGet 发起 bearer 认证请求；认证过期时恰好透明刷新重试一次。
func (c *Client) authedGet(ctx context.Context, path string) ([]byte, error) {
	body, status, err := c.doGet(ctx, path, c.accessJwt)
	if err != nil {
		return nil, err
	}
	if status == http.StatusOK {
		return body, nil
	}

	if !authExpired(status, body) {
		return nil, fmt.Errorf("timeline fetch: status %d", status)
	}

	if err := c.refreshSession(ctx); err != nil {
		return nil, fmt.Errorf("auth expired and refresh failed: %w", err)
	}
	body, status, err = c.doGet(ctx, path, c.accessJwt)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("timeline fetch after refresh: status %d", status)
	}
	return body, nil
}

func (c *Client) createSession(ctx context.Context) error {
	payload, _ := json.Marshal(map[string]string{
		"identifier": c.identifier,
		"password":   c.password,
	})
	body, status, err := c.doPost(ctx, "/xrpc/com.atproto.server.createSession", "", payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &apiError{status: status, body: string(body)}
	}
	return c.storeSession(ctx, body)
}

func (c *Client) refreshSession(ctx context.Context) error {
	body, status, err := c.doPost(ctx, "/xrpc/com.atproto.server.refreshSession", c.refreshJwt, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &apiError{status: status, body: string(body)}
	}
	return c.storeSession(ctx, body)
}

func (c *Client) storeSession(ctx context.Context, body []byte) error {
	c.accessJwt = gjson.GetBytes(body, "accessJwt").String()
	c.refreshJwt = gjson.GetBytes(body, "refreshJwt").String()
	c.did = gjson.GetBytes(body, "did").String()
	c.handle = gjson.GetBytes(body, "handle").String()
	if c.accessJwt == "" || c.refreshJwt == "" {
		return fmt.Errorf("session response missing tokens")
	}

	if c.tokens != nil {
		if err := c.tokens.Put(ctx, &tokenstore.Record{
			Platform: Platform,
			Access:   c.accessJwt,
			Refresh:  c.refreshJwt,
		}); err != nil {
			// 持久化失败不影响本次会话
			c.logger.Warnf("[Bluesky] persist tokens: %v", err)
		}
	}
	return nil
}

func (c *Client) doGet(ctx context.Context, path, bearer string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+path, nil)
	if err != nil {
		return nil, 0, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func (c *Client) doPost(ctx context.Context, path, bearer string, payload []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// apiError 携带状态码，登录重试判定用。
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.status, e.body)
}

// retryableLogin 仅对限流与服务端错误重试。
func retryableLogin(err error) bool {
	apiErr, ok := err.(*apiError)
	if !ok {
		return false
	}
	return apiErr.status == http.StatusTooManyRequests || apiErr.status >= 500
}

// authExpired 识别认证过期响应（401，或 400 + ExpiredToken 错误体）。
func authExpired(status int, body []byte) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	return status == http.StatusBadRequest && gjson.GetBytes(body, "error").String() == "ExpiredToken"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
