// Package device implements the device executor: XML-over-HTTPS management
// API calls against a network appliance, with session-key caching and
// configuration presence probes used by dependency resolution.
package device

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"opset/runtime"
)

// Device API status codes. The API reports "already present" and "command
// succeeded" variants as distinct codes that both count as satisfied.
const (
	codeNotFound       = "7"
	codeAlreadyPresent = "19"
	codeSucceeded      = "20"
	codeBadKey         = "403"
)

var jobIDPattern = regexp.MustCompile(`jobid (\d+)`)

// Cache stores session keys between calls. The default implementation is
// in-memory with per-entry TTL; tests inject their own.
type Cache interface {
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration)
	Delete(key string)
}

type memoryCache struct {
	c *gocache.Cache
}

func NewCache() Cache {
	return &memoryCache{c: gocache.New(gocache.NoExpiration, 10*time.Minute)}
}

func (m *memoryCache) Get(key string) (string, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (m *memoryCache) Set(key, value string, ttl time.Duration) {
	m.c.Set(key, value, ttl)
}

func (m *memoryCache) Delete(key string) {
	m.c.Delete(key)
}

// Client talks to one device's XML API. Session keys are obtained with a
// keygen call, cached with a TTL, and refreshed once when the device
// rejects a stale key. Concurrent logins for the same device collapse into
// a single keygen call.
type Client struct {
	l        *slog.Logger
	http     *resty.Client
	base     string
	host     string
	username string
	password string
	cache    Cache
	keyTTL   time.Duration
	sf       singleflight.Group
}

func NewClient(l *slog.Logger, host, username, password string, keyTTL time.Duration, timeout time.Duration, insecureSkipVerify bool) *Client {
	http := resty.New().SetTimeout(timeout)
	if insecureSkipVerify {
		http.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	return NewClientWithTransport(l, http, "https://"+host+"/api/", host, username, password, keyTTL, NewCache())
}

// NewClientWithTransport wires explicit transport, endpoint and cache.
func NewClientWithTransport(l *slog.Logger, http *resty.Client, base, host, username, password string, keyTTL time.Duration, cache Cache) *Client {
	return &Client{
		l:        l,
		http:     http,
		base:     base,
		host:     host,
		username: username,
		password: password,
		cache:    cache,
		keyTTL:   keyTTL,
	}
}

type apiResponse struct {
	raw    string
	status string
	code   string
	doc    *etree.Document
}

func (c *Client) keyCacheKey() string {
	return "apikey:" + c.host
}

// apiKey returns the cached session key, logging in when no valid key is
// cached. Concurrent callers share one login flight.
func (c *Client) apiKey(ctx context.Context) (string, error) {
	if key, ok := c.cache.Get(c.keyCacheKey()); ok {
		return key, nil
	}

	v, err, _ := c.sf.Do(c.keyCacheKey(), func() (any, error) {
		if key, ok := c.cache.Get(c.keyCacheKey()); ok {
			return key, nil
		}
		key, err := c.login(ctx)
		if err != nil {
			return "", err
		}
		c.cache.Set(c.keyCacheKey(), key, c.keyTTL)
		return key, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) login(ctx context.Context) (string, error) {
	c.l.InfoContext(ctx, fmt.Sprintf("Generating session key for %s", c.host))

	resp, err := c.post(ctx, map[string]string{
		"type":     "keygen",
		"user":     c.username,
		"password": c.password,
	})
	if err != nil {
		return "", err
	}
	if resp.status != "success" {
		return "", &runtime.ProtocolError{Target: c.host, Status: resp.code, Detail: "authentication failed"}
	}

	key := resp.doc.FindElement("//key")
	if key == nil || key.Text() == "" {
		return "", &runtime.MalformedResultError{Operation: "keygen", Err: fmt.Errorf("response carries no key")}
	}
	return key.Text(), nil
}

// call issues an authenticated API request. A stale-key rejection
// invalidates the cache and retries once with a fresh key.
func (c *Client) call(ctx context.Context, params map[string]string) (*apiResponse, error) {
	key, err := c.apiKey(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.authed(ctx, params, key)
	if err != nil {
		return nil, err
	}
	if resp.code == codeBadKey {
		c.l.InfoContext(ctx, fmt.Sprintf("Session key for %s rejected, logging in again", c.host))
		c.cache.Delete(c.keyCacheKey())
		key, err = c.apiKey(ctx)
		if err != nil {
			return nil, err
		}
		return c.authed(ctx, params, key)
	}
	return resp, nil
}

func (c *Client) authed(ctx context.Context, params map[string]string, key string) (*apiResponse, error) {
	merged := make(map[string]string, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	merged["key"] = key
	return c.post(ctx, merged)
}

func (c *Client) post(ctx context.Context, params map[string]string) (*apiResponse, error) {
	resp, err := c.http.R().SetContext(ctx).SetFormData(params).Post(c.base)
	if err != nil {
		return nil, &runtime.ConnectionError{Target: c.host, Kind: runtime.ConnUnreachable, Err: err}
	}
	return parseResponse(resp.String())
}

func parseResponse(raw string) (*apiResponse, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(raw); err != nil {
		return nil, &runtime.MalformedResultError{Operation: "device api", Err: err}
	}
	root := doc.Root()
	if root == nil || root.Tag != "response" {
		return nil, &runtime.MalformedResultError{Operation: "device api", Err: fmt.Errorf("no response element")}
	}
	return &apiResponse{
		raw:    raw,
		status: root.SelectAttrValue("status", ""),
		code:   root.SelectAttrValue("code", ""),
		doc:    doc,
	}, nil
}

func satisfied(resp *apiResponse) bool {
	if resp.status == "success" {
		return true
	}
	return resp.code == codeAlreadyPresent || resp.code == codeSucceeded
}

// Get reads configuration at an xpath. A not-found code or an empty result
// node reports absent rather than an error.
func (c *Client) Get(ctx context.Context, xpath string) (raw string, found bool, err error) {
	resp, err := c.call(ctx, map[string]string{
		"type":   "config",
		"action": "get",
		"xpath":  xpath,
	})
	if err != nil {
		return "", false, err
	}
	if resp.code == codeNotFound {
		return resp.raw, false, nil
	}
	if !satisfied(resp) {
		return resp.raw, false, &runtime.ProtocolError{Target: c.host, Status: resp.code, Detail: resp.raw}
	}

	result := resp.doc.FindElement("//result")
	if result == nil || len(result.ChildElements()) == 0 {
		return resp.raw, false, nil
	}
	return resp.raw, true, nil
}

// Set pushes a configuration element at an xpath. The device answering
// "already present" counts as satisfied.
func (c *Client) Set(ctx context.Context, xpath, element string) (string, error) {
	resp, err := c.call(ctx, map[string]string{
		"type":    "config",
		"action":  "set",
		"xpath":   xpath,
		"element": element,
	})
	if err != nil {
		return "", err
	}
	if !satisfied(resp) {
		return resp.raw, &runtime.ProtocolError{Target: c.host, Status: resp.code, Detail: resp.raw}
	}
	return resp.raw, nil
}

// Op runs an operational command given as an XML cmd document.
func (c *Client) Op(ctx context.Context, cmd string) (string, error) {
	resp, err := c.call(ctx, map[string]string{
		"type": "op",
		"cmd":  cmd,
	})
	if err != nil {
		return "", err
	}
	if !satisfied(resp) {
		return resp.raw, &runtime.ProtocolError{Target: c.host, Status: resp.code, Detail: resp.raw}
	}
	return resp.raw, nil
}

// Commit enqueues a commit and returns the job id the device assigned.
// An empty job id means the device had nothing to commit.
func (c *Client) Commit(ctx context.Context, cmd string) (jobID, raw string, err error) {
	if cmd == "" {
		cmd = "<commit></commit>"
	}
	resp, err := c.call(ctx, map[string]string{
		"type": "commit",
		"cmd":  cmd,
	})
	if err != nil {
		return "", "", err
	}
	if !satisfied(resp) {
		return "", resp.raw, &runtime.ProtocolError{Target: c.host, Status: resp.code, Detail: resp.raw}
	}

	if m := jobIDPattern.FindStringSubmatch(resp.raw); m != nil {
		jobID = m[1]
	}
	return jobID, resp.raw, nil
}

// Params are the rendered parameters of a device operation. Action defaults
// to set when an xpath is given and op when only a cmd is given.
type Params struct {
	Action  string `mapstructure:"action"`
	Xpath   string `mapstructure:"xpath"`
	Element string `mapstructure:"element"`
	Cmd     string `mapstructure:"cmd"`
}

func (p Params) action() string {
	if p.Action != "" {
		return strings.ToLower(p.Action)
	}
	if p.Xpath != "" {
		return "set"
	}
	if p.Cmd != "" {
		return "op"
	}
	return ""
}

// Executor dispatches device operations and doubles as the presence checker
// for dependency resolution.
type Executor struct {
	l      *slog.Logger
	client *Client
}

func NewExecutor(l *slog.Logger, client *Client) *Executor {
	return &Executor{l: l, client: client}
}

func (e *Executor) Execute(ctx context.Context, op runtime.Operation, params map[string]any, run runtime.Context) (string, error) {
	var p Params
	if err := runtime.DecodeParams(params, &p); err != nil {
		return "", err
	}

	e.l.InfoContext(ctx, fmt.Sprintf("Executing device operation %s", op.Name), "action", p.action())

	switch p.action() {
	case "get":
		raw, _, err := e.client.Get(ctx, p.Xpath)
		return raw, err
	case "set":
		return e.client.Set(ctx, p.Xpath, p.Element)
	case "op":
		return e.client.Op(ctx, p.Cmd)
	case "commit":
		_, raw, err := e.client.Commit(ctx, p.Cmd)
		return raw, err
	default:
		return "", fmt.Errorf("operation %s has neither xpath nor cmd", op.Name)
	}
}

// CheckPresent probes every device operation of the set: each configured
// xpath must already exist on the target. Any missing path reports absent;
// a set with nothing to probe also reports absent so it gets executed.
func (e *Executor) CheckPresent(ctx context.Context, set *runtime.OperationSet, run runtime.Context) (bool, error) {
	probed := false
	for _, op := range set.Operations {
		if op.Backend != runtime.BackendDevice {
			continue
		}

		params, err := runtime.RenderParams(op.Params, run)
		if err != nil {
			return false, err
		}
		var p Params
		if err := runtime.DecodeParams(params, &p); err != nil {
			return false, err
		}
		if p.Xpath == "" {
			continue
		}

		probed = true
		_, found, err := e.client.Get(ctx, p.Xpath)
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}
	}
	return probed, nil
}
