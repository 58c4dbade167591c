package scim

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

const scimPath = "/scimv2"

// PermanentErrors are status codes that retrying cannot fix: the server
// rejected the payload (400, 422) or the resource is gone (404). The
// pusher skips past rows that earned one of these.
var PermanentErrors = []int{400, 422, 404}

// IsPermanentError reports whether the code is in PermanentErrors.
func IsPermanentError(code int) bool {
	for _, c := range PermanentErrors {
		if c == code {
			return true
		}
	}
	return false
}

// IsNetworkError reports whether the code stands for a transport failure
// rather than an HTTP response. Those pause the push cycle.
func IsNetworkError(code int) bool {
	return code < 100
}

// Result is the outcome of one SCIM request. StatusCode is 0 with a
// non-nil Err when the request never produced an HTTP response.
type Result struct {
	StatusCode int
	Body       []byte
	Err        error
}

// BodyMap decodes the response body as a JSON object.
func (r Result) BodyMap() (map[string]interface{}, error) {
	m := map[string]interface{}{}
	if err := json.Unmarshal(r.Body, &m); err != nil {
		return nil, errors.Wrap(err, "cannot decode SCIM response")
	}
	return m, nil
}

// ID extracts the resource id from the response body.
func (r Result) ID() string {
	m, err := r.BodyMap()
	if err != nil {
		return ""
	}
	id, _ := m["id"].(string)
	return id
}

// Client talks to the webserver's SCIM endpoint. The API key goes out as a
// Basic authorization header the way the webserver expects it.
type Client struct {
	Log        logr.Logger
	BaseURL    string
	APIKey     string
	UserAgent  string
	HTTPClient *http.Client
}

func NewClient(log logr.Logger, baseURL, apiKey string) *Client {
	return &Client{
		Log:        log,
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		APIKey:     apiKey,
		UserAgent:  "adsync",
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// SetTarget retargets the client after a configuration reload. The caller
// guarantees no request is in flight.
func (c *Client) SetTarget(baseURL, apiKey string) {
	c.BaseURL = strings.TrimSuffix(baseURL, "/")
	c.APIKey = apiKey
}

func (c *Client) CreateUser(ctx context.Context, body map[string]interface{}, avatar []byte) Result {
	return c.send(ctx, http.MethodPost, scimPath+"/Users", body, avatar)
}

func (c *Client) GetUser(ctx context.Context, qliqID string) Result {
	return c.send(ctx, http.MethodGet, scimPath+"/Users/"+qliqID, nil, nil)
}

func (c *Client) UpdateUser(ctx context.Context, qliqID string, body map[string]interface{}, avatar []byte) Result {
	return c.send(ctx, http.MethodPut, scimPath+"/Users/"+qliqID, body, avatar)
}

func (c *Client) DeleteUser(ctx context.Context, qliqID string) Result {
	return c.send(ctx, http.MethodDelete, scimPath+"/Users/"+qliqID, nil, nil)
}

func (c *Client) CreateGroup(ctx context.Context, body map[string]interface{}) Result {
	return c.send(ctx, http.MethodPost, scimPath+"/Groups", body, nil)
}

func (c *Client) GetGroup(ctx context.Context, qliqID string) Result {
	return c.send(ctx, http.MethodGet, scimPath+"/Groups/"+qliqID, nil, nil)
}

func (c *Client) UpdateGroup(ctx context.Context, qliqID string, body map[string]interface{}) Result {
	return c.send(ctx, http.MethodPut, scimPath+"/Groups/"+qliqID, body, nil)
}

func (c *Client) DeleteGroup(ctx context.Context, qliqID string) Result {
	return c.send(ctx, http.MethodDelete, scimPath+"/Groups/"+qliqID, nil, nil)
}

func (c *Client) send(ctx context.Context, method, path string, body map[string]interface{}, avatar []byte) Result {
	var payload io.Reader
	contentType := "application/json"

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return Result{Err: errors.Wrap(err, "cannot encode SCIM payload")}
		}
		if len(avatar) > 0 {
			buf := &bytes.Buffer{}
			mw := multipart.NewWriter(buf)
			part, err := mw.CreateFormField("data")
			if err == nil {
				_, err = part.Write(encoded)
			}
			if err == nil {
				var file io.Writer
				file, err = mw.CreateFormFile("avatar", "avatar.jpg")
				if err == nil {
					_, err = file.Write(avatar)
				}
			}
			if err == nil {
				err = mw.Close()
			}
			if err != nil {
				return Result{Err: errors.Wrap(err, "cannot encode avatar payload")}
			}
			payload = buf
			contentType = mw.FormDataContentType()
		} else {
			payload = bytes.NewReader(encoded)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, payload)
	if err != nil {
		return Result{Err: err}
	}
	req.Header.Set("Authorization", "Basic "+c.APIKey)
	req.Header.Set("User-Agent", c.UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		// StatusCode 0 marks a transport failure for IsNetworkError.
		return Result{Err: errors.Wrapf(err, "%s %s failed", method, path)}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{StatusCode: resp.StatusCode, Err: errors.Wrap(err, "cannot read SCIM response")}
	}
	return Result{StatusCode: resp.StatusCode, Body: data}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}
