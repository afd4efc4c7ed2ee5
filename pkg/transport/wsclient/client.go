// Package wsclient talks to the chat service over its HTTP JSON API and reads
// server events from a websocket.
package wsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/transport"
	"github.com/go-go-golems/chatsync/pkg/wire"
)

// HeaderRequestID carries a client generated id for correlating logs.
const HeaderRequestID = "X-Request-ID"

// StatusError is a non-2xx response. It wraps the transport error that
// matches its status, when there is one.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
	err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return e.err }

type Options struct {
	// BaseURL is the API root, for example https://host/services/chat/v1/instance.
	BaseURL string
	HTTP    *http.Client
	Logger  *zerolog.Logger
}

// Client implements transport.Client and parts.Resolver over HTTP.
type Client struct {
	base *url.URL
	http *http.Client
	log  zerolog.Logger
}

var _ transport.Client = (*Client)(nil)

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("wsclient: base url is required")
	}
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "wsclient: parse base url")
	}
	hc := opts.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		base: u,
		http: hc,
		log:  logger.With().Str("component", "wsclient").Logger(),
	}, nil
}

func (c *Client) FetchInitialState(ctx context.Context, userID string) (wire.InitialState, error) {
	var out wire.InitialState
	err := c.doJSON(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/initial_state", nil, nil, &out)
	return out, err
}

func (c *Client) FetchUsers(ctx context.Context, ids []string) ([]wire.User, error) {
	var out []wire.User
	err := c.doJSON(ctx, http.MethodGet, "/users", url.Values{"id": ids}, nil, &out)
	return out, err
}

func (c *Client) FetchPresence(ctx context.Context, ids []string) ([]wire.PresenceState, error) {
	var out []wire.PresenceState
	err := c.doJSON(ctx, http.MethodGet, "/presence", url.Values{"user_id": ids}, nil, &out)
	return out, err
}

func (c *Client) FetchRoom(ctx context.Context, roomID string) (wire.RoomState, error) {
	var out wire.RoomState
	err := c.doJSON(ctx, http.MethodGet, roomPath(roomID, ""), nil, nil, &out)
	return out, err
}

func (c *Client) FetchMessages(ctx context.Context, req wire.FetchMessagesRequest) ([]wire.Message, error) {
	q := url.Values{}
	if req.InitialID > 0 {
		q.Set("initial_id", strconv.FormatInt(req.InitialID, 10))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Direction != "" {
		q.Set("direction", string(req.Direction))
	}
	var out []wire.Message
	err := c.doJSON(ctx, http.MethodGet, roomPath(req.RoomID, "/messages"), q, nil, &out)
	return out, err
}

type sendMessageRequest struct {
	Parts []wire.OutgoingPart `json:"parts"`
}

type sendMessageResponse struct {
	MessageID int64 `json:"message_id"`
}

func (c *Client) SendMessage(ctx context.Context, roomID string, parts []wire.OutgoingPart) (int64, error) {
	var out sendMessageResponse
	if err := c.doJSON(ctx, http.MethodPost, roomPath(roomID, "/messages"), nil, sendMessageRequest{Parts: parts}, &out); err != nil {
		return 0, err
	}
	return out.MessageID, nil
}

type uploadResponse struct {
	AttachmentID string `json:"attachment_id"`
}

// UploadAttachment streams the body as a multipart form so that large files
// are not buffered.
func (c *Client) UploadAttachment(ctx context.Context, roomID string, up wire.Upload) (string, error) {
	if up.Body == nil {
		return "", errors.New("wsclient: upload has no body")
	}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeUpload(mw, up)
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, roomPath(roomID, "/attachments"), nil, pr)
	if err != nil {
		_ = pr.Close()
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out uploadResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	return out.AttachmentID, nil
}

func writeUpload(mw *multipart.Writer, up wire.Upload) error {
	if len(up.CustomData) > 0 {
		b, err := json.Marshal(up.CustomData)
		if err != nil {
			return errors.Wrap(err, "marshal custom data")
		}
		if err := mw.WriteField("custom_data", string(b)); err != nil {
			return err
		}
	}
	fw, err := mw.CreateFormFile("file", up.Name)
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, up.Body)
	return err
}

func (c *Client) ResolveAttachment(ctx context.Context, attachmentID string) (wire.ResolvedAttachment, error) {
	var out wire.ResolvedAttachment
	err := c.doJSON(ctx, http.MethodGet, "/attachments/"+url.PathEscape(attachmentID), nil, nil, &out)
	return out, err
}

type cursorRequest struct {
	Position int64 `json:"position"`
}

func (c *Client) SetCursor(ctx context.Context, roomID string, position int64) error {
	return c.doJSON(ctx, http.MethodPut, roomPath(roomID, "/cursors/read"), nil, cursorRequest{Position: position}, nil)
}

func (c *Client) SendTyping(ctx context.Context, roomID string) error {
	return c.doJSON(ctx, http.MethodPost, roomPath(roomID, "/typing"), nil, struct{}{}, nil)
}

func roomPath(roomID, suffix string) string {
	return "/rooms/" + url.PathEscape(roomID) + suffix
}

// endpoint joins an escaped path onto the base URL.
func (c *Client) endpoint(path string, q url.Values) string {
	u := joinPath(c.base, path)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func joinPath(base *url.URL, escaped string) url.URL {
	u := *base
	u.RawPath = base.EscapedPath() + escaped
	if p, err := url.PathUnescape(u.RawPath); err == nil {
		u.Path = p
	}
	return u
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), body)
	if err != nil {
		return nil, errors.Wrapf(err, "wsclient: build %s %s", method, path)
	}
	if tok := transport.TokenFromContext(ctx); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, uuid.NewString())
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "wsclient: encode %s %s", method, path)
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	path := strings.TrimPrefix(req.URL.EscapedPath(), c.base.EscapedPath())
	c.log.Trace().Str("method", req.Method).Str("path", path).Str("request_id", req.Header.Get(HeaderRequestID)).Msg("request")
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "wsclient: %s %s", req.Method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		serr := &StatusError{
			Method: req.Method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(b)),
			err:    classify(resp.StatusCode),
		}
		c.log.Debug().Str("method", req.Method).Str("path", path).Int("status", resp.StatusCode).Msg("request failed")
		return serr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "wsclient: decode %s %s", req.Method, path)
	}
	return nil
}

func classify(status int) error {
	switch status {
	case http.StatusUnauthorized:
		return transport.ErrUnauthorized
	case http.StatusNotFound:
		return transport.ErrNotFound
	case http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity:
		return transport.ErrRejected
	default:
		return nil
	}
}
