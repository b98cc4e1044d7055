package auth

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
)

const maxBodyBytes = 1 << 20

// Request is the transport independent view of an incoming auth request.
type Request struct {
	URL     *url.URL
	Method  string
	Headers http.Header
	Cookies map[string]string
	// Body holds form fields, or the string fields of a JSON body.
	Body url.Values
	// Data is the "data" member of a JSON body, used by session updates.
	Data map[string]any

	Action     Action
	ProviderID string
}

// Param returns a body field, falling back to the query string.
func (r *Request) Param(key string) string {
	if v := r.Body.Get(key); v != "" {
		return v
	}
	return r.URL.Query().Get(key)
}

// Response is the outcome of an action. Exactly one of Redirect or Body is
// normally set.
type Response struct {
	Status   int
	Headers  http.Header
	Body     any
	Redirect string
	Cookies  []*http.Cookie
}

func newResponse() *Response {
	return &Response{Status: http.StatusOK, Headers: http.Header{}}
}

// SetCookie queues an outgoing cookie.
func (res *Response) SetCookie(c *http.Cookie) {
	res.Cookies = append(res.Cookies, c)
}

func (res *Response) setCookies(cs []*http.Cookie) {
	res.Cookies = append(res.Cookies, cs...)
}

func (res *Response) redirect(to string) {
	res.Status = http.StatusFound
	res.Redirect = to
}

func (res *Response) json(status int, v any) {
	res.Status = status
	res.Headers.Set("Content-Type", "application/json")
	res.Body = v
}

// htmlPage is a rendered page body.
type htmlPage string

func (res *Response) html(status int, page string) {
	res.Status = status
	res.Headers.Set("Content-Type", "text/html; charset=utf-8")
	res.Body = htmlPage(page)
}

// ReadRequest converts an http.Request. Action and ProviderID are left for
// the router.
func ReadRequest(r *http.Request) (*Request, error) {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	req := &Request{
		URL:     &u,
		Method:  r.Method,
		Headers: r.Header,
		Cookies: map[string]string{},
		Body:    url.Values{},
	}
	for _, c := range r.Cookies() {
		req.Cookies[c.Name] = c.Value
	}
	if r.Method != http.MethodPost || r.Body == nil {
		return req, nil
	}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/json":
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if len(raw) == 0 {
			return req, nil
		}
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("decode json body: %w", err)
		}
		for k, v := range body {
			switch t := v.(type) {
			case string:
				req.Body.Set(k, t)
			case map[string]any:
				if k == "data" {
					req.Data = t
				}
			}
		}
	default:
		r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		req.Body = r.PostForm
	}
	return req, nil
}

// Write serializes res onto w. A request carrying X-Auth-Return-Redirect
// receives redirects as {"url": ...} instead of a 302.
func (res *Response) Write(w http.ResponseWriter, r *http.Request) {
	for k, vs := range res.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	for _, c := range res.Cookies {
		http.SetCookie(w, c)
	}

	if res.Redirect != "" {
		if r != nil && r.Header.Get("X-Auth-Return-Redirect") != "" {
			writeJSON(w, http.StatusOK, map[string]string{"url": res.Redirect})
			return
		}
		status := res.Status
		if status < 300 || status > 399 {
			status = http.StatusFound
		}
		w.Header().Set("Location", res.Redirect)
		w.WriteHeader(status)
		return
	}

	switch b := res.Body.(type) {
	case htmlPage:
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		}
		w.WriteHeader(res.Status)
		_, _ = io.WriteString(w, string(b))
	case string:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(res.Status)
		_, _ = io.WriteString(w, b)
	default:
		writeJSON(w, res.Status, b)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
