// Package lti implements the LTI 1.1 pieces used by the grading tool:
// OAuth 1.0 HMAC-SHA1 request signing and verification for launches,
// and the Basic Outcomes replaceResult call used to return grades.
package lti

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	SignatureMethod = "HMAC-SHA1"
	OAuthVersion    = "1.0"

	// DefaultTimestampWindow is how far a launch timestamp may drift from the local clock.
	DefaultTimestampWindow = 5 * time.Minute
)

var (
	ErrUnknownConsumer  = errors.New("unknown oauth consumer key")
	ErrBadSignature     = errors.New("oauth signature mismatch")
	ErrStaleTimestamp   = errors.New("oauth timestamp outside the allowed window")
	ErrNonceReused      = errors.New("oauth nonce has already been used")
	ErrMissingParameter = errors.New("missing oauth parameter")
)

// encode produces the normalized parameter string: keys sorted,
// each key and value percent-encoded per RFC 3986.
func encode(v url.Values) string {
	if v == nil {
		return ""
	}
	var buf bytes.Buffer
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vs := append([]string(nil), v[k]...)
		sort.Strings(vs)
		prefix := escape(k) + "="
		for _, v := range vs {
			if buf.Len() > 0 {
				buf.WriteByte('&')
			}
			buf.WriteString(prefix)
			buf.WriteString(escape(v))
		}
	}
	return buf.String()
}

func escape(s string) string {
	var buf bytes.Buffer
	for _, b := range []byte(s) {
		if b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '-' || b == '.' || b == '_' || b == '~' {
			buf.WriteByte(b)
		} else {
			fmt.Fprintf(&buf, "%%%02X", b)
		}
	}
	return buf.String()
}

// normalizeURL returns the scheme, host, and path of a request URL
// in the form used by the signature base string.
// Query parameters are returned separately so they can be signed.
func normalizeURL(rawURL string) (string, url.Values, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, fmt.Errorf("parsing url %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", nil, fmt.Errorf("url %q must be absolute", rawURL)
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !(scheme == "http" && port == "80") && !(scheme == "https" && port == "443") {
		host += ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path, u.Query(), nil
}

// BaseString builds the OAuth 1.0 signature base string for a request.
// Any oauth_signature entry in params is ignored.
func BaseString(method, rawURL string, params url.Values) (string, error) {
	base, query, err := normalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	all := make(url.Values)
	for k, vs := range query {
		all[k] = append(all[k], vs...)
	}
	for k, vs := range params {
		if k == "oauth_signature" {
			continue
		}
		all[k] = append(all[k], vs...)
	}
	return strings.ToUpper(method) + "&" + escape(base) + "&" + escape(encode(all)), nil
}

// Sign computes the HMAC-SHA1 signature for a request.
// LTI never uses token secrets, so the key is the escaped consumer secret followed by '&'.
func Sign(method, rawURL string, params url.Values, secret string) (string, error) {
	base, err := BaseString(method, rawURL, params)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha1.New, []byte(escape(secret)+"&"))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func newNonce() string {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(raw)
}

// SignForm adds the oauth_* parameters and a signature to a form,
// as a tool consumer does when it launches a tool.
func SignForm(method, rawURL, consumerKey, secret string, form url.Values, now time.Time) (url.Values, error) {
	signed := make(url.Values)
	for k, vs := range form {
		signed[k] = append([]string(nil), vs...)
	}
	signed.Set("oauth_consumer_key", consumerKey)
	signed.Set("oauth_signature_method", SignatureMethod)
	signed.Set("oauth_timestamp", strconv.FormatInt(now.Unix(), 10))
	signed.Set("oauth_nonce", newNonce())
	signed.Set("oauth_version", OAuthVersion)
	signed.Del("oauth_signature")
	sig, err := Sign(method, rawURL, signed, secret)
	if err != nil {
		return nil, err
	}
	signed.Set("oauth_signature", sig)
	return signed, nil
}

// AuthorizationHeader returns the value of an OAuth Authorization header
// for a request with the given body, including oauth_body_hash.
func AuthorizationHeader(method, rawURL, consumerKey, secret string, body []byte, now time.Time) (string, error) {
	sum := sha1.Sum(body)
	params := url.Values{
		"oauth_body_hash":        {base64.StdEncoding.EncodeToString(sum[:])},
		"oauth_consumer_key":     {consumerKey},
		"oauth_nonce":            {newNonce()},
		"oauth_signature_method": {SignatureMethod},
		"oauth_timestamp":        {strconv.FormatInt(now.Unix(), 10)},
		"oauth_version":          {OAuthVersion},
	}
	sig, err := Sign(method, rawURL, params, secret)
	if err != nil {
		return "", err
	}
	params.Set("oauth_signature", sig)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{`realm=""`}
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, escape(k), escape(params.Get(k))))
	}
	return "OAuth " + strings.Join(parts, ","), nil
}

// Verifier checks signed launch requests.
type Verifier struct {
	// Secrets maps consumer keys to shared secrets.
	Secrets map[string]string
	Window  time.Duration
	Nonces  *NonceCache
	Now     func() time.Time
}

func NewVerifier(secrets map[string]string) *Verifier {
	return &Verifier{
		Secrets: secrets,
		Window:  DefaultTimestampWindow,
		Nonces:  NewNonceCache(2 * DefaultTimestampWindow),
		Now:     time.Now,
	}
}

// VerifyForm checks the signature, timestamp, and nonce of a signed form.
// It returns the consumer key on success.
func (v *Verifier) VerifyForm(method, rawURL string, form url.Values) (string, error) {
	for _, name := range []string{"oauth_consumer_key", "oauth_signature", "oauth_timestamp", "oauth_nonce"} {
		if form.Get(name) == "" {
			return "", fmt.Errorf("%w: %s", ErrMissingParameter, name)
		}
	}
	if m := form.Get("oauth_signature_method"); m != "" && m != SignatureMethod {
		return "", fmt.Errorf("unsupported oauth signature method %q", m)
	}

	key := form.Get("oauth_consumer_key")
	secret, ok := v.Secrets[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownConsumer, key)
	}

	expected, err := Sign(method, rawURL, form, secret)
	if err != nil {
		return "", err
	}
	if !hmac.Equal([]byte(expected), []byte(form.Get("oauth_signature"))) {
		return "", ErrBadSignature
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	ts, err := strconv.ParseInt(form.Get("oauth_timestamp"), 10, 64)
	if err != nil {
		return "", fmt.Errorf("parsing oauth_timestamp: %w", err)
	}
	window := v.Window
	if window <= 0 {
		window = DefaultTimestampWindow
	}
	drift := now().Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > window {
		return "", ErrStaleTimestamp
	}

	if v.Nonces != nil && !v.Nonces.Insert(key+":"+form.Get("oauth_nonce")) {
		return "", ErrNonceReused
	}
	return key, nil
}

// NonceCache remembers recently used nonces until they expire.
type NonceCache struct {
	sync.Mutex
	ttl    time.Duration
	nonces map[string]time.Time
}

func NewNonceCache(ttl time.Duration) *NonceCache {
	return &NonceCache{ttl: ttl, nonces: make(map[string]time.Time)}
}

func (n *NonceCache) expire(now time.Time) {
	for key, when := range n.nonces {
		if now.Sub(when) >= n.ttl {
			delete(n.nonces, key)
		}
	}
}

// Insert records a nonce, returning false if it was already present.
func (n *NonceCache) Insert(nonce string) bool {
	n.Lock()
	defer n.Unlock()

	now := time.Now()
	n.expire(now)
	if _, exists := n.nonces[nonce]; exists {
		return false
	}
	n.nonces[nonce] = now
	return true
}
