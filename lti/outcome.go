package lti

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	OutcomesNamespace = "http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0"
	POXVersion        = "V1.0"

	DefaultSendTimeout = 10 * time.Second
)

// ErrSendFailed is matched by every error returned from SendGrade.
var ErrSendFailed = errors.New("grade send failed")

// SendError describes a failed grade return.
type SendError struct {
	Status    int
	CodeMajor string
	Body      string
	Err       error
}

func (e *SendError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("grade send failed: %v", e.Err)
	case e.Status != 0 && (e.Status < 200 || e.Status > 299):
		return fmt.Sprintf("grade send failed: host returned status %d", e.Status)
	default:
		return fmt.Sprintf("grade send failed: host returned code %q", e.CodeMajor)
	}
}

func (e *SendError) Unwrap() error { return e.Err }

func (e *SendError) Is(target error) bool { return target == ErrSendFailed }

type replaceResultEnvelope struct {
	XMLName xml.Name `xml:"imsx_POXEnvelopeRequest"`
	XMLNS   string   `xml:"xmlns,attr"`
	Header  struct {
		Info struct {
			Version           string `xml:"imsx_version"`
			MessageIdentifier string `xml:"imsx_messageIdentifier"`
		} `xml:"imsx_POXRequestHeaderInfo"`
	} `xml:"imsx_POXHeader"`
	Body struct {
		Request struct {
			Record struct {
				SourcedID string       `xml:"sourcedGUID>sourcedId"`
				Result    *resultScore `xml:"result,omitempty"`
			} `xml:"resultRecord"`
		} `xml:"replaceResultRequest"`
	} `xml:"imsx_POXBody"`
}

type resultScore struct {
	Language   string `xml:"resultScore>language"`
	TextString string `xml:"resultScore>textString"`
}

type responseEnvelope struct {
	XMLName     xml.Name `xml:"imsx_POXEnvelopeResponse"`
	CodeMajor   string   `xml:"imsx_POXHeader>imsx_POXResponseHeaderInfo>imsx_statusInfo>imsx_codeMajor"`
	Description string   `xml:"imsx_POXHeader>imsx_POXResponseHeaderInfo>imsx_statusInfo>imsx_description"`
}

// BuildReplaceResult renders a replaceResultRequest envelope.
// A nil score omits the result element, which asks the host to clear the grade.
func BuildReplaceResult(messageID, resultID string, score *float64) ([]byte, error) {
	if score != nil && (*score < 0 || *score > 1) {
		return nil, fmt.Errorf("score %v is outside the range 0..1", *score)
	}
	env := new(replaceResultEnvelope)
	env.XMLNS = OutcomesNamespace
	env.Header.Info.Version = POXVersion
	env.Header.Info.MessageIdentifier = messageID
	env.Body.Request.Record.SourcedID = resultID
	if score != nil {
		env.Body.Request.Record.Result = &resultScore{
			Language:   "en",
			TextString: strconv.FormatFloat(*score, 'f', -1, 64),
		}
	}

	raw, err := xml.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(`<?xml version="1.0" encoding="UTF-8"?>`+"\n"), raw...), nil
}

// OutcomeClient returns grades to the host over the LTI 1.1 Basic Outcomes service.
type OutcomeClient struct {
	// Secrets maps consumer keys to shared secrets. Secrets are only used for signing.
	Secrets    map[string]string
	HTTPClient *http.Client
	Timeout    time.Duration
	Now        func() time.Time
}

// NewOutcomeClient builds a client whose transport never negotiates HTTP/2,
// so the Authorization header goes out with exactly that casing.
func NewOutcomeClient(secrets map[string]string, timeout time.Duration) *OutcomeClient {
	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &OutcomeClient{
		Secrets:    secrets,
		HTTPClient: &http.Client{Transport: transport},
		Timeout:    timeout,
		Now:        time.Now,
	}
}

// SendGrade posts a replaceResult request for one result.
// score is in 0..1, or nil to clear the grade.
// Every failure is a *SendError matching ErrSendFailed.
func (c *OutcomeClient) SendGrade(ctx context.Context, consumerKey, outcomeURL, resultID string, score *float64) error {
	secret, ok := c.Secrets[consumerKey]
	if !ok {
		return &SendError{Err: fmt.Errorf("%w: %q", ErrUnknownConsumer, consumerKey)}
	}

	body, err := BuildReplaceResult(uuid.NewString(), resultID, score)
	if err != nil {
		return &SendError{Err: err}
	}

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	auth, err := AuthorizationHeader(http.MethodPost, outcomeURL, consumerKey, secret, body, now())
	if err != nil {
		return &SendError{Err: err}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, outcomeURL, bytes.NewReader(body))
	if err != nil {
		return &SendError{Err: err}
	}
	req.Header["Authorization"] = []string{auth}
	req.Header["Content-Type"] = []string{"application/xml"}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &SendError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &SendError{Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &SendError{Status: resp.StatusCode, Body: string(raw)}
	}

	var env responseEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		return &SendError{Status: resp.StatusCode, Body: string(raw), Err: fmt.Errorf("parsing response envelope: %w", err)}
	}
	if env.CodeMajor != "success" {
		return &SendError{Status: resp.StatusCode, CodeMajor: env.CodeMajor, Body: string(raw)}
	}
	return nil
}
