package lti

import (
	"bufio"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const successResponse = `<?xml version="1.0" encoding="UTF-8"?>
<imsx_POXEnvelopeResponse xmlns="http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0">
  <imsx_POXHeader>
    <imsx_POXResponseHeaderInfo>
      <imsx_version>V1.0</imsx_version>
      <imsx_messageIdentifier>4560</imsx_messageIdentifier>
      <imsx_statusInfo>
        <imsx_codeMajor>%s</imsx_codeMajor>
        <imsx_severity>status</imsx_severity>
        <imsx_description>Score for result is now 0.7</imsx_description>
      </imsx_statusInfo>
    </imsx_POXResponseHeaderInfo>
  </imsx_POXHeader>
  <imsx_POXBody><replaceResultResponse/></imsx_POXBody>
</imsx_POXEnvelopeResponse>`

func respond(codeMajor string) string {
	return strings.Replace(successResponse, "%s", codeMajor, 1)
}

type parsedRequest struct {
	XMLName   xml.Name `xml:"imsx_POXEnvelopeRequest"`
	Version   string   `xml:"imsx_POXHeader>imsx_POXRequestHeaderInfo>imsx_version"`
	MessageID string   `xml:"imsx_POXHeader>imsx_POXRequestHeaderInfo>imsx_messageIdentifier"`
	SourcedID string   `xml:"imsx_POXBody>replaceResultRequest>resultRecord>sourcedGUID>sourcedId"`
	Language  string   `xml:"imsx_POXBody>replaceResultRequest>resultRecord>result>resultScore>language"`
	Score     string   `xml:"imsx_POXBody>replaceResultRequest>resultRecord>result>resultScore>textString"`
}

func TestBuildReplaceResult(t *testing.T) {
	score := 0.7
	raw, err := BuildReplaceResult("msg-1", "result-42", &score)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(raw), `<?xml version="1.0" encoding="UTF-8"?>`))
	require.Contains(t, string(raw), `xmlns="`+OutcomesNamespace+`"`)

	var req parsedRequest
	require.NoError(t, xml.Unmarshal(raw, &req))
	require.Equal(t, "V1.0", req.Version)
	require.Equal(t, "msg-1", req.MessageID)
	require.Equal(t, "result-42", req.SourcedID)
	require.Equal(t, "en", req.Language)
	require.Equal(t, "0.7", req.Score)
}

func TestBuildReplaceResultWithoutScore(t *testing.T) {
	raw, err := BuildReplaceResult("msg-1", "result-42", nil)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "<result>")
	require.NotContains(t, string(raw), "resultScore")
	require.Contains(t, string(raw), "<sourcedId>result-42</sourcedId>")
}

func TestBuildReplaceResultRejectsOutOfRange(t *testing.T) {
	for _, s := range []float64{-0.1, 1.5} {
		score := s
		_, err := BuildReplaceResult("m", "r", &score)
		require.Error(t, err)
	}
	one := 1.0
	raw, err := BuildReplaceResult("m", "r", &one)
	require.NoError(t, err)
	require.Contains(t, string(raw), "<textString>1</textString>")
}

func TestSendGradeSuccess(t *testing.T) {
	var got parsedRequest
	var auth, contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		_ = xml.Unmarshal(raw, &got)
		io.WriteString(w, respond("success"))
	}))
	defer srv.Close()

	client := NewOutcomeClient(map[string]string{"key": "secret"}, time.Second)
	score := 0.85
	err := client.SendGrade(context.Background(), "key", srv.URL+"/outcome", "result-1", &score)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(auth, "OAuth "))
	require.Contains(t, auth, `oauth_body_hash="`)
	require.NotContains(t, auth, "secret")
	require.Equal(t, "application/xml", contentType)
	require.Equal(t, "result-1", got.SourcedID)
	require.Equal(t, "0.85", got.Score)
	require.NotEmpty(t, got.MessageID)
}

// Some hosts match the header name case-sensitively, so check the bytes on the wire.
func TestSendGradeWritesAuthorizationHeader(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	heads := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			heads <- ""
			return
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		var head strings.Builder
		length := 0
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			head.WriteString(line)
			if line == "\r\n" {
				break
			}
			if key, val, ok := strings.Cut(line, ":"); ok && strings.EqualFold(key, "Content-Length") {
				length, _ = strconv.Atoi(strings.TrimSpace(val))
			}
		}
		io.CopyN(io.Discard, reader, int64(length))
		heads <- head.String()

		body := respond("success")
		fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Type: application/xml\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	}()

	client := NewOutcomeClient(map[string]string{"key": "secret"}, 5*time.Second)
	score := 0.7
	err = client.SendGrade(context.Background(), "key", "http://"+ln.Addr().String()+"/outcome", "result-1", &score)
	require.NoError(t, err)

	head := <-heads
	require.True(t, strings.HasPrefix(head, "POST /outcome HTTP/1.1\r\n"), head)
	require.Contains(t, head, "\r\nAuthorization: OAuth ")
	require.Contains(t, head, "\r\nContent-Type: application/xml\r\n")
}

func TestSendGradeFailures(t *testing.T) {
	score := 0.5

	t.Run("unknown key", func(t *testing.T) {
		client := NewOutcomeClient(map[string]string{"key": "secret"}, time.Second)
		err := client.SendGrade(context.Background(), "nope", "http://127.0.0.1:1/", "r", &score)
		require.ErrorIs(t, err, ErrSendFailed)
		require.ErrorIs(t, err, ErrUnknownConsumer)
	})

	t.Run("failure code", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, respond("failure"))
		}))
		defer srv.Close()
		client := NewOutcomeClient(map[string]string{"key": "secret"}, time.Second)
		err := client.SendGrade(context.Background(), "key", srv.URL, "r", &score)
		require.ErrorIs(t, err, ErrSendFailed)
		var sendErr *SendError
		require.True(t, errors.As(err, &sendErr))
		require.Equal(t, "failure", sendErr.CodeMajor)
	})

	t.Run("http status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusUnauthorized)
		}))
		defer srv.Close()
		client := NewOutcomeClient(map[string]string{"key": "secret"}, time.Second)
		err := client.SendGrade(context.Background(), "key", srv.URL, "r", &score)
		require.ErrorIs(t, err, ErrSendFailed)
		var sendErr *SendError
		require.True(t, errors.As(err, &sendErr))
		require.Equal(t, http.StatusUnauthorized, sendErr.Status)
	})

	t.Run("garbage response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "<html>not an envelope</html>")
		}))
		defer srv.Close()
		client := NewOutcomeClient(map[string]string{"key": "secret"}, time.Second)
		err := client.SendGrade(context.Background(), "key", srv.URL, "r", &score)
		require.ErrorIs(t, err, ErrSendFailed)
	})

	t.Run("timeout", func(t *testing.T) {
		done := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-done:
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()
		defer close(done)
		client := NewOutcomeClient(map[string]string{"key": "secret"}, 50*time.Millisecond)
		err := client.SendGrade(context.Background(), "key", srv.URL, "r", &score)
		require.ErrorIs(t, err, ErrSendFailed)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
