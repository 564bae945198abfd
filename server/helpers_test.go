package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/russross/meddler"
	"github.com/sgalti/sga/lti"
	. "github.com/sgalti/sga/types"
	"github.com/stretchr/testify/require"
)

const (
	testHost        = "tool.example.com"
	testLaunchURL   = "https://" + testHost + "/v2/lti/launch"
	testCourseLtiID = "course-v1:MITx+1.00x+2025"
	testAsstLtiID   = "block-v1:MITx+1.00x+2025+type@sga+block@essay1"
	testOutcomeURL  = "https://lms.example.com/outcome"
	testPDF         = "%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\ntrailer << /Root 1 0 R >>\n%%EOF\n"
)

func setTestConfig(t *testing.T) {
	t.Helper()
	Config.Hostname = testHost
	Config.LTICredentials = map[string]string{"key": "secret"}
	Config.SessionSecret = "0123456789abcdef0123456789abcdef"
	Config.SessionLifetime = time.Hour
	Config.GradeTimeout = time.Second
	Config.StudioUsername = StudioUsername
	Config.UnknownUserPrefix = "unknown-"
}

// newTestStore opens a private in-memory database with the schema applied.
func newTestStore(t *testing.T) *store {
	t.Helper()
	meddler.Default = meddler.SQLite

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=ON", name))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, migrateDB(db))
	t.Cleanup(func() { db.Close() })
	return &store{db: db}
}

// inTx runs fn in a transaction that must succeed.
func inTx(t *testing.T, st *store, fn func(tx *sql.Tx)) {
	t.Helper()
	require.NoError(t, st.Tx(func(tx *sql.Tx) error {
		fn(tx)
		return nil
	}))
}

type sentGrade struct {
	ConsumerKey string
	OutcomeURL  string
	ResultID    string
	Score       *float64
}

type fakeSender struct {
	sync.Mutex
	sent []sentGrade
	err  error

	// when hold is set, each send reports on calling and waits for hold to close
	calling chan struct{}
	hold    chan struct{}
}

func (f *fakeSender) SendGrade(ctx context.Context, consumerKey, outcomeURL, resultID string, score *float64) error {
	if f.hold != nil {
		f.calling <- struct{}{}
		<-f.hold
	}
	f.Lock()
	defer f.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentGrade{consumerKey, outcomeURL, resultID, score})
	return nil
}

type testServer struct {
	t       *testing.T
	st      *store
	docs    *memStore
	sender  *fakeSender
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	setTestConfig(t)
	ts := &testServer{
		t:      t,
		st:     newTestStore(t),
		docs:   newMemStore(),
		sender: new(fakeSender),
	}
	ts.handler = newServer(ts.st, ts.docs, ts.sender, lti.NewVerifier(Config.LTICredentials))
	return ts
}

func launchParams(username, roles string) url.Values {
	return url.Values{
		lti.ParamMessageType:       {lti.MessageTypeLaunch},
		"lti_version":              {"LTI-1p0"},
		lti.ParamUserID:            {"lti-" + username},
		lti.ParamPersonSourcedID:   {username},
		lti.ParamGivenName:         {"First-" + username},
		lti.ParamFamilyName:        {"Tester"},
		lti.ParamEmail:             {username + "@example.com"},
		lti.ParamRoles:             {roles},
		lti.ParamContextID:         {testCourseLtiID},
		lti.ParamContextTitle:      {"Intro to Everything"},
		lti.ParamResourceLinkID:    {testAsstLtiID},
		lti.ParamDisplayName:       {"Essay 1"},
		lti.ParamDueDate:           {"2030-01-15T23:59:00Z"},
		lti.ParamOutcomeServiceURL: {testOutcomeURL},
		lti.ParamResultSourcedID:   {"result:" + username},
	}
}

// launch signs and posts a launch, returning the response.
func (ts *testServer) launch(params url.Values) *httptest.ResponseRecorder {
	return ts.signedLaunch(params, "secret", "")
}

func (ts *testServer) signedLaunch(params url.Values, secret, cookie string) *httptest.ResponseRecorder {
	ts.t.Helper()
	signed, err := lti.SignForm("POST", testLaunchURL, "key", secret, params, time.Now())
	require.NoError(ts.t, err)
	return ts.postForm("/v2/lti/launch", cookie, signed)
}

// launchAs launches and returns the session cookie, requiring a redirect to a page.
func (ts *testServer) launchAs(username, roles string) string {
	ts.t.Helper()
	rec := ts.launch(launchParams(username, roles))
	require.Equal(ts.t, http.StatusSeeOther, rec.Code, rec.Body.String())
	cookie := sessionCookie(rec)
	require.NotEmpty(ts.t, cookie)
	return cookie
}

func sessionCookie(rec *httptest.ResponseRecorder) string {
	for _, c := range rec.Result().Cookies() {
		if c.Name == CookieName {
			return c.Name + "=" + c.Value
		}
	}
	return ""
}

func (ts *testServer) do(method, path, cookie, contentType string, body io.Reader) *httptest.ResponseRecorder {
	ts.t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) get(path, cookie string) *httptest.ResponseRecorder {
	return ts.do("GET", path, cookie, "", nil)
}

func (ts *testServer) postForm(path, cookie string, form url.Values) *httptest.ResponseRecorder {
	return ts.do("POST", path, cookie, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
}

// postMultipart posts fields plus an optional file under fileField.
func (ts *testServer) postMultipart(path, cookie string, fields map[string]string, fileField, fileName, contents string) *httptest.ResponseRecorder {
	ts.t.Helper()
	body, contentType := multipartBody(ts.t, fields, fileField, fileName, contents)
	return ts.do("POST", path, cookie, contentType, body)
}

func multipartBody(t *testing.T, fields map[string]string, fileField, fileName, contents string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileField != "" {
		fw, err := mw.CreateFormFile(fileField, fileName)
		require.NoError(t, err)
		_, err = io.WriteString(fw, contents)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

// fileHeader builds a *multipart.FileHeader the way a parsed upload would carry it.
func fileHeader(t *testing.T, fileName, contents string) *multipart.FileHeader {
	t.Helper()
	body, contentType := multipartBody(t, nil, "f", fileName, contents)
	req := httptest.NewRequest("POST", "/", body)
	req.Header.Set("Content-Type", contentType)
	require.NoError(t, req.ParseMultipartForm(1<<20))
	return req.MultipartForm.File["f"][0]
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (ts *testServer) course() *Course {
	ts.t.Helper()
	course := new(Course)
	inTx(ts.t, ts.st, func(tx *sql.Tx) {
		require.NoError(ts.t, meddler.QueryRow(tx, course, `SELECT * FROM courses WHERE lti_id = ?`, testCourseLtiID))
	})
	return course
}

func (ts *testServer) assignment() *Assignment {
	ts.t.Helper()
	asst := new(Assignment)
	inTx(ts.t, ts.st, func(tx *sql.Tx) {
		require.NoError(ts.t, meddler.QueryRow(tx, asst, `SELECT * FROM assignments WHERE lti_id = ?`, testAsstLtiID))
	})
	return asst
}

func (ts *testServer) user(username string) *User {
	ts.t.Helper()
	user := new(User)
	inTx(ts.t, ts.st, func(tx *sql.Tx) {
		require.NoError(ts.t, meddler.QueryRow(tx, user, `SELECT * FROM users WHERE username = ?`, username))
	})
	return user
}

func (ts *testServer) submission(username string) *Submission {
	ts.t.Helper()
	sub := new(Submission)
	user := ts.user(username)
	asst := ts.assignment()
	inTx(ts.t, ts.st, func(tx *sql.Tx) {
		require.NoError(ts.t, meddler.QueryRow(tx, sub, `SELECT * FROM submissions WHERE assignment_id = ? AND student_id = ?`, asst.ID, user.ID))
	})
	return sub
}

func (ts *testServer) assignmentPath() string {
	return fmt.Sprintf("/v2/courses/%d/assignments/%d", ts.course().ID, ts.assignment().ID)
}

func (ts *testServer) studentPath(username string) string {
	return fmt.Sprintf("%s/students/%d", ts.assignmentPath(), ts.user(username).ID)
}
