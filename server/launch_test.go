package main

import (
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/go-martini/martini"
	"github.com/sgalti/sga/lti"
	. "github.com/sgalti/sga/types"
	"github.com/stretchr/testify/require"
)

func TestValidateLaunch(t *testing.T) {
	full := launchParams("student1", "Learner")
	noContext := launchParams("student1", "Learner")
	noContext.Del(lti.ParamContextID)
	noLink := launchParams("student1", "Learner")
	noLink.Del(lti.ParamResourceLinkID)
	user := &User{ID: 1, Username: "student1"}

	tests := []struct {
		name string
		req  *LTIRequest
		want error
	}{
		{"missing", nil, ErrConfiguration},
		{"not initial", &LTIRequest{Params: url.Values{}}, nil},
		{"unauthenticated", &LTIRequest{Params: full, Initial: true}, ErrAuthentication},
		{"no context", &LTIRequest{Params: noContext, Initial: true, User: user}, ErrMalformedLaunch},
		{"no resource link", &LTIRequest{Params: noLink, Initial: true, User: user}, ErrMalformedLaunch},
		{"ok", &LTIRequest{Params: full, Initial: true, User: user}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateLaunch(tt.req)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLaunchStatus(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, launchStatus(ErrAuthentication))
	require.Equal(t, http.StatusBadRequest, launchStatus(fmt.Errorf("%w: no context_id", ErrMalformedLaunch)))
	require.Equal(t, http.StatusInternalServerError, launchStatus(ErrConfiguration))
	require.Equal(t, http.StatusInternalServerError, launchStatus(ErrUnroutableRole))
}

func TestLaunchRedirect(t *testing.T) {
	dest, err := launchRedirect(3, 7, RoleStudent)
	require.NoError(t, err)
	require.Equal(t, "/v2/courses/3/assignments/7/submission", dest)

	for _, role := range []Role{RoleGrader, RoleAdmin} {
		dest, err := launchRedirect(3, 7, role)
		require.NoError(t, err)
		require.Equal(t, "/v2/courses/3/assignments/7", dest)
	}

	_, err = launchRedirect(3, 7, RoleNone)
	require.ErrorIs(t, err, ErrUnroutableRole)
}

func TestLaunchStudent(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.launch(launchParams("student1", "Learner"))
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	require.Equal(t, ts.assignmentPath()+"/submission", rec.Header().Get("Location"))

	cookie := sessionCookie(rec)
	require.NotEmpty(t, cookie)

	course := ts.course()
	require.Equal(t, "Intro to Everything", course.Name)
	asst := ts.assignment()
	require.Equal(t, "Essay 1", asst.Name)
	require.True(t, asst.HasDueDate())
	require.Equal(t, 2030, asst.DueDate.Year())

	user := ts.user("student1")
	require.Equal(t, "lti-student1", user.LtiID)
	require.Equal(t, "First-student1 Tester", user.Name)

	inTx(t, ts.st, func(tx *sql.Tx) {
		student, err := loadStudent(tx, user.ID, course.ID)
		require.NoError(t, err)
		require.True(t, student.Active())
		role, err := resolveRole(tx, user.ID, course.ID)
		require.NoError(t, err)
		require.Equal(t, RoleStudent, role)
	})

	sub := ts.submission("student1")
	require.Equal(t, testOutcomeURL, sub.OutcomeURL)
	require.Equal(t, "result:student1", sub.ResultID)
	require.Equal(t, "key", sub.ConsumerKey)
	require.False(t, sub.Submitted)

	// the session opens the student page but not the staff page
	rec = ts.get(ts.assignmentPath()+"/submission", cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view submissionView
	decodeJSON(t, rec, &view)
	require.Equal(t, sub.ID, view.Submission.ID)
	require.Equal(t, "(Not Graded)", view.GradeDisplay)

	rec = ts.get(ts.assignmentPath(), cookie)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLaunchInstructor(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.launch(launchParams("prof", "urn:lti:role:ims/lis/Instructor,Learner"))
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	require.Equal(t, ts.assignmentPath(), rec.Header().Get("Location"))

	course := ts.course()
	user := ts.user("prof")
	inTx(t, ts.st, func(tx *sql.Tx) {
		admin, err := isCourseAdministrator(tx, user.ID, course.ID)
		require.NoError(t, err)
		require.True(t, admin)
		_, err = loadStudent(tx, user.ID, course.ID)
		require.Equal(t, sql.ErrNoRows, err)
	})

	rec = ts.get(ts.assignmentPath(), sessionCookie(rec))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var overview assignmentOverview
	decodeJSON(t, rec, &overview)
	require.Equal(t, "Essay 1", overview.Assignment.Name)
	require.Empty(t, overview.Students)
}

func TestLaunchDemotedInstructorBecomesStudent(t *testing.T) {
	ts := newTestServer(t)

	ts.launchAs("ta", "Administrator")
	rec := ts.launch(launchParams("ta", "Learner"))
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	require.Equal(t, ts.assignmentPath()+"/submission", rec.Header().Get("Location"))

	inTx(t, ts.st, func(tx *sql.Tx) {
		admin, err := isCourseAdministrator(tx, ts.user("ta").ID, ts.course().ID)
		require.NoError(t, err)
		require.False(t, admin)
	})
}

func TestLaunchBadSignature(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.signedLaunch(launchParams("student1", "Learner"), "not-the-secret", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, sessionCookie(rec))

	inTx(t, ts.st, func(tx *sql.Tx) {
		var n int
		require.NoError(t, tx.QueryRow(`SELECT COUNT(1) FROM courses`).Scan(&n))
		require.Zero(t, n)
		require.NoError(t, tx.QueryRow(`SELECT COUNT(1) FROM users`).Scan(&n))
		require.Zero(t, n)
	})
}

func TestLaunchMissingContext(t *testing.T) {
	ts := newTestServer(t)

	for _, param := range []string{lti.ParamContextID, lti.ParamResourceLinkID} {
		params := launchParams("student1", "Learner")
		params.Del(param)
		rec := ts.launch(params)
		require.Equal(t, http.StatusBadRequest, rec.Code, param)
		require.Contains(t, rec.Body.String(), param)
	}
}

func TestLaunchUngraded(t *testing.T) {
	ts := newTestServer(t)

	params := launchParams("student1", "Learner")
	params.Del(lti.ParamOutcomeServiceURL)
	rec := ts.launch(params)
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	require.Equal(t, ungradedInfoPath, rec.Header().Get("Location"))

	// course and assignment are recorded, but nobody is enrolled
	course := ts.course()
	ts.assignment()
	inTx(t, ts.st, func(tx *sql.Tx) {
		_, err := loadStudent(tx, ts.user("student1").ID, course.ID)
		require.Equal(t, sql.ErrNoRows, err)
	})

	rec = ts.get(ungradedInfoPath, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "not configured to accept grades")
}

func TestLaunchStudioPreview(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.launch(launchParams(StudioUsername, "Learner"))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, studioInfoPath, rec.Header().Get("Location"))
	require.Empty(t, sessionCookie(rec))

	inTx(t, ts.st, func(tx *sql.Tx) {
		var n int
		require.NoError(t, tx.QueryRow(`SELECT COUNT(1) FROM courses`).Scan(&n))
		require.Zero(t, n)
	})
}

func TestLaunchUnknownUser(t *testing.T) {
	ts := newTestServer(t)

	params := launchParams("student1", "Learner")
	params.Del(lti.ParamPersonSourcedID)
	rec := ts.launch(params)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	inTx(t, ts.st, func(tx *sql.Tx) {
		var n int
		require.NoError(t, tx.QueryRow(`SELECT COUNT(1) FROM users`).Scan(&n))
		require.Zero(t, n)
	})
}

func TestLaunchUnsignedPost(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.postForm("/v2/lti/launch", "", url.Values{"hello": {"world"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLaunchGateWithoutAuth(t *testing.T) {
	setTestConfig(t)
	st := newTestStore(t)

	r := martini.NewRouter()
	m := martini.New()
	m.Map(st)
	m.Action(r.Handle)
	r.Post("/launch", launchGate, notALaunch)

	req := httptest.NewRequest("POST", "/launch", nil)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLaunchKeepsOtherCourseRoles(t *testing.T) {
	ts := newTestServer(t)

	cookie := ts.launchAs("prof", "Instructor")
	first := ts.course()

	other := launchParams("prof", "Learner")
	other.Set(lti.ParamContextID, "course-v1:MITx+2.00x+2025")
	other.Set(lti.ParamResourceLinkID, "block-v1:MITx+2.00x+2025+type@sga+block@essay1")
	rec := ts.signedLaunch(other, "secret", cookie)
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Cookie", sessionCookie(rec))
	session, err := GetSession(req)
	require.NoError(t, err)
	require.Equal(t, ts.user("prof").ID, session.UserID)
	require.Len(t, session.CourseRoles, 2)
	require.Equal(t, RoleAdmin, session.CourseRole(first.ID))
}

func TestLaunchRefreshesAssignment(t *testing.T) {
	ts := newTestServer(t)
	ts.launchAs("student1", "Learner")

	params := launchParams("student1", "Learner")
	params.Set(lti.ParamDisplayName, "Essay One (revised)")
	params.Set(lti.ParamDueDate, "next tuesday")
	rec := ts.launch(params)
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())

	asst := ts.assignment()
	require.Equal(t, "Essay One (revised)", asst.Name)
	require.False(t, asst.HasDueDate())
}
