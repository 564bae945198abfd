package main

import (
	"database/sql"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-martini/martini"
	"github.com/russross/meddler"
	"github.com/sgalti/sga/lti"
	. "github.com/sgalti/sga/types"
	log "github.com/sirupsen/logrus"
)

const (
	ungradedInfoPath = "/v2/info/ungraded"
	studioInfoPath   = "/v2/info/studio"
)

// validateLaunch checks an LTI request without touching the database.
// A nil error for a non-initial request means there is nothing to provision.
func validateLaunch(req *LTIRequest) error {
	if req == nil {
		return ErrConfiguration
	}
	if !req.Initial {
		return nil
	}
	if req.User == nil {
		return ErrAuthentication
	}
	if req.Params.Get(lti.ParamContextID) == "" {
		return fmt.Errorf("%w: no context_id in LTI parameters", ErrMalformedLaunch)
	}
	if req.Params.Get(lti.ParamResourceLinkID) == "" {
		return fmt.Errorf("%w: no resource_link_id in LTI parameters", ErrMalformedLaunch)
	}
	return nil
}

// launchRedirect picks the landing page for a resolved role.
func launchRedirect(courseID, assignmentID int64, role Role) (string, error) {
	switch role {
	case RoleStudent:
		return fmt.Sprintf("/v2/courses/%d/assignments/%d/submission", courseID, assignmentID), nil
	case RoleGrader, RoleAdmin:
		return fmt.Sprintf("/v2/courses/%d/assignments/%d", courseID, assignmentID), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnroutableRole, role)
	}
}

// provisionRole brings the membership tables in line with the roles the host sent.
// Administrators lose any grader or student rows in the course.
// Everyone else is a student unless they already grade the course.
func provisionRole(tx *sql.Tx, req *LTIRequest, course *Course, asst *Assignment, now time.Time) error {
	user := req.User
	roles := lti.ParseRoles(req.Params.Get(lti.ParamRoles))

	if lti.HasAdministrativeRole(roles) {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO course_administrators (course_id, user_id) VALUES (?, ?)`, course.ID, user.ID); err != nil {
			return loggedErrorf("db error adding administrator: %v", err)
		}
		if _, err := tx.Exec(`DELETE FROM graders WHERE user_id = ? AND course_id = ?`, user.ID, course.ID); err != nil {
			return loggedErrorf("db error removing grader: %v", err)
		}
		if _, err := tx.Exec(`DELETE FROM students WHERE user_id = ? AND course_id = ?`, user.ID, course.ID); err != nil {
			return loggedErrorf("db error removing student: %v", err)
		}
		return nil
	}

	if _, err := tx.Exec(`DELETE FROM course_administrators WHERE course_id = ? AND user_id = ?`, course.ID, user.ID); err != nil {
		return loggedErrorf("db error removing administrator: %v", err)
	}

	if _, err := loadGrader(tx, user.ID, course.ID); err == nil {
		return nil
	} else if err != sql.ErrNoRows {
		return loggedErrorf("db error loading grader: %v", err)
	}

	if _, err := activateStudent(tx, user.ID, course.ID, now); err != nil {
		return err
	}

	sub, err := getOrCreateSubmission(tx, asst.ID, user.ID, now)
	if err != nil {
		return err
	}
	sub.OutcomeURL = req.Params.Get(lti.ParamOutcomeServiceURL)
	sub.ResultID = req.Params.Get(lti.ParamResultSourcedID)
	sub.ConsumerKey = req.ConsumerKey
	sub.UpdatedAt = now
	if err := meddler.Update(tx, "submissions", sub); err != nil {
		return loggedErrorf("db error stamping submission outcome fields: %v", err)
	}
	return nil
}

// activateStudent gets or creates the student row, reactivating a retired one.
func activateStudent(tx *sql.Tx, userID, courseID int64, now time.Time) (*Student, error) {
	student, err := loadStudent(tx, userID, courseID)
	switch {
	case err == sql.ErrNoRows:
		student = &Student{
			UserID:    userID,
			CourseID:  courseID,
			Status:    StudentActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := meddler.Insert(tx, "students", student); err != nil {
			return nil, loggedErrorf("db error creating student: %v", err)
		}
	case err != nil:
		return nil, loggedErrorf("db error loading student: %v", err)
	case !student.Active():
		student.Status = StudentActive
		student.UpdatedAt = now
		if err := meddler.Update(tx, "students", student); err != nil {
			return nil, loggedErrorf("db error reactivating student: %v", err)
		}
	}
	return student, nil
}

func getOrCreateSubmission(tx *sql.Tx, assignmentID, studentUserID int64, now time.Time) (*Submission, error) {
	sub := new(Submission)
	err := meddler.QueryRow(tx, sub, `SELECT * FROM submissions WHERE assignment_id = ? AND student_id = ?`, assignmentID, studentUserID)
	if err == sql.ErrNoRows {
		sub = &Submission{
			AssignmentID: assignmentID,
			StudentID:    studentUserID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := meddler.Insert(tx, "submissions", sub); err != nil {
			return nil, loggedErrorf("db error creating submission: %v", err)
		}
		return sub, nil
	}
	if err != nil {
		return nil, loggedErrorf("db error loading submission: %v", err)
	}
	return sub, nil
}

func lookupLTIRequest(c martini.Context) *LTIRequest {
	v := c.Get(reflect.TypeOf((*LTIRequest)(nil)))
	if !v.IsValid() {
		return nil
	}
	req, _ := v.Interface().(*LTIRequest)
	return req
}

// launchGate is martini middleware that turns an initial launch into
// provisioned course state, a session, and a redirect to the right page.
// Other requests pass through untouched.
func launchGate(c martini.Context, w http.ResponseWriter, r *http.Request, st *store) {
	req := lookupLTIRequest(c)
	if err := validateLaunch(req); err != nil {
		loggedHTTPErrorf(w, launchStatus(err), "%v", err)
		return
	}
	if !req.Initial {
		return
	}
	user := req.User

	if user.Username == Config.StudioUsername {
		http.Redirect(w, r, studioInfoPath, http.StatusSeeOther)
		return
	}
	if Config.UnknownUserPrefix != "" && strings.HasPrefix(user.Username, Config.UnknownUserPrefix) {
		if err := st.Tx(func(tx *sql.Tx) error {
			_, err := tx.Exec(`DELETE FROM users WHERE id = ?`, user.ID)
			return err
		}); err != nil {
			loggedHTTPErrorf(w, http.StatusInternalServerError, "db error deleting unknown user: %v", err)
			return
		}
		loggedHTTPErrorf(w, http.StatusBadRequest, "unable to identify user %s: launch did not include lis_person_sourcedid", user.Username)
		return
	}

	var course *Course
	var asst *Assignment
	role := RoleNone
	ungraded := false
	err := st.Tx(func(tx *sql.Tx) error {
		now := time.Now()
		var err error
		if course, err = getOrCreateCourse(tx, req.Params, now); err != nil {
			return err
		}
		if asst, err = upsertAssignment(tx, course, req.Params, now); err != nil {
			return err
		}
		if req.Params.Get(lti.ParamOutcomeServiceURL) == "" {
			ungraded = true
			return nil
		}
		if err = provisionRole(tx, req, course, asst, now); err != nil {
			return err
		}
		role, err = resolveRole(tx, user.ID, course.ID)
		return err
	})
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "provisioning launch: %v", err)
		return
	}
	if ungraded {
		log.Printf("launch of %s by %s has no outcome service", asst.LtiID, user.Username)
		http.Redirect(w, r, ungradedInfoPath, http.StatusSeeOther)
		return
	}

	launchesCounter.WithLabelValues(string(role)).Inc()

	// reuse the existing session so roles for other courses survive
	session, err := GetSession(r)
	if err != nil || session.UserID != user.ID {
		session = NewSession(user.ID)
	}
	session.SetCourseRole(course.ID, role)
	if session.Save(w) == "" {
		return
	}

	dest, err := launchRedirect(course.ID, asst.ID, role)
	if err != nil {
		loggedHTTPErrorf(w, launchStatus(err), "%v", err)
		return
	}
	log.Printf("launch: user %s (%d) as %s in course %d assignment %d", user.Username, user.ID, role, course.ID, asst.ID)
	http.Redirect(w, r, dest, http.StatusSeeOther)
}

// notALaunch ends the launch route for POSTs that launchGate let through.
func notALaunch(w http.ResponseWriter) {
	loggedHTTPErrorf(w, http.StatusBadRequest, "expected a %s message", lti.MessageTypeLaunch)
}
