package main

import (
	"database/sql"
	"net/http"

	"github.com/go-martini/martini"
	"github.com/russross/meddler"
	. "github.com/sgalti/sga/types"
	log "github.com/sirupsen/logrus"
)

// CourseContext is the per-request view of who is acting in which course.
// AssignmentID is zero on routes without an :assignment_id.
type CourseContext struct {
	Course       *Course
	User         *User
	Role         Role
	AssignmentID int64
}

func isCourseAdministrator(tx *sql.Tx, userID, courseID int64) (bool, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(1) FROM course_administrators WHERE user_id = ? AND course_id = ?`, userID, courseID).Scan(&n)
	return n > 0, err
}

func loadGrader(tx *sql.Tx, userID, courseID int64) (*Grader, error) {
	grader := new(Grader)
	if err := meddler.QueryRow(tx, grader, `SELECT * FROM graders WHERE user_id = ? AND course_id = ?`, userID, courseID); err != nil {
		return nil, err
	}
	return grader, nil
}

// loadStudent returns the student row in any status.
func loadStudent(tx *sql.Tx, userID, courseID int64) (*Student, error) {
	student := new(Student)
	if err := meddler.QueryRow(tx, student, `SELECT * FROM students WHERE user_id = ? AND course_id = ?`, userID, courseID); err != nil {
		return nil, err
	}
	return student, nil
}

// resolveRole derives a user's role in a course from the membership tables.
// Precedence is admin, then grader, then active student.
func resolveRole(tx *sql.Tx, userID, courseID int64) (Role, error) {
	admin, err := isCourseAdministrator(tx, userID, courseID)
	if err != nil {
		return RoleNone, err
	}
	if admin {
		return RoleAdmin, nil
	}

	if _, err := loadGrader(tx, userID, courseID); err == nil {
		return RoleGrader, nil
	} else if err != sql.ErrNoRows {
		return RoleNone, err
	}

	student, err := loadStudent(tx, userID, courseID)
	if err == sql.ErrNoRows {
		return RoleNone, nil
	} else if err != nil {
		return RoleNone, err
	}
	if student.Active() {
		return RoleStudent, nil
	}
	return RoleNone, nil
}

func roleAllowed(required []Role, role Role) bool {
	for _, elt := range required {
		if elt == role {
			return true
		}
	}
	return false
}

// allowRoles is a martini guard that requires the course role to be one of roles (requires withCourseRole).
func allowRoles(roles ...Role) martini.Handler {
	return func(w http.ResponseWriter, cc *CourseContext) {
		if !roleAllowed(roles, cc.Role) {
			loggedHTTPErrorf(w, http.StatusForbidden, "user %d (%s) with role %s may not access this page", cc.User.ID, cc.User.Username, cc.Role)
			return
		}
	}
}

// withCurrentUser maps the session and its user (requires withTx).
func withCurrentUser(c martini.Context, w http.ResponseWriter, r *http.Request, tx *sql.Tx) {
	session, err := GetSession(r)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusUnauthorized, "authentication failed: try launching the assignment again")
		log.Printf("%v", err)
		return
	}

	// load the user record
	userID := session.UserID
	user := new(User)
	if err := meddler.Load(tx, "users", user, userID); err != nil {
		session.Delete(w)

		if err == sql.ErrNoRows {
			loggedHTTPErrorf(w, http.StatusUnauthorized, "user %d not found", userID)
			return
		}
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}

	c.Map(session)
	c.Map(user)
}

// withCourseRole maps a *CourseContext for the :course_id in the URL,
// taking the role cached in the session at launch time (requires withCurrentUser).
func withCourseRole(c martini.Context, w http.ResponseWriter, tx *sql.Tx, params martini.Params, session *CookieSession, currentUser *User) {
	courseID, err := parseID(w, "course_id", params["course_id"])
	if err != nil {
		return
	}
	course := new(Course)
	if err := meddler.Load(tx, "courses", course, courseID); err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return
	}

	cc := &CourseContext{
		Course: course,
		User:   currentUser,
		Role:   session.CourseRole(courseID),
	}
	if raw, present := params["assignment_id"]; present {
		if cc.AssignmentID, err = parseID(w, "assignment_id", raw); err != nil {
			return
		}
	}
	c.Map(cc)
}
