package main

import (
	"database/sql"
	"net/http"
	"net/url"
	"time"

	"github.com/martini-contrib/render"
	"github.com/russross/meddler"
	"github.com/sgalti/sga/lti"
	. "github.com/sgalti/sga/types"
	log "github.com/sirupsen/logrus"
)

var dueDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02 15:04:05Z07",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05Z07",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseDueDate accepts the due date formats hosts send.
// Times without a zone are taken as UTC.
func parseDueDate(s string) (time.Time, bool) {
	for _, layout := range dueDateLayouts {
		if when, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return when.UTC(), true
		}
	}
	return time.Time{}, false
}

func getOrCreateCourse(tx *sql.Tx, params url.Values, now time.Time) (*Course, error) {
	ltiID := params.Get(lti.ParamContextID)
	course := new(Course)
	err := meddler.QueryRow(tx, course, `SELECT * FROM courses WHERE lti_id = ?`, ltiID)
	switch {
	case err == sql.ErrNoRows:
		course = &Course{
			LtiID:     ltiID,
			Name:      params.Get(lti.ParamContextTitle),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if course.Name == "" {
			course.Name = ltiID
		}
		log.Printf("creating course %s (%s)", course.Name, ltiID)
		if err := meddler.Insert(tx, "courses", course); err != nil {
			return nil, loggedErrorf("db error creating course %s: %v", ltiID, err)
		}
	case err != nil:
		return nil, loggedErrorf("db error loading course %s: %v", ltiID, err)
	default:
		if title := params.Get(lti.ParamContextTitle); title != "" && title != course.Name {
			course.Name = title
			course.UpdatedAt = now
			if err := meddler.Update(tx, "courses", course); err != nil {
				return nil, loggedErrorf("db error updating course %s: %v", ltiID, err)
			}
		}
	}
	return course, nil
}

// upsertAssignment records the resource link for this launch.
// Name, due date, and course are refreshed on every launch.
func upsertAssignment(tx *sql.Tx, course *Course, params url.Values, now time.Time) (*Assignment, error) {
	ltiID := params.Get(lti.ParamResourceLinkID)
	asst := new(Assignment)
	err := meddler.QueryRow(tx, asst, `SELECT * FROM assignments WHERE lti_id = ?`, ltiID)
	if err == sql.ErrNoRows {
		asst = &Assignment{LtiID: ltiID, CreatedAt: now}
	} else if err != nil {
		return nil, loggedErrorf("db error loading assignment %s: %v", ltiID, err)
	}

	name := params.Get(lti.ParamDisplayName)
	if name == "" {
		name = params.Get(lti.ParamResourceLinkTitle)
	}
	if name != "" {
		asst.Name = name
	} else if asst.Name == "" {
		asst.Name = ltiID
	}

	asst.DueDate = time.Time{}
	if raw := params.Get(lti.ParamDueDate); raw != "" {
		if due, ok := parseDueDate(raw); ok {
			asst.DueDate = due
		} else {
			log.Warnf("assignment %s: ignoring unparseable due date %q", ltiID, raw)
		}
	}

	asst.CourseID = course.ID
	asst.UpdatedAt = now
	if err := meddler.Save(tx, "assignments", asst); err != nil {
		return nil, loggedErrorf("db error saving assignment %s: %v", ltiID, err)
	}
	return asst, nil
}

// loadCourseAssignment loads an assignment, requiring it to belong to the course.
func loadCourseAssignment(tx *sql.Tx, courseID, assignmentID int64) (*Assignment, error) {
	asst := new(Assignment)
	if err := meddler.QueryRow(tx, asst, `SELECT * FROM assignments WHERE id = ? AND course_id = ?`, assignmentID, courseID); err != nil {
		return nil, err
	}
	return asst, nil
}

type submissionCounts struct {
	Graded       int64 `json:"graded" meddler:"graded"`
	NotGraded    int64 `json:"notGraded" meddler:"not_graded"`
	NotSubmitted int64 `json:"notSubmitted" meddler:"not_submitted"`
}

type assignmentOverview struct {
	Assignment *Assignment       `json:"assignment"`
	Counts     *submissionCounts `json:"counts"`
	Students   []*rosterEntry    `json:"students"`
}

type rosterEntry struct {
	UserID    int64  `json:"userID" meddler:"user_id"`
	Username  string `json:"username" meddler:"username"`
	Name      string `json:"name" meddler:"name"`
	Submitted bool   `json:"submitted" meddler:"submitted"`
	Graded    bool   `json:"graded" meddler:"graded"`
	Grade     *int64 `json:"grade" meddler:"grade"`
}

// countSubmissions tallies current students' submissions for an assignment.
// A non-zero graderID restricts the count to that grader's students.
func countSubmissions(tx *sql.Tx, courseID, assignmentID, graderID int64) (*submissionCounts, []*rosterEntry, error) {
	where := ` WHERE students.course_id = ? AND students.status = ?`
	args := []interface{}{assignmentID, courseID, StudentActive}
	if graderID > 0 {
		where, args = addWhereEq(where, args, "students.grader_id", graderID)
	}

	roster := []*rosterEntry{}
	if err := meddler.QueryAll(tx, &roster, `SELECT users.id AS user_id, users.username, users.name, `+
		`COALESCE(submissions.submitted, 0) AS submitted, COALESCE(submissions.graded, 0) AS graded, submissions.grade `+
		`FROM students JOIN users ON students.user_id = users.id `+
		`LEFT JOIN submissions ON submissions.student_id = users.id AND submissions.assignment_id = ?`+
		where+` ORDER BY users.name, users.id`, args...); err != nil {
		return nil, nil, err
	}

	counts := new(submissionCounts)
	for _, elt := range roster {
		switch {
		case elt.Submitted && elt.Graded:
			counts.Graded++
		case elt.Submitted:
			counts.NotGraded++
		default:
			counts.NotSubmitted++
		}
	}
	return counts, roster, nil
}

// GetAssignmentOverview handles /v2/courses/:course_id/assignments/:assignment_id requests,
// returning the assignment and its grading progress.
// Graders only see their own students.
func GetAssignmentOverview(w http.ResponseWriter, tx *sql.Tx, cc *CourseContext, render render.Render) {
	asst, err := loadCourseAssignment(tx, cc.Course.ID, cc.AssignmentID)
	if err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return
	}

	var graderID int64
	if cc.Role == RoleGrader {
		grader, err := loadGrader(tx, cc.User.ID, cc.Course.ID)
		if err != nil {
			loggedHTTPDBNotFoundError(w, err)
			return
		}
		graderID = grader.ID
	}

	counts, roster, err := countSubmissions(tx, cc.Course.ID, asst.ID, graderID)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	render.JSON(http.StatusOK, &assignmentOverview{Assignment: asst, Counts: counts, Students: roster})
}
