package main

import (
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/go-martini/martini"
	"github.com/martini-contrib/binding"
	"github.com/martini-contrib/render"
	"github.com/russross/meddler"
	. "github.com/sgalti/sga/types"
	log "github.com/sirupsen/logrus"
)

type MaxStudentsForm struct {
	MaxStudents int64 `form:"max_students" json:"maxStudents"`
}

func (form MaxStudentsForm) Validate(errs binding.Errors, req *http.Request) binding.Errors {
	if !strings.Contains(req.Header.Get("Content-Type"), "json") {
		if _, present := req.Form["max_students"]; !present {
			errs = append(errs, binding.Error{
				FieldNames:     []string{"max_students"},
				Classification: binding.RequiredError,
				Message:        "Required",
			})
			return errs
		}
	}
	if form.MaxStudents < 0 {
		errs = append(errs, binding.Error{
			FieldNames:     []string{"max_students"},
			Classification: "RangeError",
			Message:        "max_students must be 0 or greater",
		})
	}
	return errs
}

type AssignGraderForm struct {
	GraderUserID int64 `form:"grader_user_id" json:"graderUserID" binding:"required"`
}

// graderLoad reports a grader with the number of active students assigned.
type graderLoad struct {
	*Grader
	Students int64 `json:"students"`
}

func activeStudentCount(tx *sql.Tx, graderID int64) (int64, error) {
	var n int64
	err := tx.QueryRow(`SELECT COUNT(1) FROM students WHERE grader_id = ? AND status = ?`, graderID, StudentActive).Scan(&n)
	return n, err
}

// assignGrader makes grader responsible for student, refusing when the grader is full.
func assignGrader(tx *sql.Tx, student *Student, grader *Grader, now time.Time) error {
	if student.GraderID == grader.ID {
		return nil
	}
	if !student.Active() {
		return httpErrorf(http.StatusBadRequest, "student %d is not active in this course", student.UserID)
	}
	n, err := activeStudentCount(tx, grader.ID)
	if err != nil {
		return err
	}
	if n >= grader.MaxStudents {
		return httpErrorf(http.StatusBadRequest, "grader %d already has %d of %d students", grader.UserID, n, grader.MaxStudents)
	}
	student.GraderID = grader.ID
	student.UpdatedAt = now
	return meddler.Update(tx, "students", student)
}

// promoteStudent retires a student's row and makes them a grader in the same course.
// The retired row keeps the student's submissions reachable.
func promoteStudent(tx *sql.Tx, student *Student, now time.Time) (*Grader, error) {
	if !student.Active() {
		return nil, httpErrorf(http.StatusBadRequest, "student %d is not active in this course", student.UserID)
	}
	student.Status = StudentRetired
	student.GraderID = 0
	student.UpdatedAt = now
	if err := meddler.Update(tx, "students", student); err != nil {
		return nil, err
	}

	grader, err := loadGrader(tx, student.UserID, student.CourseID)
	if err == nil {
		return grader, nil
	} else if err != sql.ErrNoRows {
		return nil, err
	}
	grader = &Grader{
		UserID:      student.UserID,
		CourseID:    student.CourseID,
		MaxStudents: DefaultMaxStudents,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := meddler.Insert(tx, "graders", grader); err != nil {
		return nil, err
	}
	return grader, nil
}

// demoteGrader removes a grader, leaving their students unassigned,
// and restores the user as an active student.
func demoteGrader(tx *sql.Tx, grader *Grader, now time.Time) (*Student, error) {
	if _, err := tx.Exec(`UPDATE students SET grader_id = NULL, updated_at = ? WHERE grader_id = ?`, now.UTC(), grader.ID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM graders WHERE id = ?`, grader.ID); err != nil {
		return nil, err
	}
	return activateStudent(tx, grader.UserID, grader.CourseID, now)
}

// PostPromoteStudent handles /v2/courses/:course_id/students/:student_user_id/promote requests.
func PostPromoteStudent(w http.ResponseWriter, tx *sql.Tx, cc *CourseContext, params martini.Params, render render.Render) {
	userID, err := parseID(w, "student_user_id", params["student_user_id"])
	if err != nil {
		return
	}
	student, err := loadStudent(tx, userID, cc.Course.ID)
	if err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return
	}
	grader, err := promoteStudent(tx, student, time.Now())
	if err != nil {
		loggedHTTPErrorf(w, statusOf(err), "promoting student %d: %v", userID, err)
		return
	}
	log.Printf("staff: %s promoted user %d to grader in course %d", cc.User.Username, userID, cc.Course.ID)
	render.JSON(http.StatusOK, grader)
}

// PostDemoteGrader handles /v2/courses/:course_id/graders/:grader_user_id/demote requests.
func PostDemoteGrader(w http.ResponseWriter, tx *sql.Tx, cc *CourseContext, params martini.Params, render render.Render) {
	userID, err := parseID(w, "grader_user_id", params["grader_user_id"])
	if err != nil {
		return
	}
	grader, err := loadGrader(tx, userID, cc.Course.ID)
	if err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return
	}
	student, err := demoteGrader(tx, grader, time.Now())
	if err != nil {
		loggedHTTPErrorf(w, statusOf(err), "demoting grader %d: %v", userID, err)
		return
	}
	log.Printf("staff: %s demoted user %d to student in course %d", cc.User.Username, userID, cc.Course.ID)
	render.JSON(http.StatusOK, student)
}

// PostStudentGrader handles POST /v2/courses/:course_id/students/:student_user_id/grader requests,
// assigning the student to a grader with spare capacity.
func PostStudentGrader(w http.ResponseWriter, tx *sql.Tx, cc *CourseContext, params martini.Params, form AssignGraderForm, render render.Render) {
	userID, err := parseID(w, "student_user_id", params["student_user_id"])
	if err != nil {
		return
	}
	student, err := loadStudent(tx, userID, cc.Course.ID)
	if err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return
	}
	grader, err := loadGrader(tx, form.GraderUserID, cc.Course.ID)
	if err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return
	}
	if err := assignGrader(tx, student, grader, time.Now()); err != nil {
		loggedHTTPErrorf(w, statusOf(err), "assigning student %d: %v", userID, err)
		return
	}
	render.JSON(http.StatusOK, student)
}

// DeleteStudentGrader handles DELETE /v2/courses/:course_id/students/:student_user_id/grader requests.
func DeleteStudentGrader(w http.ResponseWriter, tx *sql.Tx, cc *CourseContext, params martini.Params, render render.Render) {
	userID, err := parseID(w, "student_user_id", params["student_user_id"])
	if err != nil {
		return
	}
	student, err := loadStudent(tx, userID, cc.Course.ID)
	if err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return
	}
	student.GraderID = 0
	student.UpdatedAt = time.Now()
	if err := meddler.Update(tx, "students", student); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	render.JSON(http.StatusOK, student)
}

// PutGraderMaxStudents handles /v2/courses/:course_id/graders/:grader_user_id/max_students requests.
// Admins may change any grader; graders may change only their own capacity.
func PutGraderMaxStudents(w http.ResponseWriter, tx *sql.Tx, cc *CourseContext, params martini.Params, form MaxStudentsForm, render render.Render) {
	userID, err := parseID(w, "grader_user_id", params["grader_user_id"])
	if err != nil {
		return
	}
	if cc.Role == RoleGrader && userID != cc.User.ID {
		loggedHTTPErrorf(w, http.StatusForbidden, "grader %d may not change the capacity of grader %d", cc.User.ID, userID)
		return
	}
	grader, err := loadGrader(tx, userID, cc.Course.ID)
	if err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return
	}
	grader.MaxStudents = form.MaxStudents
	grader.UpdatedAt = time.Now()
	if err := meddler.Update(tx, "graders", grader); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	n, err := activeStudentCount(tx, grader.ID)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	render.JSON(http.StatusOK, &graderLoad{Grader: grader, Students: n})
}
