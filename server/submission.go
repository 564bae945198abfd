package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-martini/martini"
	"github.com/martini-contrib/binding"
	"github.com/martini-contrib/render"
	"github.com/russross/meddler"
	. "github.com/sgalti/sga/types"
	log "github.com/sirupsen/logrus"
)

// GradeSender returns a grade to the host. score is in 0..1, or nil to clear.
type GradeSender interface {
	SendGrade(ctx context.Context, consumerKey, outcomeURL, resultID string, score *float64) error
}

type SubmissionForm struct {
	Description     string                `form:"description"`
	StudentDocument *multipart.FileHeader `form:"student_document"`
}

type GradeForm struct {
	Grade          string                `form:"grade" binding:"required"`
	Feedback       string                `form:"feedback"`
	GraderDocument *multipart.FileHeader `form:"grader_document"`
}

func (form GradeForm) Value() (int64, error) {
	grade, err := strconv.ParseInt(strings.TrimSpace(form.Grade), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("grade must be a whole number")
	}
	if grade < 0 || grade > MaxGrade {
		return 0, fmt.Errorf("grade must be between 0 and %d", MaxGrade)
	}
	return grade, nil
}

func (form GradeForm) Validate(errs binding.Errors, req *http.Request) binding.Errors {
	if form.Grade == "" {
		return errs
	}
	if _, err := form.Value(); err != nil {
		errs = append(errs, binding.Error{
			FieldNames:     []string{"grade"},
			Classification: "RangeError",
			Message:        err.Error(),
		})
	}
	return errs
}

type submissionView struct {
	Submission    *Submission `json:"submission"`
	Assignment    *Assignment `json:"assignment"`
	Student       *User       `json:"student"`
	FeedbackHTML  string      `json:"feedbackHTML,omitempty"`
	GradeDisplay  string      `json:"gradeDisplay"`
	NextNotGraded int64       `json:"nextNotGradedStudentUserID,omitempty"`
}

type gradeResult struct {
	*submissionView
	GradeSent  bool   `json:"gradeSent"`
	GradeError string `json:"gradeError,omitempty"`
}

func newSubmissionView(sub *Submission, asst *Assignment, student *User) (*submissionView, error) {
	view := &submissionView{
		Submission:   sub,
		Assignment:   asst,
		Student:      student,
		GradeDisplay: sub.GradeDisplay(),
	}
	var err error
	if view.FeedbackHTML, err = renderFeedback(sub.Feedback); err != nil {
		return nil, err
	}
	return view, nil
}

// GetStudentSubmission handles /v2/courses/:course_id/assignments/:assignment_id/submission requests,
// returning the current student's submission, creating it if necessary.
func GetStudentSubmission(w http.ResponseWriter, tx *sql.Tx, cc *CourseContext, render render.Render) {
	asst, err := loadCourseAssignment(tx, cc.Course.ID, cc.AssignmentID)
	if err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return
	}
	sub, err := getOrCreateSubmission(tx, asst.ID, cc.User.ID, time.Now())
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "%v", err)
		return
	}
	view, err := newSubmissionView(sub, asst, cc.User)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "%v", err)
		return
	}
	render.JSON(http.StatusOK, view)
}

// PostStudentSubmission handles POST /v2/courses/:course_id/assignments/:assignment_id/submission requests,
// storing the student's document and marking the submission as submitted.
// A document is required unless one was uploaded before.
func PostStudentSubmission(w http.ResponseWriter, r *http.Request, tx *sql.Tx, cc *CourseContext, docs DocumentStore, form SubmissionForm, render render.Render) {
	now := time.Now()
	asst, err := loadCourseAssignment(tx, cc.Course.ID, cc.AssignmentID)
	if err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return
	}
	sub, err := getOrCreateSubmission(tx, asst.ID, cc.User.ID, now)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "%v", err)
		return
	}

	oldDocument := sub.StudentDocument
	if form.StudentDocument != nil {
		ext := strings.ToLower(filepath.Ext(form.StudentDocument.Filename))
		key := documentKey(studentUploadPrefix, cc.Course, cc.User, asst, ext)
		if err := storeDocument(r.Context(), docs, key, form.StudentDocument); err != nil {
			loggedHTTPErrorf(w, documentErrorStatus(err), "storing document for user %d: %v", cc.User.ID, err)
			return
		}
		sub.StudentDocument = key
	} else if sub.StudentDocument == "" {
		loggedHTTPErrorf(w, http.StatusBadRequest, "student_document is required")
		return
	}

	sub.Description = form.Description
	sub.Submitted = true
	sub.SubmittedAt = now
	sub.UpdatedAt = now
	if err := meddler.Update(tx, "submissions", sub); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	log.Printf("submission: user %s (%d) submitted assignment %d", cc.User.Username, cc.User.ID, asst.ID)
	replaceDocument(r.Context(), docs, oldDocument, sub.StudentDocument)

	view, err := newSubmissionView(sub, asst, cc.User)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "%v", err)
		return
	}
	render.JSON(http.StatusOK, view)
}

func documentErrorStatus(err error) int {
	if errors.Is(err, ErrDocumentType) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// staffTarget loads the assignment and student a staff request refers to.
// Graders may only reach students assigned to them.
func staffTarget(w http.ResponseWriter, tx *sql.Tx, cc *CourseContext, params martini.Params) (*Assignment, *User, error) {
	studentUserID, err := parseID(w, "student_user_id", params["student_user_id"])
	if err != nil {
		return nil, nil, err
	}
	asst, err := loadCourseAssignment(tx, cc.Course.ID, cc.AssignmentID)
	if err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return nil, nil, err
	}
	student, err := loadStudent(tx, studentUserID, cc.Course.ID)
	if err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return nil, nil, err
	}
	if cc.Role == RoleGrader {
		grader, err := loadGrader(tx, cc.User.ID, cc.Course.ID)
		if err != nil {
			loggedHTTPDBNotFoundError(w, err)
			return nil, nil, err
		}
		if student.GraderID != grader.ID {
			return nil, nil, loggedHTTPErrorf(w, http.StatusForbidden, "student %d is not assigned to grader %d", studentUserID, cc.User.ID)
		}
	}
	studentUser := new(User)
	if err := meddler.Load(tx, "users", studentUser, studentUserID); err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return nil, nil, err
	}
	return asst, studentUser, nil
}

// nextNotGraded finds another submitted, ungraded submission the staff member can grade.
func nextNotGraded(tx *sql.Tx, cc *CourseContext, asst *Assignment, exceptUserID int64) (int64, error) {
	query := `SELECT submissions.student_id FROM submissions ` +
		`JOIN students ON students.user_id = submissions.student_id AND students.course_id = ? ` +
		`WHERE submissions.assignment_id = ? AND submissions.submitted AND NOT submissions.graded ` +
		`AND submissions.student_id != ? AND students.status = ?`
	args := []interface{}{cc.Course.ID, asst.ID, exceptUserID, StudentActive}
	if cc.Role == RoleGrader {
		query += ` AND students.grader_id = (SELECT id FROM graders WHERE user_id = ? AND course_id = ?)`
		args = append(args, cc.User.ID, cc.Course.ID)
	}
	query += ` ORDER BY submissions.submitted_at, submissions.id LIMIT 1`

	var id int64
	err := tx.QueryRow(query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// GetStaffSubmission handles /v2/courses/:course_id/assignments/:assignment_id/students/:student_user_id/submission
// requests, returning a student's submission for grading.
func GetStaffSubmission(w http.ResponseWriter, tx *sql.Tx, cc *CourseContext, params martini.Params, render render.Render) {
	asst, student, err := staffTarget(w, tx, cc, params)
	if err != nil {
		return
	}
	sub, err := getOrCreateSubmission(tx, asst.ID, student.ID, time.Now())
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "%v", err)
		return
	}
	view, err := newSubmissionView(sub, asst, student)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if view.NextNotGraded, err = nextNotGraded(tx, cc, asst, student.ID); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	render.JSON(http.StatusOK, view)
}

// PostStaffSubmission handles POST .../students/:student_user_id/submission requests,
// recording a grade and returning it to the host.
// The grade is committed before the host is contacted and is kept even when
// the host cannot be reached.
func PostStaffSubmission(w http.ResponseWriter, r *http.Request, tx *sql.Tx, rtx *requestTx, cc *CourseContext, params martini.Params, docs DocumentStore, sender GradeSender, form GradeForm, render render.Render) {
	now := time.Now()
	asst, student, err := staffTarget(w, tx, cc, params)
	if err != nil {
		return
	}
	sub, err := getOrCreateSubmission(tx, asst.ID, student.ID, now)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if !sub.Submitted {
		loggedHTTPErrorf(w, http.StatusConflict, "student %d has not submitted assignment %d", student.ID, asst.ID)
		return
	}

	grade, err := form.Value()
	if err != nil {
		loggedHTTPErrorf(w, http.StatusBadRequest, "%v", err)
		return
	}

	oldDocument := sub.GraderDocument
	if form.GraderDocument != nil {
		ext := strings.ToLower(filepath.Ext(form.GraderDocument.Filename))
		key := documentKey(graderUploadPrefix, cc.Course, student, asst, ext)
		if err := storeDocument(r.Context(), docs, key, form.GraderDocument); err != nil {
			loggedHTTPErrorf(w, documentErrorStatus(err), "storing grader document: %v", err)
			return
		}
		sub.GraderDocument = key
	}

	sub.Grade = &grade
	sub.Feedback = form.Feedback
	sub.Graded = true
	sub.GradedAt = now
	sub.GradedBy = cc.User.ID
	sub.UpdatedAt = now
	if err := meddler.Update(tx, "submissions", sub); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	log.Printf("grade: %s (%d) gave %d to user %d on assignment %d", cc.User.Username, cc.User.ID, grade, student.ID, asst.ID)
	replaceDocument(r.Context(), docs, oldDocument, sub.GraderDocument)

	view, err := newSubmissionView(sub, asst, student)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if err := rtx.Commit(); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error committing grade: %v", err)
		return
	}

	result := &gradeResult{submissionView: view}
	if err := returnGrade(r.Context(), sender, sub); err != nil {
		result.GradeError = err.Error()
	} else {
		result.GradeSent = true
	}
	render.JSON(http.StatusOK, result)
}

// returnGrade sends a submission's grade to the host if the launch recorded an outcome service.
func returnGrade(ctx context.Context, sender GradeSender, sub *Submission) error {
	if !sub.CanReturnGrade() {
		gradeSendsCounter.WithLabelValues("skipped").Inc()
		return fmt.Errorf("no outcome service recorded for submission %d", sub.ID)
	}
	if err := sender.SendGrade(ctx, sub.ConsumerKey, sub.OutcomeURL, sub.ResultID, sub.Score()); err != nil {
		gradeSendsCounter.WithLabelValues("failed").Inc()
		log.Warnf("returning grade for submission %d: %v", sub.ID, err)
		return err
	}
	gradeSendsCounter.WithLabelValues("sent").Inc()
	return nil
}

// PostUnsubmit handles POST .../students/:student_user_id/unsubmit requests,
// reopening a submission so the student can submit again.
func PostUnsubmit(w http.ResponseWriter, tx *sql.Tx, cc *CourseContext, params martini.Params, render render.Render) {
	now := time.Now()
	asst, student, err := staffTarget(w, tx, cc, params)
	if err != nil {
		return
	}
	sub, err := getOrCreateSubmission(tx, asst.ID, student.ID, now)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "%v", err)
		return
	}
	sub.Submitted = false
	sub.Graded = false
	sub.UpdatedAt = now
	if err := meddler.Update(tx, "submissions", sub); err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "db error: %v", err)
		return
	}
	render.JSON(http.StatusOK, sub)
}

// GetSubmissionDocument handles .../students/:student_user_id/submission/documents/:kind requests.
// Students may only fetch their own documents.
func GetSubmissionDocument(w http.ResponseWriter, r *http.Request, tx *sql.Tx, cc *CourseContext, params martini.Params, docs DocumentStore) {
	var asst *Assignment
	var studentUserID int64
	if cc.Role == RoleStudent {
		id, err := parseID(w, "student_user_id", params["student_user_id"])
		if err != nil {
			return
		}
		if id != cc.User.ID {
			loggedHTTPErrorf(w, http.StatusForbidden, "user %d may not fetch documents of user %d", cc.User.ID, id)
			return
		}
		if asst, err = loadCourseAssignment(tx, cc.Course.ID, cc.AssignmentID); err != nil {
			loggedHTTPDBNotFoundError(w, err)
			return
		}
		studentUserID = id
	} else {
		a, student, err := staffTarget(w, tx, cc, params)
		if err != nil {
			return
		}
		asst, studentUserID = a, student.ID
	}

	sub := new(Submission)
	if err := meddler.QueryRow(tx, sub, `SELECT * FROM submissions WHERE assignment_id = ? AND student_id = ?`, asst.ID, studentUserID); err != nil {
		loggedHTTPDBNotFoundError(w, err)
		return
	}
	var key string
	switch params["kind"] {
	case "student":
		key = sub.StudentDocument
	case "grader":
		key = sub.GraderDocument
	default:
		loggedHTTPErrorf(w, http.StatusNotFound, "unknown document kind %q", params["kind"])
		return
	}
	if key == "" {
		loggedHTTPErrorf(w, http.StatusNotFound, "no %s document for this submission", params["kind"])
		return
	}

	if p, ok := docs.(presigner); ok {
		url, err := p.PresignGet(r.Context(), key)
		if err != nil {
			loggedHTTPErrorf(w, http.StatusInternalServerError, "%v", err)
			return
		}
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	body, err := docs.Open(r.Context(), key)
	if errors.Is(err, ErrDocumentNotFound) {
		loggedHTTPErrorf(w, http.StatusNotFound, "document %s is missing from storage", key)
		return
	} else if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "%v", err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(key)))
	if _, err := io.Copy(w, body); err != nil {
		log.Printf("error sending document %s: %v", key, err)
	}
}
