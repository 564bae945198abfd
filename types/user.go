package types

import (
	"fmt"
	"time"
)

const (
	CookieName         = "sga"
	DefaultMaxStudents = 10
	MaxGrade           = 100
	StudioUsername     = "cuid:student"
)

// Role is the resolved role of a user within a single course.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleGrader  Role = "grader"
	RoleStudent Role = "student"
	RoleNone    Role = "none"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleGrader, RoleStudent, RoleNone:
		return true
	}
	return false
}

// StudentStatus tracks whether a Student row is current.
// Retired rows are kept so that submission history survives role changes.
type StudentStatus string

const (
	StudentActive  StudentStatus = "active"
	StudentRetired StudentStatus = "retired"
)

// Course represents a single course as defined by the LTI context.
type Course struct {
	ID        int64     `json:"id" meddler:"id,pk"`
	LtiID     string    `json:"ltiID" meddler:"lti_id"`
	Name      string    `json:"name" meddler:"name"`
	CreatedAt time.Time `json:"createdAt" meddler:"created_at,localtime"`
	UpdatedAt time.Time `json:"updatedAt" meddler:"updated_at,localtime"`
}

// User represents a single user as linked from an LTI launch.
type User struct {
	ID             int64     `json:"id" meddler:"id,pk"`
	Username       string    `json:"username" meddler:"username"`
	Name           string    `json:"name" meddler:"name"`
	FirstName      string    `json:"firstName" meddler:"first_name"`
	LastName       string    `json:"lastName" meddler:"last_name"`
	Email          string    `json:"email" meddler:"email"`
	LtiID          string    `json:"ltiID" meddler:"lti_id"`
	CreatedAt      time.Time `json:"createdAt" meddler:"created_at,localtime"`
	UpdatedAt      time.Time `json:"updatedAt" meddler:"updated_at,localtime"`
	LastSignedInAt time.Time `json:"lastSignedInAt" meddler:"last_signed_in_at,localtime"`
}

// Assignment represents a single gradable LTI placement (resource link) in a course.
type Assignment struct {
	ID          int64     `json:"id" meddler:"id,pk"`
	LtiID       string    `json:"ltiID" meddler:"lti_id"`
	CourseID    int64     `json:"courseID" meddler:"course_id"`
	Name        string    `json:"name" meddler:"name"`
	DueDate     time.Time `json:"dueDate" meddler:"due_date,utctimez"`
	GracePeriod int64     `json:"gracePeriod" meddler:"grace_period"`
	CreatedAt   time.Time `json:"createdAt" meddler:"created_at,localtime"`
	UpdatedAt   time.Time `json:"updatedAt" meddler:"updated_at,localtime"`
}

// HasDueDate reports whether the host supplied a usable due date.
func (asst *Assignment) HasDueDate() bool {
	return !asst.DueDate.IsZero()
}

// Grader links a user to a course as staff with a student capacity.
type Grader struct {
	ID          int64     `json:"id" meddler:"id,pk"`
	UserID      int64     `json:"userID" meddler:"user_id"`
	CourseID    int64     `json:"courseID" meddler:"course_id"`
	MaxStudents int64     `json:"maxStudents" meddler:"max_students"`
	CreatedAt   time.Time `json:"createdAt" meddler:"created_at,localtime"`
	UpdatedAt   time.Time `json:"updatedAt" meddler:"updated_at,localtime"`
}

// Student links a user to a course as a learner.
// GraderID is zero when no grader is responsible for the student.
type Student struct {
	ID        int64         `json:"id" meddler:"id,pk"`
	UserID    int64         `json:"userID" meddler:"user_id"`
	CourseID  int64         `json:"courseID" meddler:"course_id"`
	GraderID  int64         `json:"graderID,omitempty" meddler:"grader_id,zeroisnull"`
	Status    StudentStatus `json:"status" meddler:"status"`
	CreatedAt time.Time     `json:"createdAt" meddler:"created_at,localtime"`
	UpdatedAt time.Time     `json:"updatedAt" meddler:"updated_at,localtime"`
}

func (s *Student) Active() bool {
	return s.Status == StudentActive
}

// Submission is the single record of one student's work on one assignment.
// StudentID is a user ID, not a Student row ID, so history survives promotion and demotion.
type Submission struct {
	ID              int64     `json:"id" meddler:"id,pk"`
	AssignmentID    int64     `json:"assignmentID" meddler:"assignment_id"`
	StudentID       int64     `json:"studentID" meddler:"student_id"`
	Description     string    `json:"description" meddler:"description,zeroisnull"`
	StudentDocument string    `json:"studentDocument" meddler:"student_document,zeroisnull"`
	Submitted       bool      `json:"submitted" meddler:"submitted"`
	SubmittedAt     time.Time `json:"submittedAt" meddler:"submitted_at,utctimez"`
	GraderDocument  string    `json:"graderDocument" meddler:"grader_document,zeroisnull"`
	Feedback        string    `json:"feedback" meddler:"feedback,zeroisnull"`
	Grade           *int64    `json:"grade" meddler:"grade"`
	Graded          bool      `json:"graded" meddler:"graded"`
	GradedAt        time.Time `json:"gradedAt" meddler:"graded_at,utctimez"`
	GradedBy        int64     `json:"gradedBy,omitempty" meddler:"graded_by,zeroisnull"`
	OutcomeURL      string    `json:"-" meddler:"outcome_url,zeroisnull"`
	ResultID        string    `json:"-" meddler:"result_id,zeroisnull"`
	ConsumerKey     string    `json:"-" meddler:"consumer_key,zeroisnull"`
	CreatedAt       time.Time `json:"createdAt" meddler:"created_at,localtime"`
	UpdatedAt       time.Time `json:"updatedAt" meddler:"updated_at,localtime"`
}

// CanReturnGrade reports whether the launch captured everything needed to send a grade back.
func (sub *Submission) CanReturnGrade() bool {
	return sub.OutcomeURL != "" && sub.ResultID != "" && sub.ConsumerKey != ""
}

// Score returns the grade normalized to the 0..1 range used by LTI outcomes,
// or nil if the submission has no grade.
func (sub *Submission) Score() *float64 {
	if sub.Grade == nil {
		return nil
	}
	score := float64(*sub.Grade) / MaxGrade
	return &score
}

func (sub *Submission) GradeDisplay() string {
	if sub.Grade == nil {
		return "(Not Graded)"
	}
	return fmt.Sprintf("%d/%d (%d%%)", *sub.Grade, MaxGrade, *sub.Grade)
}
