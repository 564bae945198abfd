package main

import (
	"database/sql"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/russross/meddler"
	"github.com/sgalti/sga/lti"
	. "github.com/sgalti/sga/types"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/gcfg.v1"
)

// MockDataFile describes a course to load for development.
//
//	[course]
//	ltiID = course-v1:Demo+SGA+2025
//	name = Demo course
//
//	[grader "grader1"]
//	name = Grace Grader
//	maxStudents = 5
//
//	[student "student1"]
//	name = Sam Student
//	grader = grader1
type MockDataFile struct {
	Course struct {
		LtiID string
		Name  string
	}
	Admin map[string]*struct {
		Name  string
		Email string
	}
	Grader map[string]*struct {
		Name        string
		Email       string
		MaxStudents int64
	}
	Student map[string]*struct {
		Name   string
		Email  string
		Grader string
	}
	Assignment map[string]*struct {
		Name string
		Due  string
	}
}

const defaultMockData = `
[course]
ltiID = course-v1:Demo+SGA+mock
name = Staff Graded Assignment demo

[admin "admin"]
name = Ada Admin

[grader "grader1"]
name = Grace Grader
maxStudents = 2

[grader "grader2"]
name = Gus Grader

[student "student1"]
name = Sam Student
grader = grader1

[student "student2"]
name = Sue Student
grader = grader1

[student "student3"]
name = Sid Student
grader = grader2

[student "student4"]
name = Sal Student

[assignment "mock-assignment-1"]
name = Essay 1
due = 2030-01-15T23:59:00Z

[assignment "mock-assignment-2"]
name = Essay 2
`

func CommandMockData(cmd *cobra.Command, args []string) {
	var cfg MockDataFile
	if len(args) == 1 {
		log.Printf("reading %s", args[0])
		if err := gcfg.ReadFileInto(&cfg, args[0]); err != nil {
			log.Fatalf("failed to parse %s: %v", args[0], err)
		}
	} else if err := gcfg.ReadStringInto(&cfg, defaultMockData); err != nil {
		log.Fatalf("failed to parse built-in mock data: %v", err)
	}

	st := &store{db: setupDB(Config.SQLite3Path)}
	var course *Course
	if err := st.Tx(func(tx *sql.Tx) error {
		var err error
		course, err = loadMockData(tx, &cfg, time.Now())
		return err
	}); err != nil {
		log.Fatalf("loading mock data: %v", err)
	}
	dump(course)
}

func splitName(name string) (string, string) {
	first, last, _ := strings.Cut(strings.TrimSpace(name), " ")
	return first, strings.TrimSpace(last)
}

func upsertMockUser(tx *sql.Tx, username, name, email string, now time.Time) (*User, error) {
	params := url.Values{
		lti.ParamUserID:          {"mock-" + username},
		lti.ParamPersonSourcedID: {username},
		lti.ParamFullName:        {name},
		lti.ParamEmail:           {email},
	}
	params.Set(lti.ParamGivenName, "")
	params.Set(lti.ParamFamilyName, "")
	if name != "" {
		first, last := splitName(name)
		params.Set(lti.ParamGivenName, first)
		params.Set(lti.ParamFamilyName, last)
	}
	if email == "" {
		params.Set(lti.ParamEmail, username+"@example.com")
	}
	return linkUser(tx, params, now)
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// loadMockData creates or updates everything a MockDataFile describes.
func loadMockData(tx *sql.Tx, cfg *MockDataFile, now time.Time) (*Course, error) {
	if cfg.Course.LtiID == "" {
		return nil, fmt.Errorf("mock data needs a [course] section with an ltiID")
	}
	course, err := getOrCreateCourse(tx, url.Values{
		lti.ParamContextID:    {cfg.Course.LtiID},
		lti.ParamContextTitle: {cfg.Course.Name},
	}, now)
	if err != nil {
		return nil, err
	}

	for _, username := range sortedKeys(cfg.Admin) {
		elt := cfg.Admin[username]
		user, err := upsertMockUser(tx, username, elt.Name, elt.Email, now)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO course_administrators (course_id, user_id) VALUES (?, ?)`, course.ID, user.ID); err != nil {
			return nil, err
		}
	}

	graders := make(map[string]*Grader)
	for _, username := range sortedKeys(cfg.Grader) {
		elt := cfg.Grader[username]
		user, err := upsertMockUser(tx, username, elt.Name, elt.Email, now)
		if err != nil {
			return nil, err
		}
		grader, err := loadGrader(tx, user.ID, course.ID)
		if err == sql.ErrNoRows {
			grader = &Grader{UserID: user.ID, CourseID: course.ID, CreatedAt: now}
		} else if err != nil {
			return nil, err
		}
		grader.MaxStudents = elt.MaxStudents
		if grader.MaxStudents == 0 {
			grader.MaxStudents = DefaultMaxStudents
		}
		grader.UpdatedAt = now
		if err := meddler.Save(tx, "graders", grader); err != nil {
			return nil, err
		}
		graders[username] = grader
	}

	for _, username := range sortedKeys(cfg.Student) {
		elt := cfg.Student[username]
		user, err := upsertMockUser(tx, username, elt.Name, elt.Email, now)
		if err != nil {
			return nil, err
		}
		student, err := activateStudent(tx, user.ID, course.ID, now)
		if err != nil {
			return nil, err
		}
		if elt.Grader == "" {
			continue
		}
		grader, ok := graders[elt.Grader]
		if !ok {
			return nil, fmt.Errorf("student %s names unknown grader %s", username, elt.Grader)
		}
		if err := assignGrader(tx, student, grader, now); err != nil {
			return nil, fmt.Errorf("student %s: %w", username, err)
		}
	}

	for _, ltiID := range sortedKeys(cfg.Assignment) {
		elt := cfg.Assignment[ltiID]
		params := url.Values{
			lti.ParamResourceLinkID: {ltiID},
			lti.ParamDisplayName:    {elt.Name},
		}
		if elt.Due != "" {
			params.Set(lti.ParamDueDate, elt.Due)
		}
		if _, err := upsertAssignment(tx, course, params, now); err != nil {
			return nil, err
		}
	}

	log.Printf("mock data: course %s with %d admins, %d graders, %d students, %d assignments",
		course.LtiID, len(cfg.Admin), len(cfg.Grader), len(cfg.Student), len(cfg.Assignment))
	return course, nil
}
