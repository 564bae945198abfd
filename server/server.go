package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-martini/martini"
	"github.com/martini-contrib/binding"
	mgzip "github.com/martini-contrib/gzip"
	"github.com/martini-contrib/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sgalti/sga/lti"
	. "github.com/sgalti/sga/types"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	cmdSGA := &cobra.Command{
		Use:   "sga",
		Short: "Staff graded assignments for edX",
		Long: "An LTI tool where students upload documents\n" +
			"and course staff grade them, with grades returned to edX",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupRoot()
			if err := loadConfig(); err != nil {
				log.Fatalf("%v", err)
			}
			setupLogging()
		},
	}

	cmdServe := &cobra.Command{
		Use:   "serve",
		Short: "run the web server",
		Run:   CommandServe,
	}
	cmdSGA.AddCommand(cmdServe)

	cmdMockData := &cobra.Command{
		Use:   "mockdata [file.cfg]",
		Short: "load a course with staff, students, and assignments for development",
		Long: fmt.Sprintf("With no file a small built-in course is created.\n\n"+
			"   Example: '%s mockdata demo-course.cfg'", os.Args[0]),
		Args: cobra.MaximumNArgs(1),
		Run:  CommandMockData,
	}
	cmdSGA.AddCommand(cmdMockData)

	cmdSendGrade := &cobra.Command{
		Use:   "send-grade <course lti id> <assignment lti id> <username>",
		Short: "send a stored grade to the host again",
		Long: fmt.Sprintf("Grades that could not be returned when they were entered\n"+
			"can be resent once the host is reachable.\n\n"+
			"   Example: '%s send-grade course-v1:MITx+1.00x+2025 block-v1:abc student1'", os.Args[0]),
		Args: cobra.ExactArgs(3),
		Run:  CommandSendGrade,
	}
	cmdSGA.AddCommand(cmdSendGrade)

	cmdVersion := &cobra.Command{
		Use:   "version",
		Short: "print the version number of sga",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("sga " + CurrentVersion.Version)
		},
	}
	cmdSGA.AddCommand(cmdVersion)

	if err := cmdSGA.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupRoot() {
	root = os.Getenv("SGAROOT")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("SGAROOT is not set, and cannot find user's home directory")
		}
		root = filepath.Join(home, "sga")
	}
	log.Printf("SGAROOT set to %s", root)

	port = ":" + os.Getenv("PORT")
	if port == ":" {
		port = ":8080"
	}
}

func CommandServe(cmd *cobra.Command, args []string) {
	if err := checkServeConfig(); err != nil {
		log.Fatalf("%v", err)
	}

	db := setupDB(Config.SQLite3Path)
	st := &store{db: db}

	docs, err := setupDocumentStore(context.Background())
	if err != nil {
		log.Fatalf("setting up document storage: %v", err)
	}
	sender := lti.NewOutcomeClient(Config.LTICredentials, Config.GradeTimeout)
	verifier := lti.NewVerifier(Config.LTICredentials)

	registerMetrics(prometheus.DefaultRegisterer)
	m := newServer(st, docs, sender, verifier)

	// note: this will work behind a TLS proxy or for debugging with some calls
	// but LTI will refuse to connect to an insecure host
	log.Printf("accepting http connections on %s", port)
	if err := http.ListenAndServe(port, m); err != nil {
		log.Fatalf("ListenAndServe: %v", err)
	}
}

// newServer wires the routes and the services handlers depend on.
func newServer(st *store, docs DocumentStore, sender GradeSender, verifier *lti.Verifier) *martini.Martini {
	r := martini.NewRouter()
	m := martini.New()
	m.Logger(stdlog.New(log.StandardLogger().WriterLevel(log.DebugLevel), "", 0))
	m.Use(martini.Recovery())
	m.Use(mgzip.All())
	m.Use(render.Renderer(render.Options{IndentJSON: false}))
	m.Map(st)
	m.Map(verifier)
	m.MapTo(docs, (*DocumentStore)(nil))
	m.MapTo(sender, (*GradeSender)(nil))
	m.MapTo(r, (*martini.Routes)(nil))
	m.Action(r.Handle)

	// every page accepts launches and then requires a session role in the course
	page := func(handlers ...martini.Handler) []martini.Handler {
		chain := []martini.Handler{counter, ltiAuth, launchGate, st.withTx, withCurrentUser, withCourseRole}
		return append(chain, handlers...)
	}
	staffOnly := allowRoles(RoleGrader, RoleAdmin)
	adminOnly := allowRoles(RoleAdmin)

	// version and metrics
	r.Get("/v2/version", counter, func(w http.ResponseWriter, render render.Render) {
		render.JSON(http.StatusOK, &CurrentVersion)
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// LTI
	r.Get("/v2/lti/config.xml", counter, GetConfigXML)
	r.Post("/v2/lti/launch", counter, ltiAuth, launchGate, notALaunch)
	r.Get(ungradedInfoPath, counter, GetInfoUngraded)
	r.Get(studioInfoPath, counter, GetInfoStudio)

	// assignments
	assignment := "/v2/courses/:course_id/assignments/:assignment_id"
	r.Get(assignment, page(staffOnly, GetAssignmentOverview)...)

	// student submissions
	r.Get(assignment+"/submission", page(allowRoles(RoleStudent), GetStudentSubmission)...)
	r.Post(assignment+"/submission", page(allowRoles(RoleStudent), binding.Bind(SubmissionForm{}), PostStudentSubmission)...)

	// grading
	student := assignment + "/students/:student_user_id"
	r.Get(student+"/submission", page(staffOnly, GetStaffSubmission)...)
	r.Post(student+"/submission", page(staffOnly, binding.Bind(GradeForm{}), PostStaffSubmission)...)
	r.Post(student+"/unsubmit", page(adminOnly, PostUnsubmit)...)
	r.Get(student+"/submission/documents/:kind", page(allowRoles(RoleStudent, RoleGrader, RoleAdmin), GetSubmissionDocument)...)

	// staff management
	r.Post("/v2/courses/:course_id/students/:student_user_id/promote", page(adminOnly, PostPromoteStudent)...)
	r.Post("/v2/courses/:course_id/graders/:grader_user_id/demote", page(adminOnly, PostDemoteGrader)...)
	r.Post("/v2/courses/:course_id/students/:student_user_id/grader", page(adminOnly, binding.Bind(AssignGraderForm{}), PostStudentGrader)...)
	r.Delete("/v2/courses/:course_id/students/:student_user_id/grader", page(adminOnly, DeleteStudentGrader)...)
	r.Put("/v2/courses/:course_id/graders/:grader_user_id/max_students", page(staffOnly, binding.Bind(MaxStudentsForm{}), PutGraderMaxStudents)...)

	return m
}

func addWhereEq(where string, args []interface{}, label string, value interface{}) (string, []interface{}) {
	if where == "" {
		where = " WHERE"
	} else {
		where += " AND"
	}
	args = append(args, value)
	where += fmt.Sprintf(" %s = ?", label)
	return where, args
}

func parseID(w http.ResponseWriter, name, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, loggedHTTPErrorf(w, http.StatusBadRequest, "error parsing %s from URL: %v", name, err)
	}
	if id < 1 {
		return 0, loggedHTTPErrorf(w, http.StatusBadRequest, "invalid ID in URL: %s must be 1 or greater", name)
	}

	return id, nil
}

func mustMarshal(elt interface{}) []byte {
	raw, err := json.MarshalIndent(elt, "", "    ")
	if err != nil {
		log.Fatalf("json Marshal error for % #v", elt)
	}
	return raw
}

func dump(elt interface{}) {
	fmt.Printf("%s\n", mustMarshal(elt))
}

// info pages

type infoMessage struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// GetInfoUngraded handles /v2/info/ungraded requests, shown when
// the host launched the tool without an outcome service.
func GetInfoUngraded(render render.Render) {
	render.JSON(http.StatusOK, &infoMessage{
		Title: "Ungraded component",
		Message: strings.Join([]string{
			"This component is not configured to accept grades.",
			"Mark it as graded in the course settings so submissions can be returned to the course.",
		}, " "),
	})
}

// GetInfoStudio handles /v2/info/studio requests, shown to authors previewing the component.
func GetInfoStudio(render render.Render) {
	render.JSON(http.StatusOK, &infoMessage{
		Title:   "Preview",
		Message: "Student submissions are available when this component is viewed in the course, not in the authoring preview.",
	})
}
