package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/russross/meddler"
	"github.com/sgalti/sga/lti"
	. "github.com/sgalti/sga/types"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// findSubmission locates a submission by the host's identifiers and the student's username.
func findSubmission(tx *sql.Tx, courseLtiID, assignmentLtiID, username string) (*Submission, error) {
	sub := new(Submission)
	err := meddler.QueryRow(tx, sub, `SELECT submissions.* FROM submissions `+
		`JOIN assignments ON submissions.assignment_id = assignments.id `+
		`JOIN courses ON assignments.course_id = courses.id `+
		`JOIN users ON submissions.student_id = users.id `+
		`WHERE courses.lti_id = ? AND assignments.lti_id = ? AND users.username = ?`,
		courseLtiID, assignmentLtiID, username)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// resendGrade sends the stored grade of one submission to the host.
// An ungraded submission clears the grade on the host.
func resendGrade(ctx context.Context, st *store, sender GradeSender, courseLtiID, assignmentLtiID, username string) (*Submission, error) {
	var sub *Submission
	if err := st.Tx(func(tx *sql.Tx) error {
		var err error
		sub, err = findSubmission(tx, courseLtiID, assignmentLtiID, username)
		return err
	}); err != nil {
		return nil, err
	}
	if !sub.Graded {
		sub.Grade = nil
	}
	return sub, returnGrade(ctx, sender, sub)
}

func CommandSendGrade(cmd *cobra.Command, args []string) {
	st := &store{db: setupDB(Config.SQLite3Path)}
	sender := lti.NewOutcomeClient(Config.LTICredentials, Config.GradeTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), Config.GradeTimeout+5*time.Second)
	defer cancel()
	sub, err := resendGrade(ctx, st, sender, args[0], args[1], args[2])
	if err == sql.ErrNoRows {
		log.Fatalf("no submission found for %s in %s / %s", args[2], args[0], args[1])
	} else if err != nil {
		log.Fatalf("sending grade: %v", err)
	}
	log.Printf("grade %s sent for %s", sub.GradeDisplay(), args[2])
}
