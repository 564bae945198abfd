package main

import (
	"database/sql"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-martini/martini"
	"github.com/russross/meddler"
	"github.com/sgalti/sga/lti"
	. "github.com/sgalti/sga/types"
	log "github.com/sirupsen/logrus"
)

// LTIRequest is the launch parameter bag mapped by ltiAuth.
// User is nil when an initial launch failed authentication.
type LTIRequest struct {
	Params      url.Values
	Initial     bool
	ConsumerKey string
	User        *User
}

// launchURL is the URL the host signed, assuming TLS termination in front of us.
func launchURL(r *http.Request) string {
	return "https://" + Config.Hostname + r.URL.RequestURI()
}

// ltiAuth is martini middleware that authenticates LTI launches.
// It always maps an *LTIRequest; only a verified initial launch carries a User.
func ltiAuth(c martini.Context, w http.ResponseWriter, r *http.Request, st *store, verifier *lti.Verifier) {
	if err := r.ParseForm(); err != nil {
		loggedHTTPErrorf(w, http.StatusBadRequest, "error parsing request form: %v", err)
		return
	}

	req := &LTIRequest{
		Params:  r.PostForm,
		Initial: lti.IsLaunch(r, r.PostForm),
	}
	if req.Initial {
		key, err := verifier.VerifyForm(r.Method, launchURL(r), r.PostForm)
		if err != nil {
			log.Printf("LTI launch rejected for user_id %q: %v", r.PostForm.Get(lti.ParamUserID), err)
		} else {
			req.ConsumerKey = key
			if err := st.Tx(func(tx *sql.Tx) error {
				user, err := linkUser(tx, r.PostForm, time.Now())
				if err != nil {
					return err
				}
				req.User = user
				return nil
			}); err != nil {
				loggedHTTPErrorf(w, http.StatusInternalServerError, "linking LTI user: %v", err)
				return
			}
		}
	}

	c.Map(req)
}

// linkUser finds or creates the user for a launch, refreshing the profile fields the host sent.
func linkUser(tx *sql.Tx, params url.Values, now time.Time) (*User, error) {
	ltiID := params.Get(lti.ParamUserID)
	if ltiID == "" {
		return nil, loggedErrorf("launch has no user_id")
	}

	username := params.Get(lti.ParamPersonSourcedID)
	if username == "" {
		username = Config.UnknownUserPrefix + ltiID
	}
	first := params.Get(lti.ParamGivenName)
	last := params.Get(lti.ParamFamilyName)
	name := params.Get(lti.ParamFullName)
	if name == "" {
		name = strings.TrimSpace(first + " " + last)
	}
	if name == "" {
		name = username
	}

	user := new(User)
	if err := meddler.QueryRow(tx, user, `SELECT * FROM users WHERE lti_id = ?`, ltiID); err != nil {
		if err != sql.ErrNoRows {
			return nil, loggedErrorf("db error loading user %q: %v", ltiID, err)
		}
		log.Printf("creating new user %s (%s)", username, ltiID)
		user = &User{
			LtiID:     ltiID,
			CreatedAt: now,
		}
	}

	user.Username = username
	user.Name = name
	user.FirstName = first
	user.LastName = last
	if email := params.Get(lti.ParamEmail); email != "" {
		user.Email = email
	}
	user.UpdatedAt = now
	user.LastSignedInAt = now
	if err := meddler.Save(tx, "users", user); err != nil {
		return nil, loggedErrorf("db error saving user %s: %v", username, err)
	}
	return user, nil
}
