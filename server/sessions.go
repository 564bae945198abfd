package main

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/securecookie"
	. "github.com/sgalti/sga/types"
)

// CookieSession is the signed session cookie.
// CourseRoles caches the role resolved at the most recent launch of each course,
// keyed by course ID in decimal.
type CookieSession struct {
	ExpiresAt   time.Time
	UserID      int64
	CourseRoles map[string]Role
	path        string
}

func NewSession(id int64) *CookieSession {
	lifetime := Config.SessionLifetime
	if lifetime <= 0 {
		lifetime = 12 * time.Hour
	}
	return &CookieSession{
		ExpiresAt:   time.Now().Add(lifetime),
		UserID:      id,
		CourseRoles: make(map[string]Role),
		path:        "/",
	}
}

func GetSession(r *http.Request) (*CookieSession, error) {
	now := time.Now()

	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, fmt.Errorf("unable to read session cookie")
	}

	// decode and verify signature
	session := new(CookieSession)
	secure := securecookie.New([]byte(Config.SessionSecret), nil)
	secure.MaxAge(0)
	if err = secure.Decode(CookieName, cookie.Value, session); err != nil {
		return nil, fmt.Errorf("unable to decode session cookie")
	}

	// check expiration
	if session.ExpiresAt.Before(now) {
		return nil, fmt.Errorf("session is expired; launch the assignment again to continue")
	}

	// sanity check
	if session.UserID < 1 {
		return nil, fmt.Errorf("session does not contain a legal user ID field")
	}
	if session.CourseRoles == nil {
		session.CourseRoles = make(map[string]Role)
	}
	session.path = "/"

	return session, nil
}

// CourseRole returns the cached role for a course, or RoleNone.
// Roles this version does not know about are treated as RoleNone.
func (session *CookieSession) CourseRole(courseID int64) Role {
	if role, ok := session.CourseRoles[strconv.FormatInt(courseID, 10)]; ok && role.Valid() {
		return role
	}
	return RoleNone
}

func (session *CookieSession) SetCourseRole(courseID int64, role Role) {
	if session.CourseRoles == nil {
		session.CourseRoles = make(map[string]Role)
	}
	session.CourseRoles[strconv.FormatInt(courseID, 10)] = role
}

func (session *CookieSession) Save(w http.ResponseWriter) string {
	// encode and sign
	secure := securecookie.New([]byte(Config.SessionSecret), nil)
	secure.MaxAge(0)
	encoded, err := secure.Encode(CookieName, session)
	if err != nil {
		loggedHTTPErrorf(w, http.StatusInternalServerError, "creating session: %v", err)
		return ""
	}

	cookie := &http.Cookie{
		Name:     CookieName,
		Value:    encoded,
		Path:     session.path,
		Expires:  session.ExpiresAt,
		MaxAge:   int(time.Until(session.ExpiresAt).Seconds()),
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteNoneMode,
	}
	http.SetCookie(w, cookie)
	return fmt.Sprintf("%s=%s", CookieName, encoded)
}

func (session *CookieSession) Delete(w http.ResponseWriter) {
	epoch := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	cookie := &http.Cookie{
		Name:    CookieName,
		Value:   "deleted",
		Path:    session.path,
		Expires: epoch,
		MaxAge:  -1,
		Secure:  true,
	}
	http.SetCookie(w, cookie)
}
