package lti

import (
	"net/http"
	"net/url"
	"strings"
)

// Launch parameter names used by the tool.
const (
	ParamMessageType       = "lti_message_type"
	ParamUserID            = "user_id"
	ParamRoles             = "roles"
	ParamContextID         = "context_id"
	ParamContextTitle      = "context_title"
	ParamResourceLinkID    = "resource_link_id"
	ParamResourceLinkTitle = "resource_link_title"
	ParamOutcomeServiceURL = "lis_outcome_service_url"
	ParamResultSourcedID   = "lis_result_sourcedid"
	ParamPersonSourcedID   = "lis_person_sourcedid"
	ParamGivenName         = "lis_person_name_given"
	ParamFamilyName        = "lis_person_name_family"
	ParamFullName          = "lis_person_name_full"
	ParamEmail             = "lis_person_contact_email_primary"
	ParamConsumerKey       = "oauth_consumer_key"
	ParamDisplayName       = "custom_component_display_name"
	ParamDueDate           = "custom_component_due_date"

	MessageTypeLaunch = "basic-lti-launch-request"
)

// AdministrativeRoles are the host roles that make a user a course administrator.
var AdministrativeRoles = []string{"Instructor", "Administrator"}

// IsLaunch reports whether a request is an initial LTI launch.
func IsLaunch(r *http.Request, params url.Values) bool {
	return r.Method == http.MethodPost && params.Get(ParamMessageType) == MessageTypeLaunch
}

// ParseRoles splits a comma-separated roles parameter,
// reducing URN roles such as urn:lti:role:ims/lis/Instructor to their final segment.
func ParseRoles(s string) []string {
	var roles []string
	for _, elt := range strings.Split(s, ",") {
		elt = strings.TrimSpace(elt)
		if elt == "" {
			continue
		}
		if slash := strings.LastIndex(elt, "/"); slash >= 0 {
			elt = elt[slash+1:]
		} else if colon := strings.LastIndex(elt, ":"); colon >= 0 {
			elt = elt[colon+1:]
		}
		if elt != "" {
			roles = append(roles, elt)
		}
	}
	return roles
}

// HasAdministrativeRole reports whether any of the roles is administrative.
func HasAdministrativeRole(roles []string) bool {
	for _, role := range roles {
		for _, admin := range AdministrativeRoles {
			if role == admin {
				return true
			}
		}
	}
	return false
}
