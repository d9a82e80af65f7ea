// Package lti handles LTI 1.x tool launches: parameter extraction, role
// interpretation and OAuth 1.0a signature verification.
package lti

import (
	"errors"
	"net/url"
	"strings"
)

// Launch parameter names.
const (
	ParamConsumerKey     = "oauth_consumer_key"
	ParamSignature       = "oauth_signature"
	ParamSignatureMethod = "oauth_signature_method"
	ParamTimestamp       = "oauth_timestamp"
	ParamNonce           = "oauth_nonce"
	ParamVersion         = "oauth_version"
	ParamUserID          = "custom_canvas_user_id"
	ParamCourseID        = "custom_canvas_course_id"
	ParamInstanceGUID    = "tool_consumer_instance_guid"
	ParamRoles           = "roles"
	ParamEmail           = "lis_person_contact_email_primary"
)

// ErrMissingContext is returned when a launch lacks the Canvas user or
// course id, which happens when the tool is not installed with public
// permissions or is launched outside a real course.
var ErrMissingContext = errors.New(
	"course must be a Canvas course, and launched with public permission settings",
)

// editRoles are the role names, lowercased, that may edit badge settings.
var editRoles = map[string]struct{}{
	"instructor":       {},
	"contentdeveloper": {},
	"administrator":    {},
}

// Launch is the identity and context carried by a verified launch.
type Launch struct {
	ConsumerKey    string
	UserID         string
	CourseID       string
	Email          string
	InstanceGUID   string
	EditPrivileges bool
}

// ParseLaunch extracts the launch fields from params.
func ParseLaunch(params url.Values) (*Launch, error) {
	l := &Launch{
		ConsumerKey:    params.Get(ParamConsumerKey),
		UserID:         params.Get(ParamUserID),
		CourseID:       params.Get(ParamCourseID),
		Email:          params.Get(ParamEmail),
		InstanceGUID:   params.Get(ParamInstanceGUID),
		EditPrivileges: HasEditPrivileges(params.Get(ParamRoles)),
	}

	if l.UserID == "" || l.CourseID == "" {
		return nil, ErrMissingContext
	}

	return l, nil
}

// HasEditPrivileges reports whether the comma separated roles claim
// contains an instructor, content developer or administrator role. Both
// short names and URNs such as urn:lti:instrole:ims/lis/Administrator are
// accepted, case-insensitively.
func HasEditPrivileges(roles string) bool {
	for _, role := range strings.Split(roles, ",") {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}

		if i := strings.LastIndexAny(role, "/:"); i >= 0 {
			role = role[i+1:]
		}

		if _, ok := editRoles[strings.ToLower(role)]; ok {
			return true
		}
	}

	return false
}

// HostFromGUID derives the Canvas API host from an instance guid of the
// form "<id>.<host>". It returns "" when the guid has no host part.
func HostFromGUID(guid string) string {
	_, host, ok := strings.Cut(guid, ".")
	if !ok {
		return ""
	}

	return host
}
