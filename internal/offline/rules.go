package offline

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

var (
	scriptPattern = regexp.MustCompile(`\.js$`)
	imagePattern  = regexp.MustCompile(`\.(jpg|jpeg|png|gif|svg)$`)
)

// Rules classifies outbound requests.
type Rules struct {
	// APIMarker is the path segment that identifies API calls, e.g. "/api/".
	APIMarker string
}

// IsScript reports whether u names a script. Scripts always go to the network.
func (r Rules) IsScript(u *url.URL) bool {
	return scriptPattern.MatchString(u.Path)
}

func (r Rules) IsAPI(u *url.URL) bool {
	return r.APIMarker != "" && strings.Contains(u.Path, r.APIMarker)
}

func (r Rules) IsImage(u *url.URL) bool {
	return imagePattern.MatchString(strings.ToLower(u.Path))
}

// acceptsHTML reports whether the request asks for an HTML document.
func acceptsHTML(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// IsNavigation reports whether req is a page load: it accepts HTML and is not an API call.
func (r Rules) IsNavigation(req *http.Request) bool {
	return acceptsHTML(req) && !r.IsAPI(req.URL)
}
