package offline

import (
	"encoding/json"
	"net/http"

	"languagepal-offline/pkg/cache"
)

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="200" viewBox="0 0 200 200">` +
	`<rect width="200" height="200" fill="#212529"/>` +
	`<text x="50%" y="50%" dominant-baseline="middle" text-anchor="middle" fill="#6c757d">` +
	`Offline` +
	`</text>` +
	`</svg>`

const DefaultOfflineMessage = "You are offline. Please check your connection and try again."

func placeholderImage(req *http.Request) *http.Response {
	h := http.Header{}
	h.Set("Content-Type", "image/svg+xml")
	return cache.NewEntry(http.StatusOK, h, []byte(placeholderSVG)).Response(req)
}

type offlineError struct {
	Error string `json:"error"`
}

func offlineJSON(req *http.Request, message string) *http.Response {
	body, _ := json.Marshal(offlineError{Error: message})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return cache.NewEntry(http.StatusOK, h, body).Response(req)
}
