package web

import (
	"fmt"
	"html/template"
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Pages renders the OAuth callback outcome pages from embedded templates.
type Pages struct {
	success *template.Template
	failure *template.Template
}

// NewPages parses the embedded outcome templates.
func NewPages(filesystem fs.FS) (*Pages, error) {
	success, successErr := template.ParseFS(filesystem, "oauth_success.html")
	if successErr != nil {
		return nil, fmt.Errorf("web.pages.success: %w", successErr)
	}
	failure, failureErr := template.ParseFS(filesystem, "oauth_failure.html")
	if failureErr != nil {
		return nil, fmt.Errorf("web.pages.failure: %w", failureErr)
	}
	return &Pages{success: success, failure: failure}, nil
}

// Success writes the connected page.
func (pages *Pages) Success(contextGin *gin.Context, username string) {
	contextGin.Status(http.StatusOK)
	contextGin.Header("Content-Type", "text/html; charset=utf-8")
	_ = pages.success.Execute(contextGin.Writer, gin.H{"Username": username})
}

// Failure writes the retry page with the given status code.
func (pages *Pages) Failure(contextGin *gin.Context, status int, message string) {
	contextGin.Status(status)
	contextGin.Header("Content-Type", "text/html; charset=utf-8")
	_ = pages.failure.Execute(contextGin.Writer, gin.H{"Message": message})
}
