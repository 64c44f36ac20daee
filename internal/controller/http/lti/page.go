package lti

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/quipper/poc/lti/grader/internal/grading"
	"github.com/quipper/poc/lti/grader/internal/launch"
	"github.com/quipper/poc/lti/grader/pkg/common/logger"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTmpl = template.Must(template.New("project.html").Funcs(template.FuncMap{
	"deref": func(f *float64) float64 {
		if f == nil {
			return 0
		}
		return *f
	},
}).ParseFS(templateFS, "templates/project.html"))

type pageData struct {
	Title           string
	Notice          string
	Error           string
	SessionActive   bool
	Learner         string
	Course          string
	Resource        string
	Submission      grading.Submission
	Result          *grading.Result
	ScoreSent       bool
	ShowScoreButton bool
	Retry           bool
	HasReturn       bool
	Relaunch        bool
	Closed          bool
}

// sessionPage fills the page from the session. The score button is offered only when
// reporting is manual and the current grade has not been delivered.
func (h *Handler) sessionPage(sess *launch.Session) pageData {
	d := pageData{Title: "Project submission", SessionActive: true}
	if c := sess.Claims; c != nil {
		d.Learner = firstNonEmpty(c.Name, c.GivenName, c.Email)
		if c.Context != nil {
			d.Course = firstNonEmpty(c.Context.Title, c.Context.Label)
		}
		d.Resource = c.ResourceLink.Title
		d.HasReturn = c.ReturnURL() != ""
	}
	if sess.Submission != nil {
		d.Submission = *sess.Submission
	}
	d.Result = sess.LastResult
	if sess.Grade != nil {
		d.ScoreSent = sess.AlreadyReported(*sess.Grade)
		d.ShowScoreButton = !d.ScoreSent && !h.opts.AutoReport && sess.Claims != nil && sess.Claims.CanPostScore()
	}
	return d
}

func (h *Handler) render(w http.ResponseWriter, status int, d pageData) {
	var buf bytes.Buffer
	if err := pageTmpl.Execute(&buf, d); err != nil {
		logger.Error("render page: %v", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) renderRelaunch(w http.ResponseWriter, status int, msg string) {
	h.render(w, status, pageData{Title: "Session not available", Error: msg, Relaunch: true})
}
