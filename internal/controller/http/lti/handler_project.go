package lti

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/quipper/poc/lti/grader/internal/grading"
	"github.com/quipper/poc/lti/grader/internal/launch"
	"github.com/quipper/poc/lti/grader/internal/score"
	"github.com/quipper/poc/lti/grader/pkg/common/logger"
)

// readSubmission accepts source_url/deployed_url and the older github/heroku names.
func readSubmission(r *http.Request) (grading.Submission, bool) {
	sub := grading.Submission{
		SourceURL:   strings.TrimSpace(firstNonEmpty(r.PostForm.Get("source_url"), r.PostForm.Get("github"))),
		DeployedURL: strings.TrimSpace(firstNonEmpty(r.PostForm.Get("deployed_url"), r.PostForm.Get("heroku"))),
	}
	_, hasSrc := r.PostForm["source_url"]
	_, hasDep := r.PostForm["deployed_url"]
	_, hasGithub := r.PostForm["github"]
	_, hasHeroku := r.PostForm["heroku"]
	return sub, hasSrc || hasDep || hasGithub || hasHeroku
}

func (h *Handler) submission(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	sub, _ := readSubmission(r)
	if _, err := h.launches.RecordSubmission(r.Context(), h.sessionID(r), sub); err != nil {
		h.sessionError(w, err)
		return
	}
	http.Redirect(w, r, "/project/submit", http.StatusSeeOther)
}

// grading grades the submission in the form (or the stored one) and, when auto reporting
// is on, sends a changed passing grade to the Platform.
func (h *Handler) grading(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	sess, err := h.activeSession(r)
	if err != nil {
		h.sessionError(w, err)
		return
	}

	// A submission from the form is saved together with its result, so an aborted
	// request leaves the session as it was.
	sub, present := readSubmission(r)
	var formSub *grading.Submission
	switch {
	case present:
		formSub = &sub
	case sess.Submission != nil:
		sub = *sess.Submission
	}

	res := h.grader.Grade(r.Context(), sub)
	if err := r.Context().Err(); err != nil {
		logger.Debug("grading: request cancelled: %v", err)
		return
	}
	if sess, err = h.launches.RecordGrade(r.Context(), sess.ID, formSub, res); err != nil {
		h.sessionError(w, err)
		return
	}

	d := h.sessionPage(sess)
	switch {
	case res.IsInputError():
		d.Error = res.StatusDetail
	case !res.Passed():
		d.Error = "Your deployment could not be reached. Check that it is running and grade again."
	case h.opts.AutoReport:
		h.reportAndRender(w, r, sess, res, false)
		return
	}
	h.render(w, http.StatusOK, d)
}

// score sends the stored grade explicitly, used for manual reporting and retries.
func (h *Handler) score(w http.ResponseWriter, r *http.Request) {
	sess, err := h.activeSession(r)
	if err != nil {
		h.sessionError(w, err)
		return
	}
	h.reportAndRender(w, r, sess, storedResult(sess), true)
}

// storedResult rebuilds a passing result from the session's grade, since a later
// failed re-grade does not clear it.
func storedResult(sess *launch.Session) grading.Result {
	if sess.LastResult != nil && sess.LastResult.Passed() {
		return *sess.LastResult
	}
	if sess.Grade == nil {
		return grading.Result{Error: true}
	}
	g := *sess.Grade
	return grading.Result{Grade: &g, Status: grading.StatusOK, StatusDetail: "deployment reachable"}
}

func (h *Handler) reportAndRender(w http.ResponseWriter, r *http.Request, sess *launch.Session, res grading.Result, explicit bool) {
	updated, err := h.reporter.Report(r.Context(), sess, res)
	if err == nil {
		d := h.sessionPage(updated)
		d.Notice = "Your score has been sent to your course."
		h.render(w, http.StatusOK, d)
		return
	}

	d := h.sessionPage(sess)
	status := http.StatusOK
	switch {
	case errors.Is(err, score.ErrAlreadyReported):
		d.Notice = "Your score is already recorded."
		if explicit {
			status = http.StatusConflict
		}
	case errors.Is(err, score.ErrScoringUnavailable):
		d.Notice = "This assignment does not accept scores from the tool."
		d.ShowScoreButton = false
	case errors.Is(err, score.ErrNotGraded):
		d.Error = "Grade your submission before sending a score."
		d.ShowScoreButton = false
	default:
		switch score.Classify(err) {
		case launch.KindExternal:
			logger.Warn("score: %v", err)
			status = http.StatusBadGateway
			d.Error = "Your grade could not be sent to your course."
			d.ShowScoreButton = true
			d.Retry = true
		case launch.KindSession:
			h.sessionError(w, err)
			return
		default:
			logger.Error("score: %v", err)
			status = http.StatusInternalServerError
			d.Error = "Something went wrong while sending your score."
		}
	}
	h.render(w, status, d)
}

func (h *Handler) returnToPlatform(w http.ResponseWriter, r *http.Request) {
	ret, err := h.launches.EndSession(r.Context(), h.sessionID(r))
	h.clearSessionCookie(w)
	if err != nil {
		h.sessionError(w, err)
		return
	}
	if u, perr := url.Parse(ret); ret == "" || perr != nil || (u.Scheme != "https" && u.Scheme != "http") {
		h.render(w, http.StatusOK, pageData{Title: "Done", Closed: true})
		return
	}
	http.Redirect(w, r, ret, http.StatusSeeOther)
}
