package lti

import (
	"errors"
	"net/http"

	"github.com/quipper/poc/lti/grader/internal/launch"
	"github.com/quipper/poc/lti/grader/pkg/common/logger"
)

// launchCallback receives the id_token form_post from the Platform, starts the session
// and redirects to the project page so a browser refresh does not replay the post.
func (h *Handler) launchCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	if e := r.PostForm.Get("error"); e != "" {
		logSecurityReject(r, "launch", errors.New("platform returned "+e+": "+r.PostForm.Get("error_description")))
		h.renderRelaunch(w, http.StatusUnauthorized, "The platform did not authorize this launch.")
		return
	}

	sess, err := h.launches.CompleteLaunch(r.Context(), r.PostForm.Get("id_token"), r.PostForm.Get("state"))
	if err != nil {
		if launch.Classify(err) == launch.KindSecurity {
			logSecurityReject(r, "launch", err)
			h.renderRelaunch(w, http.StatusUnauthorized, "The launch could not be verified.")
			return
		}
		logger.Error("launch: %v", err)
		h.renderRelaunch(w, http.StatusInternalServerError, "Something went wrong while starting your session.")
		return
	}
	h.setSessionCookie(w, sess.ID)
	http.Redirect(w, r, "/project/submit", http.StatusSeeOther)
}

func (h *Handler) projectPage(w http.ResponseWriter, r *http.Request) {
	sess, err := h.activeSession(r)
	if err != nil {
		h.sessionError(w, err)
		return
	}
	h.render(w, http.StatusOK, h.sessionPage(sess))
}

// sessionError answers requests whose session could not be loaded.
func (h *Handler) sessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, launch.ErrNoActiveSession) {
		logger.Debug("session: %v", err)
		h.renderRelaunch(w, http.StatusUnauthorized, "Your session has expired or already ended.")
		return
	}
	logger.Error("session: %v", err)
	h.renderRelaunch(w, http.StatusInternalServerError, "Your session could not be loaded.")
}
