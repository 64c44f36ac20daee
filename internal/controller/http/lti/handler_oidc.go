package lti

import (
	"net/http"
	"strings"

	"github.com/quipper/poc/lti/grader/internal/identity"
	"github.com/quipper/poc/lti/grader/internal/launch"
	"github.com/quipper/poc/lti/grader/pkg/common/logger"
)

// login handles the OIDC third-party initiated login and redirects to the Platform's auth endpoint.
// Parameters may come in the query string or a form body.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	req := identity.LoginRequest{
		Issuer:         strings.TrimSpace(r.Form.Get("iss")),
		ClientID:       strings.TrimSpace(r.Form.Get("client_id")),
		TargetLinkURI:  r.Form.Get("target_link_uri"),
		LoginHint:      r.Form.Get("login_hint"),
		LTIMessageHint: r.Form.Get("lti_message_hint"),
		DeploymentID:   r.Form.Get("lti_deployment_id"),
	}
	logger.Debug("login: method=%s iss=%s client_id=%s target=%s", r.Method, req.Issuer, req.ClientID, req.TargetLinkURI)

	redirect, err := h.launches.InitiateLogin(r.Context(), req)
	if err != nil {
		switch launch.Classify(err) {
		case launch.KindSecurity:
			logSecurityReject(r, "login", err)
			http.Error(w, "platform not registered", http.StatusUnauthorized)
		case launch.KindInput:
			logger.Info("login: bad request: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			logger.Error("login: %v", err)
			http.Error(w, "login failed", http.StatusInternalServerError)
		}
		return
	}
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

func logSecurityReject(r *http.Request, step string, err error) {
	logger.With(
		"security_reject", step,
		"remote", r.RemoteAddr,
		"path", r.URL.Path,
	).Warnf("security reject: %v", err)
}
