package gateway

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"

	"agentd/internal/domain"
)

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title>
<style>body{font-family:sans-serif;margin:4em auto;max-width:32em}</style></head>
<body><h1>{{.Title}}</h1><p>{{.Message}}</p></body></html>
`))

type callbackView struct {
	Title   string
	Message string
}

// handleCallback completes a provider's OAuth authorization. It carries no
// gateway token: the single-use state parameter binds it to the pending
// authorization.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	class, name, providerID := r.PathValue("class"), r.PathValue("name"), r.PathValue("provider")
	resource := class + "/" + name
	q := r.URL.Query()
	s.metrics.Callbacks.Add(1)

	if e := q.Get("error"); e != "" {
		msg := e
		if d := q.Get("error_description"); d != "" {
			msg += ": " + d
		}
		s.callbackDone(w, r, resource, providerID, http.StatusBadRequest, fmt.Errorf("authorization denied: %s", msg))
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		s.callbackDone(w, r, resource, providerID, http.StatusBadRequest, errors.New("missing code or state"))
		return
	}

	// Only actors that already exist can have a pending authorization.
	a, err := s.host.Lookup(r.Context(), class, name)
	if err != nil {
		s.callbackDone(w, r, resource, providerID, statusFor(err), err)
		return
	}
	conn, err := a.HandleCallback(r.Context(), providerID, code, state)
	if err == nil && conn.State == domain.ProviderFailed {
		err = fmt.Errorf("provider %s failed after authorization: %s", providerID, conn.Error)
	}
	if err != nil {
		s.callbackDone(w, r, resource, providerID, statusFor(err), err)
		return
	}
	s.callbackDone(w, r, resource, providerID, http.StatusOK, nil)
}

func (s *Server) callbackDone(w http.ResponseWriter, r *http.Request, resource, providerID string, status int, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		s.metrics.CallbackErrors.Add(1)
		s.logger.Warn("oauth callback failed", "actor", resource, "provider", providerID, "error", err, "code", domain.ErrorCodeOf(err))
	} else {
		s.logger.Info("oauth callback completed", "actor", resource, "provider", providerID)
	}
	s.recordAudit(r.Context(), domain.AuditOAuthCallback, "", resource, "callback:"+providerID, outcome)

	if target := s.callbackRedirect(providerID, err); target != "" {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	view := callbackView{Title: "Authorization complete", Message: "You can close this window."}
	if err != nil {
		view = callbackView{Title: "Authorization failed", Message: err.Error()}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	callbackPage.Execute(w, view)
}

// callbackRedirect builds the configured success or error URL, or returns
// "" when none is set for this outcome.
func (s *Server) callbackRedirect(providerID string, err error) string {
	base := s.cfg.SuccessURL
	if err != nil {
		base = s.cfg.ErrorURL
	}
	if base == "" {
		return ""
	}
	u, perr := url.Parse(base)
	if perr != nil {
		return ""
	}
	q := u.Query()
	q.Set("provider", providerID)
	if err != nil {
		q.Set("error", err.Error())
	}
	u.RawQuery = q.Encode()
	return u.String()
}
