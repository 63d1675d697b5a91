package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/trellis-works/trellis/internal/value"
)

const sessionCookie = "trellis_session"

func sessionKey(token string) string { return "session:" + token }

// serveAuth handles the session endpoint: POST logs in against the
// registry's user scheme, GET reports the current principal, DELETE
// ends the session.
func (rq *request) serveAuth() {
	switch rq.r.Method {
	case http.MethodPost:
		rq.login()
	case http.MethodGet:
		rq.whoami()
	case http.MethodDelete:
		rq.logout()
	default:
		rq.addError("", rq.r.Method, "auth endpoint allows POST, GET and DELETE")
		rq.writeError(http.StatusMethodNotAllowed)
	}
}

func (rq *request) login() {
	d := rq.h.d
	us := d.Registry.Get(d.Registry.UserScheme)
	if us == nil {
		rq.addError("", "", "no user scheme registered")
		rq.writeError(http.StatusNotImplemented)
		return
	}

	rq.r.Body = http.MaxBytesReader(rq.w, rq.r.Body, d.Config.Limits.MaxVarSize)
	payload, ok := rq.readLoginPayload()
	if !ok {
		return
	}

	user, err := d.Store.AuthorizeUser(us, payload.Get("name").String(), payload.Get("password").String())
	if err != nil {
		rq.addError("", "", "authorization failed")
		rq.writeError(http.StatusForbidden)
		return
	}

	token := uuid.NewString()
	session := value.NewDict()
	session.Set("oid", value.Int(user.OID))
	session.Set("name", value.String(user.Name))
	session.Set("admin", value.Bool(user.Admin))
	ttl := time.Duration(d.Config.Limits.TokenTTLSecs) * time.Second
	d.Store.KVSet(sessionKey(token), session, ttl)

	http.SetCookie(rq.w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   d.Config.Limits.TokenTTLSecs,
		HttpOnly: true,
	})

	result := value.NewDict()
	result.Set("token", value.String(token))
	result.Set("user", session.Clone())
	rq.writeEnvelope(http.StatusOK, result, nil, 0)
}

func (rq *request) readLoginPayload() (*value.Value, bool) {
	raw, err := io.ReadAll(rq.r.Body)
	if err != nil {
		rq.fail(nil, err)
		return nil, false
	}
	v, err := value.ParseJSON(raw)
	if err != nil || v.Kind() != value.KindDict {
		rq.addError("", "", "login expects a JSON dictionary")
		rq.writeError(http.StatusBadRequest)
		return nil, false
	}
	return v, true
}

func (rq *request) whoami() {
	if rq.user == nil {
		rq.addError("", "", "no session")
		rq.writeError(http.StatusForbidden)
		return
	}
	result := value.NewDict()
	result.Set("oid", value.Int(rq.user.OID))
	result.Set("name", value.String(rq.user.Name))
	result.Set("admin", value.Bool(rq.user.Admin))
	rq.writeEnvelope(http.StatusOK, result, nil, 0)
}

func (rq *request) logout() {
	token := rq.arg("token")
	if token == "" {
		if c, err := rq.r.Cookie(sessionCookie); err == nil {
			token = c.Value
		}
	}
	if token != "" {
		rq.h.d.Store.KVClear(sessionKey(token))
	}
	http.SetCookie(rq.w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	rq.writeEnvelope(http.StatusOK, value.Bool(true), nil, 0)
}
