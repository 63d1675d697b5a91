package handler

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/trellis-works/trellis/internal/storage"
	"github.com/trellis-works/trellis/internal/value"
)

// addError appends a structured entry to the response errors array.
func (rq *request) addError(kind, token, message string) {
	if rq.errs == nil {
		rq.errs = value.List()
	}
	e := value.NewDict()
	if kind != "" {
		e.Set("kind", value.String(kind))
	}
	if token != "" {
		e.Set("token", value.String(token))
	}
	e.Set("message", value.String(message))
	rq.errs.Append(e)
}

// note records a diagnostic line, emitted in the envelope's debug
// array when the debug flag is on.
func (rq *request) note(format string, args ...any) {
	if !rq.h.d.Config.Debug {
		return
	}
	if rq.debug == nil {
		rq.debug = value.List()
	}
	rq.debug.Append(value.String(fmt.Sprintf(format, args...)))
}

// writeEnvelope emits the response envelope:
// {date, delta?, cursor?, result, OK, errors?, debug?}.
func (rq *request) writeEnvelope(status int, result *value.Value, cursor *storage.Cursor, deltaMicros int64) {
	env := value.NewDict()
	env.Set("date", value.String(time.Now().UTC().Format(http.TimeFormat)))
	if deltaMicros > 0 {
		env.Set("delta", value.Int(deltaMicros))
	}
	if c := cursorValue(cursor); c != nil {
		env.Set("cursor", c)
	}
	if result == nil {
		result = value.Null()
	}
	env.Set("result", result)
	env.Set("OK", value.Bool(status < http.StatusBadRequest))
	if rq.errs != nil {
		env.Set("errors", rq.errs)
	}
	if rq.debug != nil {
		env.Set("debug", rq.debug)
	}

	body, err := env.MarshalJSON()
	if err != nil {
		log.Printf("handler: encode envelope: %v", err)
		http.Error(rq.w, "encoding failure", http.StatusInternalServerError)
		return
	}
	rq.w.Header().Set("Content-Type", "application/json")
	rq.w.WriteHeader(status)
	rq.w.Write(body)
}

// writeError emits the envelope for a failed request.
func (rq *request) writeError(status int) {
	rq.writeEnvelope(status, value.Null(), nil, 0)
}

// cursorValue renders the paging cursor when a continue token was
// produced.
func cursorValue(c *storage.Cursor) *value.Value {
	if c == nil || c.Field == "" {
		return nil
	}
	out := value.NewDict()
	if c.Start != nil {
		out.Set("start", c.Start)
	}
	if c.End != nil {
		out.Set("end", c.End)
	}
	out.Set("total", value.Int(c.Total))
	out.Set("count", value.Int(int64(c.Count)))
	out.Set("field", value.String(c.Field))
	if c.Next != "" {
		out.Set("next", value.String(c.Next))
	}
	if c.Prev != "" {
		out.Set("prev", value.String(c.Prev))
	}
	return out
}
