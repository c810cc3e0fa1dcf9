package http

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/twinclawhq/twinclaw/internal/signing"
)

// maxBodyBytes caps signed request bodies.
const maxBodyBytes = 1 << 20

// signed verifies the X-Signature header over the raw body before the
// handler runs, and hands the handler a rewound body. GET endpoints sign the
// empty payload.
func (s *Server) signed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeErr(w, r, http.StatusBadRequest, kindValidation, "unreadable request body")
			return
		}
		if len(raw) > maxBodyBytes {
			writeErr(w, r, http.StatusRequestEntityTooLarge, kindValidation, "request body too large")
			return
		}

		if err := signing.Verify(s.secret, r.Header.Get(signing.Header), raw); err != nil {
			switch {
			case errors.Is(err, signing.ErrNoSecret):
				writeErr(w, r, http.StatusServiceUnavailable, kindUnavailable, "signing secret not configured")
			case errors.Is(err, signing.ErrMismatch):
				writeErr(w, r, http.StatusForbidden, kindAuth, "signature mismatch")
			default:
				writeErr(w, r, http.StatusUnauthorized, kindAuth, err.Error())
			}
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(raw))
		next(w, r)
	}
}
