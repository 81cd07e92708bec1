package identity

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"

	"github.com/dripcheck/dripcheck/internal/api"
	"github.com/dripcheck/dripcheck/internal/users"
)

// MaxBodyBytes bounds the request bodies the middleware buffers. Generate
// bodies carry two inline images.
const MaxBodyBytes = 64 << 20

type claimedIdentity struct {
	UserID        string `json:"userId"`
	ClaimedUserID string `json:"claimedUserId"`
}

func (c claimedIdentity) id() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.ClaimedUserID
}

// ClientIP returns the host part of RemoteAddr, or users.UnknownIP. Proxy
// headers are applied upstream by chi's RealIP middleware.
func ClientIP(r *http.Request) string {
	if r.RemoteAddr == "" {
		return users.UnknownIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return users.UnknownIP
	}
	return host
}

// ReadClaimedID extracts the self-reported user id from a JSON body and
// restores the body for the next handler.
func ReadClaimedID(r *http.Request) (string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes))
	r.Body.Close()
	if err != nil {
		return "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	if len(bytes.TrimSpace(data)) == 0 {
		return "", nil
	}

	var claimed claimedIdentity
	if err := json.Unmarshal(data, &claimed); err != nil {
		return "", err
	}
	return claimed.id(), nil
}

// Middleware resolves the calling user and stores it in the request context.
func Middleware(resolver *Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claimedID, err := ReadClaimedID(r)
			if err != nil {
				api.HandleError(w, api.NewBadRequestError("invalid request body"))
				return
			}

			user, _, err := resolver.Identify(r.Context(), claimedID, ClientIP(r), r.UserAgent())
			if err != nil {
				api.HandleError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(users.WithUser(r.Context(), user)))
		})
	}
}
