package http

import (
	"net/http"
	"time"

	"github.com/litree/labsos/internal/domain/user"
	"github.com/litree/labsos/internal/middleware"
	"github.com/litree/labsos/internal/service"
)

func (h *Handlers) requestMeta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}

func (h *Handlers) setRefreshCookie(w http.ResponseWriter, raw string, maxAge time.Duration) {
	sameSite := http.SameSiteLaxMode
	switch h.Cfg.Auth.CookieSameSite {
	case "strict":
		sameSite = http.SameSiteStrictMode
	case "none":
		sameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.Cfg.Auth.CookieName,
		Value:    raw,
		Path:     "/api/v1/auth",
		Domain:   h.Cfg.Auth.CookieDomain,
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.Cfg.Auth.CookieSecure,
		SameSite: sameSite,
	})
}

func (h *Handlers) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.Cfg.Auth.CookieName,
		Value:    "",
		Path:     "/api/v1/auth",
		Domain:   h.Cfg.Auth.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.Cfg.Auth.CookieSecure,
	})
}

// refreshToken reads the rotating token from the HttpOnly cookie, falling
// back to the request body for non-browser clients.
func (h *Handlers) refreshToken(r *http.Request, body string) string {
	if c, err := r.Cookie(h.Cfg.Auth.CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return body
}

type devLoginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	Role       string `json:"role,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
}

type loginResponse struct {
	User          *user.User `json:"user"`
	AccessToken   string     `json:"access_token"`
	AccessExpires time.Time  `json:"access_expires"`
	SessionID     string     `json:"session_id"`
}

// DevLogin issues a token pair for local development. Disabled unless
// auth.dev_login is set.
func (h *Handlers) DevLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[devLoginRequest](w, r)
	if !ok {
		return
	}
	res, refresh, err := h.Auth.DevLogin(r.Context(), req.Email, req.Password, user.Role(req.Role), req.DeviceName, h.requestMeta(r))
	if err != nil {
		writeDomainError(w, err, "login failed")
		return
	}

	h.setRefreshCookie(w, refresh, h.Cfg.Auth.RefreshTokenTTL)
	writeJSON(w, http.StatusOK, loginResponse{
		User:          res.User,
		AccessToken:   res.AccessToken,
		AccessExpires: res.AccessExpires,
		SessionID:     res.SessionID,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Refresh rotates the refresh token and mints a new access token. The old
// refresh token is single-use; presenting it twice revokes the session.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if r.Body != nil && r.ContentLength != 0 {
		if req, ok := readJSON[refreshRequest](w, r); ok {
			body = req
		} else {
			return
		}
	}
	raw := h.refreshToken(r, body.RefreshToken)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "missing refresh token")
		return
	}

	res, refresh, err := h.Auth.Refresh(r.Context(), raw, h.requestMeta(r))
	if err != nil {
		h.clearRefreshCookie(w)
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	h.setRefreshCookie(w, refresh, h.Cfg.Auth.RefreshTokenTTL)
	writeJSON(w, http.StatusOK, loginResponse{
		User:          res.User,
		AccessToken:   res.AccessToken,
		AccessExpires: res.AccessExpires,
		SessionID:     res.SessionID,
	})
}

// Logout revokes the session, its refresh tokens, and denylists the
// presented access token's jti.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	var body refreshRequest
	if r.Body != nil && r.ContentLength != 0 {
		if req, ok := readJSON[refreshRequest](w, r); ok {
			body = req
		} else {
			return
		}
	}
	raw := h.refreshToken(r, body.RefreshToken)

	if err := h.Auth.Logout(r.Context(), raw, claims, h.requestMeta(r)); err != nil {
		writeInternalError(w, err)
		return
	}
	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// Me returns the authenticated principal's claims.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": claims.Subject,
		"role":    claims.Role,
		"perms":   claims.Perms,
	})
}
