package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/getsentry/sentry-go"

	"store-api/internal/media"
)

const passwordRuleMessage = "password must be between 6 and 72 bytes"

const (
	maxJSONBodyBytes   = 1 << 20
	maxAvatarBytes     = 5 << 20
	minPasswordLength  = 6
	maxPasswordLength  = 72 // bcrypt input limit, in bytes
	maxNameLength      = 100
	multipartMemoryCap = 8 << 20
)

type Handler struct {
	service *Service
	cookies CookieConfig
	now     func() time.Time
}

func NewHandler(service *Service, cookies CookieConfig) *Handler {
	return &Handler{service: service, cookies: cookies, now: service.now}
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type providerLoginRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	Password    string `json:"password"`
	NewPassword string `json:"new_password"`
}

type roleRequest struct {
	Name string `json:"name"`
}

// Register accepts JSON or a multipart form with an optional "avatar" image.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var (
		body  registerRequest
		input RegisterInput
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, maxAvatarBytes+maxJSONBodyBytes)
		if err := r.ParseMultipartForm(multipartMemoryCap); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		body = registerRequest{
			Name:     r.FormValue("name"),
			Email:    r.FormValue("email"),
			Password: r.FormValue("password"),
		}

		avatar, err := media.ReadImage(r, "avatar", maxAvatarBytes)
		switch {
		case err == nil:
			input.Avatar = avatar.Data
			input.AvatarContentType = avatar.ContentType
		case errors.Is(err, media.ErrImageMissing):
		case errors.Is(err, media.ErrImageTooLarge):
			writeError(w, http.StatusBadRequest, "avatar is too large")
			return
		case errors.Is(err, media.ErrNotAnImage):
			writeError(w, http.StatusBadRequest, "avatar must be an image")
			return
		default:
			writeError(w, http.StatusBadRequest, "failed to read avatar")
			return
		}
	} else if !decodeJSON(w, r, &body) {
		return
	}

	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" || !utf8.ValidString(body.Name) || len(body.Name) > maxNameLength {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !validEmail(body.Email) {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	if !validPassword(body.Password) {
		writeError(w, http.StatusBadRequest, passwordRuleMessage)
		return
	}

	input.Name, input.Email, input.Password = body.Name, body.Email, body.Password
	details, err := h.service.Register(r.Context(), input)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	writeMessage(w, http.StatusCreated, "user registered successfully", details)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if !validEmail(body.Email) {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	if !validPassword(body.Password) {
		writeError(w, http.StatusBadRequest, passwordRuleMessage)
		return
	}

	tokens, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	h.cookies.setTokens(w, tokens)
	writeMessage(w, http.StatusOK, "user login successful", nil)
}

// ProviderRedirect sends the browser to the provider consent screen and pins
// the OAuth state in a short-lived cookie.
func (h *Handler) ProviderRedirect(w http.ResponseWriter, r *http.Request) {
	url, state, err := h.service.ProviderAuthURL()
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	h.cookies.setOAuthState(w, state)
	http.Redirect(w, r, url, http.StatusFound)
}

// ProviderLogin exchanges an authorization code. When the flow was started by
// ProviderRedirect the state cookie must match the submitted state.
func (h *Handler) ProviderLogin(w http.ResponseWriter, r *http.Request) {
	var body providerLoginRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if cookie, err := r.Cookie(OAuthStateCookie); err == nil {
		h.cookies.clearOAuthState(w)
		if cookie.Value == "" || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(body.State)) != 1 {
			writeError(w, http.StatusBadRequest, "invalid google login")
			return
		}
	}

	tokens, err := h.service.ProviderLogin(r.Context(), body.Code)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	h.cookies.setTokens(w, tokens)
	writeMessage(w, http.StatusOK, "google login successful", nil)
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body tokenRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.VerifyEmail(r.Context(), body.Token); err != nil {
		h.writeAuthError(w, err)
		return
	}

	writeMessage(w, http.StatusOK, "email verified successfully", nil)
}

func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if !validEmail(body.Email) {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), body.Email); err != nil {
		h.writeAuthError(w, err)
		return
	}

	writeMessage(w, http.StatusOK, "if the account exists, a reset code has been sent", nil)
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if !validPassword(body.NewPassword) {
		writeError(w, http.StatusBadRequest, passwordRuleMessage)
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		h.writeAuthError(w, err)
		return
	}

	writeMessage(w, http.StatusOK, "password reset successfully", nil)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.service.Refresh(r.Context(), refreshTokenFrom(r))
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	h.cookies.setTokens(w, tokens)
	writeMessage(w, http.StatusOK, "access token refreshed", nil)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "access denied, token missing")
		return
	}

	if err := h.service.Logout(r.Context(), identity); err != nil {
		h.writeAuthError(w, err)
		return
	}

	h.cookies.clear(w)
	writeMessage(w, http.StatusOK, "user logged out successfully", nil)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "access denied, token missing")
		return
	}

	var body changePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if !validPassword(body.Password) || !validPassword(body.NewPassword) {
		writeError(w, http.StatusBadRequest, passwordRuleMessage)
		return
	}

	if err := h.service.ChangePassword(r.Context(), identity, body.Password, body.NewPassword); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusBadRequest, "current password is incorrect")
			return
		}
		h.writeAuthError(w, err)
		return
	}

	writeMessage(w, http.StatusOK, "password changed successfully", nil)
}

func (h *Handler) Details(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "access denied, token missing")
		return
	}

	details, err := h.service.AccountDetails(r.Context(), identity)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	writeMessage(w, http.StatusOK, "user retrieved successfully", details)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "access denied, token missing")
		return
	}

	writeMessage(w, http.StatusOK, "user is logged in", identity)
}

func (h *Handler) AddRole(w http.ResponseWriter, r *http.Request) {
	var body roleRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" || len(body.Name) > 50 {
		writeError(w, http.StatusBadRequest, "role name is required")
		return
	}

	role, err := h.service.CreateRole(r.Context(), body.Name)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	writeMessage(w, http.StatusCreated, "role created successfully", role)
}

func (h *Handler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	writeMessage(w, http.StatusOK, "roles retrieved successfully", roles)
}

// writeAuthError never distinguishes unknown accounts from wrong passwords;
// an active lockout is reported explicitly.
func (h *Handler) writeAuthError(w http.ResponseWriter, err error) {
	var locked ErrAccountLocked
	switch {
	case errors.As(err, &locked):
		retryAfter := int(math.Ceil(locked.Until.Sub(h.now()).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusLocked, "account is blocked, try again later")
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, ErrPasswordTooLong):
		writeError(w, http.StatusBadRequest, passwordRuleMessage)
	case errors.Is(err, ErrNoPasswordSet):
		writeError(w, http.StatusBadRequest, "please login with google or reset your password")
	case errors.Is(err, ErrEmailNotVerified):
		writeError(w, http.StatusForbidden, "please verify your email before logging in")
	case errors.Is(err, ErrAccountInactive):
		writeError(w, http.StatusForbidden, "account is inactive")
	case errors.Is(err, ErrAccountExists):
		writeError(w, http.StatusConflict, "user already exists")
	case errors.Is(err, ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, ErrRoleExists):
		writeError(w, http.StatusConflict, "role with this name already exists")
	case errors.Is(err, ErrInvalidOneTimeToken):
		writeError(w, http.StatusBadRequest, "invalid or expired token")
	case errors.Is(err, ErrTokenMissing):
		writeError(w, http.StatusUnauthorized, "no refresh token provided")
	case errors.Is(err, ErrRefreshTokenInvalid):
		writeError(w, http.StatusUnauthorized, "invalid or expired refresh token")
	case errors.Is(err, ErrProviderDisabled):
		writeError(w, http.StatusNotFound, "google login is not enabled")
	case errors.Is(err, ErrProviderRejected):
		writeError(w, http.StatusBadRequest, "invalid google login")
	case errors.Is(err, ErrUnavailable):
		sentry.CaptureException(err)
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func validEmail(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(value)
	return err == nil && addr.Address == value
}

func validPassword(value string) bool {
	return len(value) >= minPasswordLength && len(value) <= maxPasswordLength
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}

func writeMessage(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, map[string]any{"success": true, "message": message, "data": data})
}
