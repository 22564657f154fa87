package v1

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agency-portal-backend/internal/delivery/http/middleware"
	"agency-portal-backend/internal/delivery/http/response"
	"agency-portal-backend/internal/domain"
	"agency-portal-backend/internal/session"
	"agency-portal-backend/pkg/apperror"
	"agency-portal-backend/pkg/logger"
	"agency-portal-backend/pkg/security"
	"agency-portal-backend/pkg/validation"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	tracker     *security.LoginTracker
	secLog      *security.SecurityLogger
	waitTimeout time.Duration
}

// NewAuthHandler registers the auth routes. limited wraps the credential
// endpoints with the strict rate limiter.
func NewAuthHandler(group *gin.RouterGroup, limited gin.HandlerFunc, tracker *security.LoginTracker, secLog *security.SecurityLogger) {
	handler := &AuthHandler{
		tracker:     tracker,
		secLog:      secLog,
		waitTimeout: 10 * time.Second,
	}

	authGroup := group.Group("/auth")
	{
		authGroup.GET("/state", handler.State)
		authGroup.POST("/login", limited, handler.Login)
		authGroup.POST("/register", limited, handler.Register)
		authGroup.POST("/logout", handler.Logout)
		authGroup.POST("/refresh", handler.Refresh)
		authGroup.PATCH("/profile", handler.UpdateProfile)
		authGroup.POST("/forgot-password", limited, handler.ForgotPassword)
		authGroup.POST("/verify-recovery", limited, handler.VerifyRecovery)
		authGroup.POST("/update-password", handler.UpdatePassword)
	}
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	Name     string `json:"name" binding:"omitempty,max=100,no_emoji,valid_name"`
}

type UpdateProfileRequest struct {
	FullName *string `json:"full_name" binding:"omitempty,max=100,no_emoji,valid_name"`
	Phone    *string `json:"phone" binding:"omitempty,valid_phone"`
	Company  *string `json:"company" binding:"omitempty,max=120,no_emoji"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type VerifyRecoveryRequest struct {
	Email string `json:"email" binding:"required,email"`
	Token string `json:"token" binding:"required,min=6,max=10"`
}

type UpdatePasswordRequest struct {
	Password string `json:"password" binding:"required,min=6"`
}

type SessionInfo struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StateResponse is the client-visible auth context. Tokens stay server side.
type StateResponse struct {
	Session         *SessionInfo          `json:"session"`
	User            *domain.UserView      `json:"user"`
	Loading         bool                  `json:"loading"`
	IsAuthenticated bool                  `json:"is_authenticated"`
	IsAdmin         bool                  `json:"is_admin"`
	Version         uint64                `json:"version"`
	RedirectTo      string                `json:"redirect_to,omitempty"`
	Notifications   []domain.Notification `json:"notifications"`
}

// State godoc
// @Summary      Current auth state
// @Description  Returns the session, user view and loading flag for this browser, then drains pending notifications and the pending redirect. With wait=true the call blocks until loading settles.
// @Tags         auth
// @Produce      json
// @Param        wait  query     bool  false  "Block until loading is false"
// @Success      200   {object}  response.Response{data=StateResponse}
// @Failure      503   {object}  response.Response
// @Router       /auth/state [get]
func (h *AuthHandler) State(c *gin.Context) {
	client := middleware.ClientFrom(c)
	if client == nil {
		c.Error(session.ErrProviderUnavailable)
		return
	}

	auth := session.FromContext(c.Request.Context())
	st := auth.State()
	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.waitTimeout)
		defer cancel()
		var err error
		if st, err = auth.WaitIdle(ctx); err != nil {
			c.Error(apperror.New(http.StatusGatewayTimeout, "Auth state is still loading. Please retry.", err))
			return
		}
	}

	resp := StateResponse{
		User:            st.User,
		Loading:         st.Loading,
		IsAuthenticated: st.Session != nil,
		IsAdmin:         st.User != nil && st.User.IsAdmin,
		Version:         st.Version,
		RedirectTo:      client.Routes.Take(),
		Notifications:   client.Notifications.Drain(),
	}
	if st.Session != nil {
		resp.Session = &SessionInfo{UserID: st.Session.User.ID, ExpiresAt: st.Session.ExpiresAt}
	}
	if resp.Notifications == nil {
		resp.Notifications = []domain.Notification{}
	}

	response.Success(c, http.StatusOK, "Auth state", resp)
}

// Login godoc
// @Summary      Sign in
// @Description  Signs in with email and password. The resulting state arrives through GET /auth/state.
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        login  body      LoginRequest  true  "Credentials"
// @Success      200    {object}  response.Response
// @Failure      401    {object}  response.Response
// @Failure      429    {object}  response.Response
// @Router       /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	sreq := securityRequest(c)

	retry, err := h.tracker.IsBlocked(ctx, req.Email)
	if err != nil {
		// Fail open.
		logger.Log.Warn("login tracker unavailable", "error", err)
	}
	if retry > 0 {
		h.secLog.LogAuth(ctx, security.EventLoginBlocked, req.Email, sreq, nil)
		c.Header("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
		c.Error(apperror.New(http.StatusTooManyRequests, "Too many failed attempts. Please try again later.", nil))
		return
	}

	if err := session.FromContext(ctx).SignIn(ctx, req.Email, req.Password); err != nil {
		if apperror.IsKind(err, apperror.KindInvalidCredentials) {
			if _, trackErr := h.tracker.RecordFailedAttempt(ctx, req.Email, sreq); trackErr != nil {
				logger.Log.Warn("login tracker unavailable", "error", trackErr)
			}
		}
		c.Error(err)
		return
	}

	_ = h.tracker.ClearAttempts(ctx, req.Email)
	h.secLog.LogAuth(ctx, security.EventLoginSuccess, req.Email, sreq, nil)
	response.Success(c, http.StatusOK, "Signed in", nil)
}

// Register godoc
// @Summary      Sign up
// @Description  Creates an account. When email confirmation is required no session is established.
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        register  body      RegisterRequest  true  "Registration details"
// @Success      201       {object}  response.Response
// @Failure      400       {object}  response.Response
// @Failure      409       {object}  response.Response
// @Router       /auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()

	if err := session.FromContext(ctx).SignUp(ctx, req.Email, req.Password, req.Name); err != nil {
		c.Error(err)
		return
	}
	h.secLog.LogAuth(ctx, security.EventSignup, req.Email, securityRequest(c), nil)
	response.Success(c, http.StatusCreated, "Account created", nil)
}

// Logout godoc
// @Summary      Sign out
// @Tags         auth
// @Produce      json
// @Success      200  {object}  response.Response
// @Failure      502  {object}  response.Response
// @Router       /auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	auth := session.FromContext(ctx)

	var email string
	if u := auth.State().User; u != nil {
		email = u.Email
	}
	if err := auth.SignOut(ctx); err != nil {
		c.Error(err)
		return
	}
	if email != "" {
		h.secLog.LogAuth(ctx, security.EventLogout, email, securityRequest(c), nil)
	}
	response.Success(c, http.StatusOK, "Signed out", nil)
}

// Refresh godoc
// @Summary      Rebuild the user view
// @Description  Refetches the profile row. Failures surface as notifications only.
// @Tags         auth
// @Produce      json
// @Success      200  {object}  response.Response
// @Router       /auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	ctx := c.Request.Context()
	if err := session.FromContext(ctx).RefreshUser(ctx); err != nil {
		c.Error(err)
		return
	}
	response.Success(c, http.StatusOK, "User refreshed", nil)
}

// UpdateProfile godoc
// @Summary      Update profile
// @Description  Persists a partial profile and merges it into the user view. Omitted fields are unchanged.
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        profile  body      UpdateProfileRequest  true  "Profile fields"
// @Success      200      {object}  response.Response
// @Failure      400      {object}  response.Response
// @Failure      401      {object}  response.Response
// @Router       /auth/profile [patch]
func (h *AuthHandler) UpdateProfile(c *gin.Context) {
	var req UpdateProfileRequest
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()

	update := domain.ProfileUpdate{FullName: req.FullName, Phone: req.Phone, Company: req.Company}
	if err := session.FromContext(ctx).UpdateProfile(ctx, update); err != nil {
		c.Error(err)
		return
	}
	response.Success(c, http.StatusOK, "Profile updated", nil)
}

// ForgotPassword godoc
// @Summary      Request a password reset
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        request  body      ForgotPasswordRequest  true  "Email"
// @Success      200      {object}  response.Response
// @Router       /auth/forgot-password [post]
func (h *AuthHandler) ForgotPassword(c *gin.Context) {
	var req ForgotPasswordRequest
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()

	if err := session.FromContext(ctx).RequestPasswordReset(ctx, req.Email); err != nil {
		c.Error(err)
		return
	}
	h.secLog.LogAuth(ctx, security.EventPasswordReset, req.Email, securityRequest(c), nil)
	response.Success(c, http.StatusOK, "If an account exists for this email, a reset link is on its way.", nil)
}

// VerifyRecovery godoc
// @Summary      Verify a recovery code
// @Description  Exchanges the emailed code for a recovery session and redirects to the password update page.
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        request  body      VerifyRecoveryRequest  true  "Email and code"
// @Success      200      {object}  response.Response
// @Failure      401      {object}  response.Response
// @Router       /auth/verify-recovery [post]
func (h *AuthHandler) VerifyRecovery(c *gin.Context) {
	var req VerifyRecoveryRequest
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()

	if err := session.FromContext(ctx).VerifyRecovery(ctx, req.Email, req.Token); err != nil {
		c.Error(err)
		return
	}
	response.Success(c, http.StatusOK, "Code verified", nil)
}

// UpdatePassword godoc
// @Summary      Set a new password
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        request  body      UpdatePasswordRequest  true  "New password"
// @Success      200      {object}  response.Response
// @Failure      400      {object}  response.Response
// @Failure      401      {object}  response.Response
// @Router       /auth/update-password [post]
func (h *AuthHandler) UpdatePassword(c *gin.Context) {
	var req UpdatePasswordRequest
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()

	if err := session.FromContext(ctx).UpdatePassword(ctx, req.Password); err != nil {
		c.Error(err)
		return
	}
	var email string
	if u := session.FromContext(ctx).State().User; u != nil {
		email = u.Email
	}
	h.secLog.LogAuth(ctx, security.EventPasswordChange, email, securityRequest(c), nil)
	response.Success(c, http.StatusOK, "Password updated", nil)
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.Error(apperror.BadRequest(strings.Join(validation.FormatValidationErrors(err), "; ")))
		return false
	}
	return true
}

func securityRequest(c *gin.Context) security.Request {
	id, _ := c.Get("RequestID")
	reqID, _ := id.(string)
	return security.Request{IP: c.ClientIP(), UserAgent: c.GetHeader("User-Agent"), RequestID: reqID}
}
