package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type LoginHandler struct {
	store  AdminStore
	key    []byte
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

func NewLoginHandler(store AdminStore, signingKey []byte, logger zerolog.Logger) *LoginHandler {
	return &LoginHandler{
		store:  store,
		key:    signingKey,
		ttl:    DefaultTokenTTL,
		logger: logger.With().Str("component", "admin-login").Logger(),
		now:    time.Now,
	}
}

func (h *LoginHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/admin/login", h.Login)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

func (h *LoginHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	user, err := h.store.GetByUsername(c.Request().Context(), req.Username)
	if err != nil && !errors.Is(err, ErrAdminNotFound) {
		return err
	}
	if user == nil || !checkPassword(user.PasswordHash, req.Password) {
		h.logger.Warn().Str("username", req.Username).Str("remote_ip", c.RealIP()).Msg("failed admin login")
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid credentials")
	}

	token, err := IssueToken(h.key, user.Username, h.ttl, h.now())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, loginResponse{Token: token, Username: user.Username})
}
