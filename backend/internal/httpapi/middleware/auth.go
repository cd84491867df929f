package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DevUserHeader 未配置鉴权服务时（本地开发、测试）直接信任的身份头
const DevUserHeader = "X-User-Id"

const verifyTimeout = 1200 * time.Millisecond

type verifyErrResp struct {
	Error string `json:"error"`
}

// VerifyClaims 鉴权服务 /v1/auth/verify 的响应。userId 可能是数字也可能是字符串
type VerifyClaims struct {
	UserID   json.RawMessage `json:"userId"`
	Username string          `json:"username"`
	Type     string          `json:"type"` // "access"
}

func (c VerifyClaims) userID() string {
	raw := strings.TrimSpace(string(c.UserID))
	if raw == "" || raw == "null" {
		return ""
	}
	if s, err := strconv.Unquote(raw); err == nil {
		return s
	}
	return raw
}

// AuthMiddleware 校验令牌并把 userId（string）写入 gin.Context。
// authBaseURL 不要带路径：比如 http://localhost:3001，这里自己拼 "/v1/auth/verify"。
// authBaseURL 为空时退化为信任 X-User-Id 头或 ?userId=。
func AuthMiddleware(authBaseURL string, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(authBaseURL) == "" {
		logger.Warn("auth verify url not configured, trusting " + DevUserHeader)
		return devIdentity
	}

	client := &http.Client{}
	verifyURL := strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify"

	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 浏览器的 WebSocket 无法自定义 Header，允许从 ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "Authorization header is missing or invalid")
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), verifyTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader([]byte("{}")))
		if err != nil {
			abort(c, http.StatusInternalServerError, "INTERNAL", "build verify request failed")
			return
		}
		req.Header.Set("Authorization", "Bearer "+tokenString)
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			// 包含超时：context deadline exceeded
			logger.Warn("auth verify request failed", zap.String("url", verifyURL), zap.Error(err))
			abort(c, http.StatusBadGateway, "AUTH_UPSTREAM_ERROR", "auth-service verify failed")
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			var e verifyErrResp
			_ = json.NewDecoder(resp.Body).Decode(&e)
			msg := e.Error
			if msg == "" {
				msg = "invalid token"
			}
			abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", msg)
			return
		}
		if resp.StatusCode != http.StatusOK {
			logger.Warn("auth verify non-200", zap.Int("status", resp.StatusCode))
			abort(c, http.StatusBadGateway, "AUTH_UPSTREAM_ERROR", "auth-service verify non-200")
			return
		}

		var claims VerifyClaims
		if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
			abort(c, http.StatusBadGateway, "AUTH_UPSTREAM_ERROR", "invalid verify response")
			return
		}
		if claims.Type != "" && claims.Type != "access" {
			abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "access token required")
			return
		}
		userID := claims.userID()
		if userID == "" {
			abort(c, http.StatusBadGateway, "AUTH_UPSTREAM_ERROR", "verify response without userId")
			return
		}

		c.Set("userId", userID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

func devIdentity(c *gin.Context) {
	userID := strings.TrimSpace(c.GetHeader(DevUserHeader))
	if userID == "" {
		userID = strings.TrimSpace(c.Query("userId"))
	}
	if userID == "" {
		abort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "missing "+DevUserHeader)
		return
	}
	c.Set("userId", userID)
	c.Next()
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": msg})
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	// "Bearer" 前缀大小写不敏感
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
