package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	applog "ragbase/internal/platform/log"
)

// JWTConfig JWT 鉴权配置
type JWTConfig struct {
	Secret string // HMAC 签名密钥
	Issuer string // 可选签发者校验
}

// Scope 一次请求的租户作用域，由鉴权中间件从 JWT claims 构造。
// 下游 handler 只信任 Scope，不再触碰原始 token。
type Scope struct {
	TenantID string
	Subject  string
	Roles    []string
}

type scopeContextKey struct{}

// WithScope 把 Scope 挂到 context
func WithScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// ScopeFrom 取出请求的 Scope，未鉴权的 context 返回 false。
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(scopeContextKey{}).(*Scope)
	return scope, ok && scope != nil
}

// MustScopeFrom 仅用于挂在鉴权中间件之后的路由
func MustScopeFrom(ctx context.Context) *Scope {
	scope, ok := ScopeFrom(ctx)
	if !ok {
		panic("scope missing from context: auth middleware not applied?")
	}
	return scope
}

// authMiddleware JWT 鉴权中间件。
// 验证 Authorization: Bearer <token> 并把 tenant 作用域注入 context。
func authMiddleware(cfg *JWTConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid Authorization header format")
				return
			}
			tokenStr := parts[1]

			parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
			if cfg.Issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
			}

			token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return []byte(cfg.Secret), nil
			}, parserOpts...)

			if err != nil || !token.Valid {
				applog.Warn("[Auth] Invalid JWT token", "error", err)
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid token claims")
				return
			}

			tenantID, _ := claims["tenant_id"].(string)
			subject, _ := claims["sub"].(string)
			if tenantID == "" {
				writeErrorCode(w, http.StatusForbidden, "forbidden_scope", "Missing tenant_id in token")
				return
			}

			var roles []string
			if rolesRaw, ok := claims["roles"].([]interface{}); ok {
				for _, r := range rolesRaw {
					if s, ok := r.(string); ok {
						roles = append(roles, s)
					}
				}
			}

			scope := &Scope{
				TenantID: tenantID,
				Subject:  subject,
				Roles:    roles,
			}
			ctx := WithScope(r.Context(), scope)

			applog.Debug("[Auth] Scope injected", "tenant_id", tenantID, "subject", subject)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeErrorCode 带错误码的统一错误响应
func writeErrorCode(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"code":%d,"error":"%s","message":"%s"}`, status, code, message)
}
