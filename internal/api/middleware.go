// 本文件用于 API 的跨域与令牌校验
package api

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"sensor-gateway/internal/models"
)

// authDisabledEnv 显式关闭令牌校验，便于本地调试
const authDisabledEnv = "API_AUTH_DISABLED"

// withCORS 未配置白名单时回显任意来源，配置后只放行白名单
func withCORS(cfg *models.Config, next http.Handler) http.Handler {
	allowed := splitOrigins(cfg.APICORSOrigins)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if len(allowed) > 0 && !allowed[origin] {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "origin not allowed"})
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func splitOrigins(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimRight(strings.TrimSpace(part), "/"); part != "" {
			out[part] = true
		}
	}
	return out
}

// withAPIAuth 要求 Authorization: Bearer <token>
func withAPIAuth(cfg *models.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := resolveAuthToken(cfg)
		if token == "" || isAuthDisabled() {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// resolveAuthToken 未替换的 ${VAR} 占位符视为未配置
func resolveAuthToken(cfg *models.Config) string {
	if cfg == nil {
		return ""
	}
	token := strings.TrimSpace(cfg.APIAuthToken)
	if strings.HasPrefix(token, "${") && strings.HasSuffix(token, "}") {
		return ""
	}
	return token
}

func isAuthDisabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(authDisabledEnv))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
