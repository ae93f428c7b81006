package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"winiswin/pkg/crypto"
)

// Auth - middleware для аутентификации запросов к ops-API
//
// Проверяет bearer-токен из заголовка Authorization против bcrypt-хеша,
// заданного в конфигурации (API_TOKEN_HASH). Сам токен нигде не хранится,
// сравнение идёт через bcrypt (constant-time).
//
// Если хеш пустой, auth отключен - режим локальной разработки.
//
// Использование:
//
//	api := router.PathPrefix("/api/v1").Subrouter()
//	api.Use(middleware.Auth(cfg.API.TokenHash))
func Auth(tokenHash string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenHash == "" {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if !crypto.TokenMatches(token, tokenHash) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
