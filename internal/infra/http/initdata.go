package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// WebAppAuthMiddleware проверяет initData по токену бота.
func WebAppAuthMiddleware(botToken string) func(http.Handler) http.Handler {
	secret := webAppSecret(botToken)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			initData := r.URL.Query().Get("init_data")
			if initData == "" {
				http.Error(w, "init_data отсутствует", http.StatusUnauthorized)
				return
			}
			if !validateInitData(initData, secret) {
				http.Error(w, "подпись недействительна", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// webAppSecret выводит ключ подписи initData: HMAC-SHA256 от токена бота
// с ключом "WebAppData".
func webAppSecret(botToken string) []byte {
	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write([]byte(botToken))
	return mac.Sum(nil)
}

// validateInitData сверяет подпись initData. Строка проверки собирается из
// всех пар кроме hash, отсортированных по ключу и разделённых переводом
// строки, со значениями в раскодированном виде.
func validateInitData(initData string, secret []byte) bool {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return false
	}
	gotHash := values.Get("hash")
	if gotHash == "" {
		return false
	}
	values.Del("hash")

	lines := make([]string, 0, len(values))
	for key, vals := range values {
		for _, v := range vals {
			lines = append(lines, key+"="+v)
		}
	}
	sort.Strings(lines)

	h := hmac.New(sha256.New, secret)
	h.Write([]byte(strings.Join(lines, "\n")))
	expected, err := hex.DecodeString(gotHash)
	if err != nil {
		return false
	}
	return hmac.Equal(h.Sum(nil), expected)
}

// WriteError отправляет JSON с ошибкой.
func WriteError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(fmt.Sprintf(`{"error":"%s"}`, err.Error())))
}
