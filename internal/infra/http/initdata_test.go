package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
)

const testBotToken = "12345:test-token"

func signInitData(pairs map[string]string) string {
	lines := make([]string, 0, len(pairs))
	q := url.Values{}
	for k, v := range pairs {
		lines = append(lines, k+"="+v)
		q.Set(k, v)
	}
	sort.Strings(lines)
	h := hmac.New(sha256.New, webAppSecret(testBotToken))
	h.Write([]byte(strings.Join(lines, "\n")))
	q.Set("hash", hex.EncodeToString(h.Sum(nil)))
	return q.Encode()
}

func TestValidateInitDataAcceptsSigned(t *testing.T) {
	initData := signInitData(map[string]string{
		"auth_date": "1700000000",
		"query_id":  "AAHdF6IQAAAAAN0XohDhrOrc",
		"user":      `{"id":99281932,"first_name":"Иван","username":"ivan"}`,
	})
	if !validateInitData(initData, webAppSecret(testBotToken)) {
		t.Fatalf("корректно подписанный initData отвергнут")
	}
}

func TestValidateInitDataRejectsTampered(t *testing.T) {
	initData := signInitData(map[string]string{
		"auth_date": "1700000000",
		"query_id":  "AAHdF6IQAAAAAN0XohDhrOrc",
		"user":      `{"id":99281932,"first_name":"Иван"}`,
	})
	tampered := strings.Replace(initData, "99281932", "11111111", 1)
	if validateInitData(tampered, webAppSecret(testBotToken)) {
		t.Fatalf("подменённый initData принят")
	}
}

func TestValidateInitDataRejectsMissingHash(t *testing.T) {
	if validateInitData("auth_date=1700000000&user=ivan", webAppSecret(testBotToken)) {
		t.Fatalf("initData без подписи принят")
	}
}

func TestWebAppAuthMiddleware(t *testing.T) {
	var called bool
	handler := WebAppAuthMiddleware(testBotToken)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	initData := signInitData(map[string]string{
		"auth_date": "1700000000",
		"query_id":  "AAHdF6IQAAAAAN0XohDhrOrc",
		"user":      `{"id":99281932}`,
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/channels?init_data="+url.QueryEscape(initData), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if !called {
		t.Fatalf("запрос с валидной подписью не пропущен, статус %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/channels?init_data=user%3Divan%26hash%3Ddeadbeef", nil)
	rec = httptest.NewRecorder()
	called = false
	handler.ServeHTTP(rec, req)
	if called || rec.Code != http.StatusUnauthorized {
		t.Fatalf("запрос с невалидной подписью пропущен, статус %d", rec.Code)
	}
}
