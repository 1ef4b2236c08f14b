package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

type ctxKey int

const initDataUserKey ctxKey = iota

// InitDataUser — подмножество полей user из initData мини-приложения.
type InitDataUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// WebAppAuthMiddleware проверяет initData по токену бота и кладёт
// пользователя в контекст запроса.
func WebAppAuthMiddleware(botToken string) func(http.Handler) http.Handler {
	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write([]byte(botToken))
	secret := mac.Sum(nil)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			initData := r.URL.Query().Get("init_data")
			if initData == "" {
				initData = r.Header.Get("X-Telegram-Init-Data")
			}
			if initData == "" {
				WriteError(w, http.StatusUnauthorized, "init_data отсутствует")
				return
			}
			user, err := validateInitData(initData, secret)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, "подпись недействительна")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), initDataUserKey, user)))
		})
	}
}

// AdminOnlyMiddleware пропускает только пользователей из списка
// администраторов. Должен стоять после WebAppAuthMiddleware.
func AdminOnlyMiddleware(isAdmin func(int64) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok || !isAdmin(user.ID) {
				WriteError(w, http.StatusForbidden, "доступ только администраторам")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserFromContext возвращает пользователя, проверенного по initData.
func UserFromContext(ctx context.Context) (InitDataUser, bool) {
	user, ok := ctx.Value(initDataUserKey).(InitDataUser)
	return user, ok
}

func validateInitData(initData string, secret []byte) (InitDataUser, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return InitDataUser{}, err
	}
	signature := values.Get("hash")
	if signature == "" {
		return InitDataUser{}, errors.New("нет подписи")
	}

	pairs := make([]string, 0, len(values))
	for key := range values {
		if key == "hash" {
			continue
		}
		pairs = append(pairs, key+"="+values.Get(key))
	}
	sort.Strings(pairs)

	h := hmac.New(sha256.New, secret)
	h.Write([]byte(strings.Join(pairs, "\n")))
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return InitDataUser{}, err
	}
	if !hmac.Equal(h.Sum(nil), expected) {
		return InitDataUser{}, errors.New("подпись не совпала")
	}

	var user InitDataUser
	if raw := values.Get("user"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &user); err != nil {
			return InitDataUser{}, err
		}
	}
	return user, nil
}
