package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"crashout/internal/apperr"
)

// TelegramUser is the identity payload carried in validated init data.
type TelegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// DisplayName picks the best available handle.
func (u *TelegramUser) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	return fmt.Sprintf("tg_%d", u.ID)
}

const initDataMaxAge = 24 * time.Hour

// ValidateInitData verifies a Telegram WebApp init-data payload against the
// bot token before trusting any field in it. The signature chain is the one
// Telegram publishes: secret = HMAC-SHA256("WebAppData", botToken), then
// hash = HMAC-SHA256(secret, sorted key=value lines).
func ValidateInitData(initData, botToken string) (*TelegramUser, error) {
	if botToken == "" {
		return nil, apperr.New(apperr.FailedPrecondition, "telegram authentication is not configured")
	}

	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, "malformed init data", err)
	}

	gotHash := values.Get("hash")
	if gotHash == "" {
		return nil, apperr.New(apperr.InvalidArgument, "init data missing hash")
	}
	values.Del("hash")

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}
	checkString := strings.Join(lines, "\n")

	secretMAC := hmac.New(sha256.New, []byte("WebAppData"))
	secretMAC.Write([]byte(botToken))
	secret := secretMAC.Sum(nil)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(checkString))
	wantHash := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(wantHash), []byte(gotHash)) {
		return nil, apperr.New(apperr.Unauthenticated, "init data signature mismatch")
	}

	if authDate := values.Get("auth_date"); authDate != "" {
		ts, err := strconv.ParseInt(authDate, 10, 64)
		if err != nil {
			return nil, apperr.Wrap(apperr.InvalidArgument, "malformed auth_date", err)
		}
		if time.Since(time.Unix(ts, 0)) > initDataMaxAge {
			return nil, apperr.New(apperr.Unauthenticated, "init data expired")
		}
	}

	userJSON := values.Get("user")
	if userJSON == "" {
		return nil, apperr.New(apperr.InvalidArgument, "init data missing user")
	}
	var user TelegramUser
	if err := json.Unmarshal([]byte(userJSON), &user); err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, "malformed user payload", err)
	}
	if user.ID == 0 {
		return nil, apperr.New(apperr.InvalidArgument, "user payload missing id")
	}
	return &user, nil
}
