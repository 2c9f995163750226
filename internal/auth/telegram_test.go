package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"crashout/internal/apperr"
)

const testBotToken = "12345:test-bot-token"

// signInitData produces a payload the way Telegram's client does, so the
// validator can be exercised without a live bot.
func signInitData(t *testing.T, botToken string, fields map[string]string) string {
	t.Helper()

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+fields[k])
	}

	secretMAC := hmac.New(sha256.New, []byte("WebAppData"))
	secretMAC.Write([]byte(botToken))
	secret := secretMAC.Sum(nil)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.Join(lines, "\n")))
	hash := hex.EncodeToString(mac.Sum(nil))

	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	values.Set("hash", hash)
	return values.Encode()
}

func validFields() map[string]string {
	return map[string]string{
		"auth_date": fmt.Sprintf("%d", time.Now().Unix()),
		"user":      `{"id":777,"first_name":"Test","username":"testplayer"}`,
	}
}

func TestValidateInitData_Valid(t *testing.T) {
	initData := signInitData(t, testBotToken, validFields())

	user, err := ValidateInitData(initData, testBotToken)
	if err != nil {
		t.Fatalf("ValidateInitData: %v", err)
	}
	if user.ID != 777 {
		t.Errorf("user id = %d, want 777", user.ID)
	}
	if user.DisplayName() != "testplayer" {
		t.Errorf("display name = %q, want testplayer", user.DisplayName())
	}
}

func TestValidateInitData_WrongSignature(t *testing.T) {
	initData := signInitData(t, "999:wrong-token", validFields())

	if _, err := ValidateInitData(initData, testBotToken); !apperr.Is(err, apperr.Unauthenticated) {
		t.Errorf("error = %v, want Unauthenticated", err)
	}
}

func TestValidateInitData_TamperedUser(t *testing.T) {
	fields := validFields()
	initData := signInitData(t, testBotToken, fields)

	// Swap the user payload after signing.
	tampered := strings.Replace(initData, url.QueryEscape(fields["user"]),
		url.QueryEscape(`{"id":1,"first_name":"Mallory"}`), 1)

	if _, err := ValidateInitData(tampered, testBotToken); !apperr.Is(err, apperr.Unauthenticated) {
		t.Errorf("error = %v, want Unauthenticated", err)
	}
}

func TestValidateInitData_Expired(t *testing.T) {
	fields := validFields()
	fields["auth_date"] = fmt.Sprintf("%d", time.Now().Add(-48*time.Hour).Unix())
	initData := signInitData(t, testBotToken, fields)

	if _, err := ValidateInitData(initData, testBotToken); !apperr.Is(err, apperr.Unauthenticated) {
		t.Errorf("error = %v, want Unauthenticated", err)
	}
}

func TestValidateInitData_MissingHash(t *testing.T) {
	if _, err := ValidateInitData("user=%7B%22id%22%3A1%7D", testBotToken); !apperr.Is(err, apperr.InvalidArgument) {
		t.Errorf("error = %v, want InvalidArgument", err)
	}
}

func TestValidateInitData_NoBotToken(t *testing.T) {
	initData := signInitData(t, testBotToken, validFields())
	if _, err := ValidateInitData(initData, ""); !apperr.Is(err, apperr.FailedPrecondition) {
		t.Errorf("error = %v, want FailedPrecondition", err)
	}
}

func TestDisplayName_Fallbacks(t *testing.T) {
	tests := []struct {
		name string
		user TelegramUser
		want string
	}{
		{name: "username wins", user: TelegramUser{ID: 1, Username: "neo", FirstName: "Thomas"}, want: "neo"},
		{name: "full name", user: TelegramUser{ID: 1, FirstName: "Thomas", LastName: "Anderson"}, want: "Thomas Anderson"},
		{name: "id fallback", user: TelegramUser{ID: 42}, want: "tg_42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.user.DisplayName(); got != tt.want {
				t.Errorf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}
