package validation

import (
	"strings"
	"testing"
)

func TestValidateLogin_AcceptsNormalCredentials(t *testing.T) {
	if err := ValidateLogin(LoginInput{Username: "ayse", Password: "correct-horse"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateLogin_RejectsBadInput(t *testing.T) {
	cases := map[string]LoginInput{
		"empty username":    {Username: "", Password: "x"},
		"empty password":    {Username: "ayse", Password: ""},
		"oversize username": {Username: strings.Repeat("a", 65), Password: "x"},
		"oversize password": {Username: "ayse", Password: strings.Repeat("a", 257)},
		"control chars":     {Username: "ayse\x00", Password: "x"},
		"script tag":        {Username: "<script>alert(1)</script>", Password: "x"},
		"sql comment":       {Username: "admin'--", Password: "x"},
	}
	for name, in := range cases {
		if err := ValidateLogin(in); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestValidateChatMessage(t *testing.T) {
	if err := ValidateChatMessage("merhaba, nasılsın?\nikinci satır", 4096); err != nil {
		t.Errorf("normal message rejected: %v", err)
	}
	if err := ValidateChatMessage("", 4096); err == nil {
		t.Error("empty message accepted")
	}
	if err := ValidateChatMessage(strings.Repeat("a", 100), 64); err == nil {
		t.Error("oversize message accepted")
	}
	if err := ValidateChatMessage("bell\x07char", 4096); err == nil {
		t.Error("control character accepted")
	}
}
