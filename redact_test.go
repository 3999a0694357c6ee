package helio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactor(t *testing.T) {
	redactor := NewRedactor()

	in := map[string]any{
		"user":     "ada",
		"Password": "hunter2",
		"nested": map[string]any{
			"api_key": "k-123",
			"items":   []any{map[string]any{"token": "t"}, "plain"},
		},
	}

	out := redactor.Redact(in)
	assert.Equal(t, map[string]any{
		"user":     "ada",
		"Password": redactedValue,
		"nested": map[string]any{
			"api_key": redactedValue,
			"items":   []any{map[string]any{"token": redactedValue}, "plain"},
		},
	}, out)
	assert.Equal(t, "hunter2", in["Password"], "input is not modified")

	custom := NewRedactor("ssn")
	assert.Equal(t, map[string]any{"ssn": redactedValue, "password": "x"},
		custom.Redact(map[string]any{"ssn": "1", "password": "x"}))

	var none *Redactor
	assert.False(t, none.sensitive("password"))
}

func TestRedactorSnapshot(t *testing.T) {
	redactor := NewRedactor()

	type credentials struct {
		Login  string `json:"login"`
		Secret string `json:"secret"`
	}

	assert.JSONEq(t, `{"login":"ada","secret":"[REDACTED]"}`,
		string(redactor.Snapshot(credentials{Login: "ada", Secret: "s3"})))
	assert.JSONEq(t, `{"a":[1,2]}`, string(redactor.Snapshot(map[string]any{"a": []int{1, 2}})))
	assert.JSONEq(t, `"plain"`, string(redactor.Snapshot("plain")))
	assert.Nil(t, redactor.Snapshot(nil))
	assert.Nil(t, redactor.Snapshot(make(chan int)))
}
