package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +55 11 91234 5678"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	in := "email a@b.com, cpf 123.456.789-09, card 4111 1111 1111 1111, phone +55 11 91234 5678"
	got := Text(in)
	for _, want := range []string{"[REDACTED_EMAIL]", "[REDACTED_CPF]", "[REDACTED_CARD]", "[REDACTED_PHONE]"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in %q", want, got)
		}
	}
	if strings.Contains(got, "123.456") {
		t.Fatalf("cpf leaked: %q", got)
	}
}

func TestPreviewTruncatesRunes(t *testing.T) {
	SetEnabled(false)
	if got := Preview("olá mundo", 3); got != "olá…" {
		t.Fatalf("unexpected preview %q", got)
	}
	if got := Preview("curto", 10); got != "curto" {
		t.Fatalf("unexpected preview %q", got)
	}
}
