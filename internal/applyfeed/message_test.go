package applyfeed

import (
	"errors"
	"strings"
	"testing"
)

const validPayload = `{"From":"a@b.com","To":"x@y.com","Subject":"Application - Role","TextBody":"thanks for applying","HtmlBody":"<p>thanks</p>","Date":"2024-01-01","MessageID":" m1 "}`

func TestNormalizePayloadStrict(t *testing.T) {
	msg, err := NormalizePayload([]byte(validPayload))
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if msg.From != "a@b.com" || msg.To != "x@y.com" || msg.Subject != "Application - Role" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.MessageID != "m1" {
		t.Fatalf("expected trimmed message id m1, got %q", msg.MessageID)
	}
}

func TestNormalizePayloadRepairsMissingFinalBrace(t *testing.T) {
	raw := strings.TrimSuffix(validPayload, "}")
	msg, err := NormalizePayload([]byte(raw))
	if err != nil {
		t.Fatalf("expected truncated object to be repaired, got %v", err)
	}
	if msg.Date != "2024-01-01" || msg.MessageID != "m1" {
		t.Fatalf("unexpected repaired message: %+v", msg)
	}
}

func TestNormalizePayloadRepairsTruncatedAttachments(t *testing.T) {
	raw := `{"From":"a@b.com","To":"x@y.com","Subject":"Offer","TextBody":"see attached","HtmlBody":"<p>see attached</p>","Date":"2024-02-01",` +
		`"Attachments":[{"Name":"offer.pdf","ContentType":"application/pdf","ContentLength":2048}`
	msg, err := NormalizePayload([]byte(raw))
	if err != nil {
		t.Fatalf("expected truncated attachments to be repaired, got %v", err)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Name != "offer.pdf" || msg.Attachments[0].ContentLength != 2048 {
		t.Fatalf("unexpected attachments: %+v", msg.Attachments)
	}
}

func TestNormalizePayloadRejectsUnrepairable(t *testing.T) {
	cases := map[string]string{
		"not json":      "hello there",
		"open string":   `{"From":"a@b.com","To":"x@y`,
		"unknown array": `{"From":"a@b.com","Labels":["one"`,
		"empty":         "",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NormalizePayload([]byte(raw))
			if err == nil {
				t.Fatalf("expected malformed error")
			}
			var parseErr *ParseError
			if !errors.As(err, &parseErr) || parseErr.Kind != ParseMalformed {
				t.Fatalf("expected malformed parse error, got %v", err)
			}
			if !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("expected errors.Is ErrInvalidPayload")
			}
		})
	}
}

func TestNormalizePayloadMissingFields(t *testing.T) {
	_, err := NormalizePayload([]byte(`{"From":"a@b.com","To":"","Subject":"Hi","HtmlBody":"<p>hi</p>"}`))
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected parse error, got %v", err)
	}
	if parseErr.Kind != ParseMissingFields {
		t.Fatalf("expected missing fields kind, got %s", parseErr.Kind)
	}
	want := []string{"To", "TextBody", "Date"}
	if strings.Join(parseErr.Fields, ",") != strings.Join(want, ",") {
		t.Fatalf("expected fields %v, got %v", want, parseErr.Fields)
	}
	if parseErr.Error() != "Missing required fields: To, TextBody, Date" {
		t.Fatalf("unexpected message: %q", parseErr.Error())
	}
}

func TestRepairTruncatedJSONLeavesCompleteTextAlone(t *testing.T) {
	if _, ok := repairTruncatedJSON(`{"a":1}`); ok {
		t.Fatalf("expected no repair for balanced text")
	}
	repaired, ok := repairTruncatedJSON(`{"Headers":[{"Name":"X","Value":"a]}"}`)
	if !ok {
		t.Fatalf("expected repair")
	}
	if repaired != `{"Headers":[{"Name":"X","Value":"a]}"}]}` {
		t.Fatalf("unexpected repair: %s", repaired)
	}
}
