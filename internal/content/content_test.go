package content

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	out := Sanitize(`hello <script>alert(1)</script> world`)
	if strings.Contains(out, "script") {
		t.Errorf("script tag survived sanitization: %q", out)
	}
	if !strings.Contains(out, "hello") || !strings.Contains(out, "world") {
		t.Errorf("plain text was stripped: %q", out)
	}
}

func TestRender(t *testing.T) {
	out, err := Render("some *emphasis* and a <img src=x onerror=alert(1)>")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(out, "<em>emphasis</em>") {
		t.Errorf("markdown emphasis not rendered: %q", out)
	}
	if strings.Contains(out, "onerror") {
		t.Errorf("event handler attribute survived: %q", out)
	}
}
