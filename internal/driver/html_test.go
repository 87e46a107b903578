package driver

import (
	"reflect"
	"strings"
	"testing"
)

func TestFlattenHTML(t *testing.T) {
	doc := `<!doctype html>
<html>
<head><title>Chat</title><style>.x{}</style></head>
<body>
  <nav aria-hidden="true">Menu</nav>
  <article><p>You said:</p><p>ping</p></article>
  <article>
    <p>pong <b>back</b></p>
    <script>var leaked = 1;</script>
    <div hidden>draft</div>
  </article>
</body>
</html>`

	got, err := FlattenHTML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("FlattenHTML failed: %v", err)
	}
	want := []string{"You said:", "ping", "pong", "back"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FlattenHTML = %q, want %q", got, want)
	}
}

func TestFlattenHTML_Empty(t *testing.T) {
	got, err := FlattenHTML(strings.NewReader(""))
	if err != nil {
		t.Fatalf("FlattenHTML failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no text, got %q", got)
	}
}
