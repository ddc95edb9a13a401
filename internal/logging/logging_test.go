package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewWithWriter_TagsProjectAndComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "ab12cd34ef56", "server")
	l.Print("listening")

	out := buf.String()
	if !strings.Contains(out, "[ab12cd34ef56] server: listening") {
		t.Errorf("expected tagged line, got %q", out)
	}
}

func TestNewBadger_DropsInfoAndDebug(t *testing.T) {
	bl := NewBadger("ab12cd34ef56", "db").(badgerLogger)
	var buf bytes.Buffer
	bl.l = NewWithWriter(&buf, "ab12cd34ef56", "db")

	bl.Infof("noise %d", 1)
	bl.Debugf("noise %d", 2)
	if buf.Len() != 0 {
		t.Errorf("info/debug must be dropped, got %q", buf.String())
	}

	bl.Errorf("broke: %v", "disk")
	if !strings.Contains(buf.String(), "ERROR broke: disk") {
		t.Errorf("expected tagged error line, got %q", buf.String())
	}
}
