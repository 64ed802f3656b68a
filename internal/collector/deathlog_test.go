package collector

import (
	"errors"
	"testing"
	"time"

	"github.com/ernie/deadside-tracker/internal/domain"
)

func TestParseDeathLineClassification(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		class    string
		killerID string
		victimID string
		weapon   string
	}{
		{"kill", "2025.01.01-00.00.00;Alice;1;Bob;2;AK47;150", domain.DeathKill, "1", "2", "AK47"},
		{"environmental empty killer", "2025.01.01-00.00.00;;;Bob;2;falling;0", domain.DeathEnvironmental, "", "2", "falling"},
		{"environmental placeholder", "2025.01.01-00.00.00;**;**;Bob;2;zombie;0", domain.DeathEnvironmental, "**", "2", "zombie"},
		{"suicide same id", "2025.01.01-00.00.00;Bob;2;Bob;2;suicide;0", domain.DeathSuicide, "2", "2", "suicide"},
		{"suicide same name", "2025.01.01-00.00.00;Bob;9;Bob;2;AK47;3", domain.DeathSuicide, "9", "2", "AK47"},
		{"suicide cause", "2025.01.01-00.00.00;Alice;1;Bob;2;Drowning;0", domain.DeathSuicide, "1", "2", "Drowning"},
		{"relocation", "2025.01.01-00.00.00;Alice;1;Bob;2;suicide_by_relocation;0", domain.DeathSuicide, "1", "2", "suicide_by_relocation"},
		{"platforms", "2025.01.01-00.00.00;Alice;1;Bob;2;SVD;12.5;PS5;XSX", domain.DeathKill, "1", "2", "SVD"},
		{"missing ids fall back to names", "2025.01.01-00.00.00;Alice;;Bob;;M4;10", domain.DeathKill, "Alice", "Bob", "M4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseDeathLine(tt.line)
			if err != nil {
				t.Fatalf("ParseDeathLine() error = %v", err)
			}
			if ev.Classification != tt.class {
				t.Errorf("classification = %s, want %s", ev.Classification, tt.class)
			}
			if ev.KillerID != tt.killerID || ev.VictimID != tt.victimID || ev.Weapon != tt.weapon {
				t.Errorf("got killer %q victim %q weapon %q", ev.KillerID, ev.VictimID, ev.Weapon)
			}
		})
	}
}

func TestParseDeathLineFields(t *testing.T) {
	ev, err := ParseDeathLine("2025.05.15-12.34.56;Alice;1;Bob;2;SVD;412.7;PC;PS5\r")
	if err != nil {
		t.Fatalf("ParseDeathLine() error = %v", err)
	}
	want := time.Date(2025, 5, 15, 12, 34, 56, 0, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", ev.Timestamp, want)
	}
	if ev.Distance != 412.7 || !ev.Longshot {
		t.Errorf("distance = %v longshot = %v", ev.Distance, ev.Longshot)
	}
	if ev.KillerPlatform != "PC" || ev.VictimPlatform != "PS5" {
		t.Errorf("platforms = %q %q", ev.KillerPlatform, ev.VictimPlatform)
	}
}

func TestParseDeathLineLongshotBoundary(t *testing.T) {
	ev, _ := ParseDeathLine("2025.01.01-00.00.00;Alice;1;Bob;2;SVD;300")
	if ev.Longshot {
		t.Error("300 is not a longshot")
	}
	ev, _ = ParseDeathLine("2025.01.01-00.00.00;Alice;1;Bob;2;SVD;300.1")
	if !ev.Longshot {
		t.Error("300.1 is a longshot")
	}
}

func TestParseDeathLineBadDistanceIsZero(t *testing.T) {
	ev, err := ParseDeathLine("2025.01.01-00.00.00;Alice;1;Bob;2;AK47;far")
	if err != nil {
		t.Fatalf("ParseDeathLine() error = %v", err)
	}
	if ev.Distance != 0 || ev.Classification != domain.DeathKill {
		t.Errorf("got distance %v class %s", ev.Distance, ev.Classification)
	}
}

func TestParseDeathLineMalformed(t *testing.T) {
	for _, line := range []string{
		"",
		"2025.01.01-00.00.00;Alice;1;Bob;2;AK47",
		"yesterday;Alice;1;Bob;2;AK47;10",
		"2025.01.01-00.00.00;Alice;1;;;AK47;10",
	} {
		_, err := ParseDeathLine(line)
		var me *MalformedLineError
		if !errors.As(err, &me) {
			t.Errorf("ParseDeathLine(%q) error = %v, want MalformedLineError", line, err)
		}
	}
}

func TestSplitLines(t *testing.T) {
	if got := splitLines([]byte("a\nb\nc"), false); len(got) != 2 {
		t.Errorf("live split = %q", got)
	}
	if got := splitLines([]byte("a\nb\nc"), true); len(got) != 3 || got[2] != "c" {
		t.Errorf("complete split = %q", got)
	}
	if got := splitLines([]byte("a\r\nb\r\n"), false); len(got) != 2 || got[1] != "b" {
		t.Errorf("crlf split = %q", got)
	}
	if got := splitLines(nil, true); got != nil {
		t.Errorf("empty split = %q", got)
	}
}
