package agent

import "testing"

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in      string
		bot     string
		want    command
		wantCmd bool
	}{
		{"/reset", "relay", command{Name: cmdReset}, true},
		{"  /ask who said that?  ", "relay", command{Name: cmdAsk, Arg: "who said that?"}, true},
		{"/Chat hello there", "relay", command{Name: cmdChat, Arg: "hello there"}, true},
		{"/mute@Relay", "relay", command{Name: cmdMute}, true},
		{"/mute@other", "relay", command{}, false},
		{"/mute@relay", "", command{}, false},
		{"/unknown_1 x", "relay", command{Name: "unknown_1", Arg: "x"}, true},
		{"/", "relay", command{}, false},
		{"/what?", "relay", command{}, false},
		{"hello /reset", "relay", command{}, false},
		{"/imagine\na red fox", "relay", command{Name: cmdImagine, Arg: "a red fox"}, true},
	}
	for _, tt := range tests {
		got, ok := parseCommand(tt.in, tt.bot)
		if ok != tt.wantCmd || got != tt.want {
			t.Errorf("parseCommand(%q, %q) = %+v, %v; want %+v, %v", tt.in, tt.bot, got, ok, tt.want, tt.wantCmd)
		}
	}
}

func TestStripMention(t *testing.T) {
	mentions := []string{"<@42>", "<@!42>"}
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"<@42> what's up", " what's up", true},
		{"<@!42>hi", "hi", true},
		{"hey <@42>", "hey <@42>", false},
		{"<@43> hi", "<@43> hi", false},
		{"<@42>", "", true},
	}
	for _, tt := range tests {
		got, ok := stripMention(tt.in, mentions)
		if got != tt.want || ok != tt.ok {
			t.Errorf("stripMention(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCommandKnown(t *testing.T) {
	for _, name := range commandOrder {
		if !(command{Name: name}).known() {
			t.Errorf("%s should be known", name)
		}
	}
	if (command{Name: "nope"}).known() {
		t.Error("nope should not be known")
	}
}
