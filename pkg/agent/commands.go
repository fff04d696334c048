package agent

import (
	"strings"
	"unicode"
)

type commandName string

const (
	cmdReset     commandName = "reset"
	cmdMute      commandName = "mute"
	cmdListen    commandName = "listen"
	cmdSummarize commandName = "summarize"
	cmdAsk       commandName = "ask"
	cmdChat      commandName = "chat"
	cmdImagine   commandName = "imagine"
	cmdHelp      commandName = "help"
)

var knownCommands = map[commandName]string{
	cmdReset:     "Wipe chat from the bot's memory",
	cmdMute:      "Stop answering in this chat until /listen",
	cmdListen:    "Resume answering in this chat",
	cmdSummarize: "Summarize what the group talked about recently",
	cmdAsk:       "Ask a question about the recent group conversation",
	cmdChat:      "Keep the conversation going, the bot will keep context until /reset",
	cmdImagine:   "Generate an image from a prompt",
	cmdHelp:      "Show this list",
}

var commandOrder = []commandName{cmdChat, cmdReset, cmdMute, cmdListen, cmdSummarize, cmdAsk, cmdImagine, cmdHelp}

type command struct {
	Name commandName
	Arg  string
}

func (c command) known() bool {
	_, ok := knownCommands[c.Name]
	return ok
}

// parseCommand recognises "/name[@bot] [arg]". A command addressed to a
// different bot, or one whose name is not [a-z0-9_]+, is plain text.
func parseCommand(text, botUsername string) (command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return command{}, false
	}
	word, arg := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		word, arg = text[:i], strings.TrimSpace(text[i:])
	}
	name := strings.ToLower(word[1:])
	if at := strings.IndexByte(name, '@'); at >= 0 {
		target := name[at+1:]
		name = name[:at]
		if botUsername == "" || !strings.EqualFold(target, botUsername) {
			return command{}, false
		}
	}
	if !validCommandName(name) {
		return command{}, false
	}
	return command{Name: commandName(name), Arg: arg}, true
}

func validCommandName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}

// stripMention removes the first mention that prefixes text. Only a
// prefix counts; the remainder is returned untouched.
func stripMention(text string, mentions []string) (string, bool) {
	for _, m := range mentions {
		if m != "" && strings.HasPrefix(text, m) {
			return text[len(m):], true
		}
	}
	return text, false
}

func helpText() string {
	var b strings.Builder
	b.WriteString("These commands are supported:")
	for _, name := range commandOrder {
		b.WriteString("\n/")
		b.WriteString(string(name))
		b.WriteString(" - ")
		b.WriteString(knownCommands[name])
	}
	return b.String()
}
