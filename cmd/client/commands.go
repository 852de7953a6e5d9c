package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aeolun/securechat/pkg/client"
)

// errQuit ends the input loop
var errQuit = errors.New("quit")

// chat is the part of *client.Client the commands drive
type chat interface {
	SendMessage(text string) (int, error)
	Whisper(to, text string) error
	SendFile(path string) (int, error)
	CreateRoom(name string) error
	Join(room string) error
	Leave() error
	Invite(who, room string) error
	Accept(who string) error
	Decline(who string) error
	Kick(who string) error
	ChangeNickname(nick string) error
	Nickname() string
	Room() string
	Rooms() []string
	Peers() []client.Peer
}

const commandHelp = `Commands:
  /create <room>         create a room and become its admin
  /join <room>           join a room (asks the admin unless you were invited)
  /leave                 go back to main
  /invite <nick> [room]  invite someone to your room
  /accept <nick>         accept a join request
  /decline <nick>        decline a join request
  /kick <nick>           send a member back to main
  /nick <name>           change your nickname
  /w <nick> <text>       whisper to someone in any room
  /file <path>           send a file to your room
  /who                   list participants
  /rooms                 list rooms
  /quit                  disconnect
Anything else is sent to your room.`

// execute runs one input line. Feedback for the user goes to out.
func execute(c chat, line string, out io.Writer) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := c.SendMessage(line)
		if err == nil {
			fmt.Fprintln(out, SelfStyle.Render(c.Nickname())+": "+line)
		}
		return err
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	need := func(n int, usage string) error {
		if len(args) < n {
			return fmt.Errorf("usage: %s", usage)
		}
		return nil
	}

	switch strings.ToLower(name) {
	case "quit", "exit", "q":
		return errQuit
	case "help", "?":
		fmt.Fprintln(out, commandHelp)
		return nil
	case "create":
		if err := need(1, "/create <room>"); err != nil {
			return err
		}
		return c.CreateRoom(args[0])
	case "join":
		if err := need(1, "/join <room>"); err != nil {
			return err
		}
		return c.Join(args[0])
	case "leave":
		return c.Leave()
	case "invite":
		if err := need(1, "/invite <nick> [room]"); err != nil {
			return err
		}
		room := ""
		if len(args) > 1 {
			room = args[1]
		}
		return c.Invite(args[0], room)
	case "accept":
		if err := need(1, "/accept <nick>"); err != nil {
			return err
		}
		return c.Accept(args[0])
	case "decline":
		if err := need(1, "/decline <nick>"); err != nil {
			return err
		}
		return c.Decline(args[0])
	case "kick":
		if err := need(1, "/kick <nick>"); err != nil {
			return err
		}
		return c.Kick(args[0])
	case "nick":
		if err := need(1, "/nick <name>"); err != nil {
			return err
		}
		return c.ChangeNickname(rest)
	case "w", "whisper", "msg":
		if err := need(2, "/w <nick> <text>"); err != nil {
			return err
		}
		text := strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
		if err := c.Whisper(args[0], text); err != nil {
			return err
		}
		fmt.Fprintln(out, WhisperStyle.Render(fmt.Sprintf("-> %s: %s", args[0], text)))
		return nil
	case "file":
		if err := need(1, "/file <path>"); err != nil {
			return err
		}
		n, err := c.SendFile(rest)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, NoticeStyle.Render(fmt.Sprintf("Sent %s to %d participant(s)", rest, n)))
		return nil
	case "who":
		fmt.Fprintf(out, "%s (you) in %s\n", c.Nickname(), c.Room())
		for _, p := range c.Peers() {
			fmt.Fprintf(out, "%s in %s\n", p.Nickname, p.Room)
		}
		return nil
	case "rooms":
		for _, r := range c.Rooms() {
			marker := " "
			if r == c.Room() {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %s\n", marker, r)
		}
		return nil
	}
	return fmt.Errorf("unknown command /%s, type /help for a list", name)
}
