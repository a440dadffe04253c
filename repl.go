package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"palaver/internal/session"
)

// repl is the interactive local client: slash commands control the session,
// everything else is sent to the current room.
func repl(ctx context.Context, sess *session.Session) error {
	fmt.Printf("signed in as %s. /help for commands.\n", sess.User().DisplayName)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}
		if err := dispatch(ctx, sess, line); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
	return scanner.Err()
}

func dispatch(ctx context.Context, sess *session.Session, line string) error {
	if !strings.HasPrefix(line, "/") {
		return sess.Send(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		fmt.Println("/rooms, /create <name> [private], /select <id>, /join, /leave, /show, /quit")
		return nil

	case "/rooms":
		rooms, err := sess.Rooms(ctx)
		if err != nil {
			return err
		}
		if len(rooms) == 0 {
			fmt.Println("no rooms yet, /create one")
			return nil
		}
		for _, r := range rooms {
			marker := ""
			if r.IsPrivate {
				marker = " (private)"
			}
			fmt.Printf("%s  %s%s\n", r.ID, r.Name, marker)
		}
		return nil

	case "/create":
		name, rest, _ := strings.Cut(arg, " ")
		private := strings.TrimSpace(rest) == "private"
		room, err := sess.CreateRoom(ctx, name, private)
		if err != nil {
			return err
		}
		fmt.Printf("created %s (%s)\n", room.Name, room.ID)
		return sess.Select(ctx, room.ID)

	case "/select":
		if arg == "" {
			return fmt.Errorf("usage: /select <room-id>")
		}
		if err := sess.Select(ctx, arg); err != nil {
			return err
		}
		render(sess.Snapshot())
		return nil

	case "/join":
		return sess.Join(ctx)

	case "/leave":
		return sess.Leave(ctx)

	case "/show":
		render(sess.Snapshot())
		return nil
	}

	return fmt.Errorf("unknown command %s", cmd)
}

func render(v session.View) {
	fmt.Printf("room %s [%s]", v.RoomID, v.State)
	if v.Joined {
		fmt.Print(" joined")
	}
	if !v.Live {
		fmt.Print(" (read-only)")
	}
	fmt.Println()

	for _, m := range v.Messages {
		author := m.AuthorID
		if m.Author != nil {
			author = m.Author.DisplayName
		}
		status := ""
		if m.Failed {
			status = " [failed]"
		} else if m.Provisional() {
			status = " [sending]"
		}
		fmt.Printf("%s %s: %s%s\n", m.CreatedAt.Format("15:04"), author, m.Body, status)
	}

	for _, mv := range v.Members {
		state := "offline"
		if mv.Online {
			state = "online"
		}
		fmt.Printf("  %s (%s)\n", mv.User.DisplayName, state)
	}
}
