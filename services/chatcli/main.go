// Терминальный клиент чата: держит синхронизированное состояние через chatclient и печатает события.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/notehub/chat/internal/chatclient"
	"github.com/notehub/chat/internal/logger"
	"github.com/notehub/chat/internal/model"
)

func main() {
	logger.SetPrefix("chatcli")
	server := flag.String("server", "http://localhost:8080", "chat service base URL")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "access token (or CHAT_TOKEN)")
	self := flag.Int64("user", 0, "own user id")
	flag.Parse()
	if *token == "" || *self <= 0 {
		fmt.Fprintln(os.Stderr, "usage: chatcli -user ID -token TOKEN [-server URL]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := chatclient.NewHTTPAPI(*server, *token, nil)
	sock := chatclient.NewWSSocket(wsURL(*server), *token)
	eng := chatclient.NewEngine(*self, api, sock, chatclient.WithNotifier(func(n chatclient.Notification) {
		fmt.Printf("\n[room %d] %s: %s\n", n.RoomID, n.SenderName, n.Preview)
	}))
	sock.OnEvent(func(ev chatclient.Event) { eng.HandleEvent(ctx, ev) })
	sock.OnState(func(up bool) {
		eng.SetConnected(ctx, up)
		if up {
			fmt.Println("* connected")
		} else {
			fmt.Println("* disconnected, reconnecting...")
		}
	})
	go sock.Run(ctx)

	if err := eng.Bootstrap(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printRooms(eng.State())
	fmt.Println("commands: /rooms, /open ID, /dm USER, /more, /react MSG EMOJI, /unreact MSG EMOJI, /status USER, /quit; anything else is sent")

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(ctx, eng, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, eng *chatclient.Engine, line string) bool {
	if line == "" {
		return false
	}
	cmd, arg, _ := strings.Cut(line, " ")
	var err error
	switch cmd {
	case "/quit":
		return true
	case "/rooms":
		printRooms(eng.State())
	case "/open":
		var id int64
		if id, err = strconv.ParseInt(arg, 10, 64); err == nil {
			if err = eng.SelectRoom(ctx, id); err == nil {
				printMessages(eng.State())
			}
		}
	case "/dm":
		var id int64
		if id, err = strconv.ParseInt(arg, 10, 64); err == nil {
			if _, err = eng.StartDirectChat(ctx, id); err == nil {
				printMessages(eng.State())
			}
		}
	case "/more":
		if err = eng.LoadMoreMessages(ctx); err == nil {
			printMessages(eng.State())
		}
	case "/react", "/unreact":
		idStr, emoji, _ := strings.Cut(arg, " ")
		var id int64
		if id, err = strconv.ParseInt(idStr, 10, 64); err == nil {
			if cmd == "/react" {
				err = eng.React(ctx, id, emoji)
			} else {
				err = eng.Unreact(ctx, id, emoji)
			}
		}
	case "/status":
		var id int64
		if id, err = strconv.ParseInt(arg, 10, 64); err == nil {
			fmt.Printf("user %d: %s\n", id, eng.GetUserStatus(id))
		}
	default:
		_, err = eng.SendMessage(ctx, line, nil)
	}
	if err != nil {
		fmt.Println("error:", err)
	}
	return false
}

func printRooms(s chatclient.State) {
	for _, r := range s.Rooms {
		fmt.Printf("%4d  %-24s unread=%d\n", r.ID, roomTitle(r, s.Self), r.UnreadCount)
	}
}

func printMessages(s chatclient.State) {
	for _, m := range s.Messages {
		name := strconv.FormatInt(m.SenderID, 10)
		if m.Sender != nil {
			name = m.Sender.Username
		}
		fmt.Printf("%s  %s: %s\n", m.CreatedAt.Local().Format("15:04"), name, m.Body)
	}
}

func roomTitle(r model.RoomSummary, self int64) string {
	if r.Name != nil {
		return *r.Name
	}
	for _, p := range r.Participants {
		if p.ID != self {
			return p.Username
		}
	}
	return "room " + strconv.FormatInt(r.ID, 10)
}

func wsURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return base + "/ws"
}
