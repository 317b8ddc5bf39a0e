// Command coursehub-chat is a terminal client for the realtime core
// and the composition root that wires transport, session, channels and
// notifications together for one logged-in user.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coursehub/realtime/internal/backend"
	"github.com/coursehub/realtime/internal/config"
	"github.com/coursehub/realtime/internal/localstate"
	"github.com/coursehub/realtime/internal/notify"
	"github.com/coursehub/realtime/internal/session"
	"github.com/coursehub/realtime/internal/stats"
	"github.com/coursehub/realtime/internal/transport"
	"github.com/coursehub/realtime/internal/types"
)

var (
	backendURL string
	gatewayURL string
	stateDir   string
	groupId    string
	token      string
	userId     string
	firstname  string
	lastname   string
)

func main() {
	defaultStateDir := filepath.Join(os.TempDir(), "coursehub-chat")

	flag.StringVar(&backendURL, "backend", "http://localhost:8000", "backend API base URL")
	flag.StringVar(&gatewayURL, "gateway", "ws://localhost:8090/ws", "realtime gateway URL")
	flag.StringVar(&stateDir, "state-dir", defaultStateDir, "directory for persisted session state")
	flag.StringVar(&groupId, "group", "", "chat group to join")
	flag.StringVar(&token, "token", "", "session token (overrides persisted state)")
	flag.StringVar(&userId, "user", "", "user id (overrides persisted state)")
	flag.StringVar(&firstname, "firstname", "", "user first name")
	flag.StringVar(&lastname, "lastname", "", "user last name")
	flag.Parse()

	logger := log.New(os.Stderr, "[coursehub-chat] ", log.LstdFlags)

	cfg, err := config.NewClientConfig(backendURL, gatewayURL, stateDir)
	if err != nil {
		logger.Fatal("config:", err)
	}

	// A persisted token lets the client reconnect without a fresh
	// login; explicit flags take precedence.
	st, ok, err := localstate.Load(cfg.StateDir)
	if err != nil {
		logger.Println("load state:", err)
	}
	if token != "" {
		st.Token = token
	}
	if userId != "" {
		st.User = types.User{Id: userId, Firstname: firstname, Lastname: lastname}
	}
	if st.Token == "" || st.User.Id == "" {
		logger.Fatal("no session: pass -token and -user or log in first")
	}
	if !ok || token != "" {
		if err := localstate.Save(cfg.StateDir, st); err != nil {
			logger.Println("save state:", err)
		}
	}

	if groupId == "" {
		logger.Fatal("-group is required")
	}

	backendClient, err := backend.NewHTTPClient(cfg.BackendURL, st.Token)
	if err != nil {
		logger.Fatal("backend client:", err)
	}

	statsUpdater := stats.NewStatsUpdater()
	statsUpdater.Run()
	defer statsUpdater.Stop()

	tr := transport.NewWSTransport(transport.WSConfig{URL: cfg.GatewayURL}, logger, statsUpdater)

	sess, err := session.New(session.Config{
		User:      st.User,
		Transport: tr,
		Backend:   backendClient,
		Log:       logger,
		Stats:     statsUpdater,
	})
	if err != nil {
		logger.Fatal("session:", err)
	}

	disposeState := sess.OnStateChange(func(state transport.State, err error) {
		switch state {
		case transport.StateConnected:
			fmt.Println("* connected")
		case transport.StateDisconnected, transport.StateSuspended:
			fmt.Println("* reconnecting...")
		case transport.StateFailed:
			fmt.Println("* authentication failed, please log in again")
		}
	})
	defer disposeState()

	ctx := context.Background()
	if err := sess.Connect(ctx); err != nil {
		logger.Fatal("connect:", err)
	}

	center := notify.NewCenter(backendClient, logger, statsUpdater, notify.Options{})
	disposeSurface := center.OnSurface(func(req notify.SurfaceRequest) {
		fmt.Printf("* notification: %s\n", req.Notification.Title)
	})
	defer disposeSurface()

	if err := center.Bootstrap(ctx); err != nil {
		logger.Println("notifications bootstrap:", err)
	}
	detach, err := center.Attach(ctx, sess)
	if err != nil {
		logger.Fatal("attach notifications:", err)
	}
	defer detach()

	handle, err := sess.Acquire(ctx, types.ChatChannel(groupId))
	if err != nil {
		logger.Fatal("acquire channel:", err)
	}
	defer handle.Release()

	ch := handle.Channel()
	disposeMsg := ch.OnMessage(func(msg types.ChatMessage) {
		fmt.Printf("[%s] %s: %s\n", msg.SentAt.Local().Format("15:04:05"), msg.SenderId, msg.Content)
	})
	defer disposeMsg()

	disposeTyping := ch.OnTyping(func(signals []types.TypingSignal) {
		for _, sig := range signals {
			fmt.Printf("* %s is typing...\n", sig.DisplayName)
		}
	})
	defer disposeTyping()

	disposePresence := ch.OnPresence(func(members []types.PresenceMember) {
		fmt.Printf("* %d online\n", len(members))
	})
	defer disposePresence()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("joined %s as %s; type a message and press enter\n", groupId, st.User.DisplayName())
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				shutdown(logger, sess)
				return
			}

			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if _, err := ch.Send(sendCtx, line); err != nil {
				fmt.Println("* send failed:", err)
			}
			cancel()
		case sig := <-sigs:
			logger.Printf("received signal: %s\n", sig)
			shutdown(logger, sess)
			return
		}
	}
}

func shutdown(logger *log.Logger, sess *session.Session) {
	logger.Println("closing session")
	if err := sess.Close(); err != nil {
		logger.Println("close:", err)
	}
}
