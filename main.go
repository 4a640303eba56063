// Demo shell: starts the in-process gateway, opens one operator and one
// client, and walks through a short conversation so the whole stack can be
// exercised without a browser.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"WProject/config"
	"WProject/global"
	"WProject/logger"
	"WProject/module/session"
	"WProject/module/widget"
	"WProject/service/bot"
	"WProject/service/gateway"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the yaml config file")
	addr := flag.String("addr", "127.0.0.1:8700", "listen address for the demo gateway")
	flag.Parse()

	stopWatch, err := config.StartFileWatcher(*configPath, func(cfg global.AppConfig) {
		logger.SetLevel(cfg.LogLevel)
	})
	if err != nil {
		logger.Warnf("[demo] config watcher disabled: %v", err)
	} else {
		defer stopWatch()
	}

	cfg := config.Get()
	cfg.GatewayURL = fmt.Sprintf("ws://%s/ws", *addr)
	cfg.BotBaseURL = fmt.Sprintf("http://%s", *addr)

	srv := gateway.New(gateway.Conf{
		Secret:  global.GetJwtSecret(),
		GraceMS: 30000,
	})
	srv.RunBackground(*addr)
	time.Sleep(200 * time.Millisecond)

	// Preset question tree, fetched over HTTP like the widget bubble does.
	botc := bot.NewClient(cfg.BotBaseURL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if node, err := botc.Fetch(ctx, bot.RootNodeID); err != nil {
		logger.Warnf("[demo] bot tree unavailable: %v", err)
	} else {
		logger.Infof("[demo] bot asks: %s (%d answers)", node.Question, len(node.Answers))
	}
	cancel()

	op := widget.NewOperatorContext(cfg)
	defer op.Close()
	op.OnStateChange(func(s widget.State) { logger.Infof("[operator] state=%s", s) })
	op.OnRoomAssigned(func(entry session.RoomEntry) {
		logger.Infof("[operator] assigned room=%s client=%s", entry.RoomID, entry.Client.Name)
	})
	op.OnMessages(func(roomID string, msgs []session.Message) {
		for _, m := range msgs {
			logger.Infof("[operator] room=%s %s: %s", roomID, m.SenderID, m.Text)
		}
	})

	pending := make(chan string, 1)
	op.OnRoster(func(p, _ []session.RoomEntry) {
		if len(p) > 0 {
			select {
			case pending <- p[0].RoomID:
			default:
			}
		}
	})
	if err := op.Open("Dana", "op-100"); err != nil {
		logger.Errorf("[demo] operator open: %v", err)
		return
	}

	cl := widget.NewClientContext(cfg)
	defer cl.Close()
	cl.OnStateChange(func(s widget.State) { logger.Infof("[client] state=%s", s) })
	cl.OnMessages(func(msgs []session.Message) {
		me := cl.Identity().ID
		for _, m := range msgs {
			if m.SenderID != me {
				logger.Infof("[client] operator says: %s", m.Text)
			}
		}
	})
	cl.OnTyping(func(active bool) { logger.Infof("[client] operator typing=%v", active) })
	if err := cl.Open("Alex", "visitor-7", map[string]string{"page": "/pricing"}); err != nil {
		logger.Errorf("[demo] client open: %v", err)
		return
	}

	select {
	case roomID := <-pending:
		if err := op.AcceptRoom(roomID); err != nil {
			logger.Errorf("[demo] accept room: %v", err)
			return
		}
	case <-time.After(5 * time.Second):
		logger.Errorf("[demo] no pending room within 5s")
		return
	}
	time.Sleep(300 * time.Millisecond)

	cl.NotifyTyping()
	if _, err := cl.SendMessage("Hi, I have a question about the invoice."); err != nil {
		logger.Errorf("[demo] client send: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	roomID := cl.Binding().RoomID
	op.NotifyTyping(roomID)
	if _, err := op.SendMessage(roomID, "Sure, happy to help. Which invoice?"); err != nil {
		logger.Errorf("[demo] operator send: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	if err := cl.EndChat(); err != nil {
		logger.Errorf("[demo] end chat: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if err := cl.SubmitFeedback(5, "quick and friendly"); err != nil {
		logger.Errorf("[demo] feedback: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	logger.Infof("[demo] client log has %d messages, operator room log has %d",
		len(cl.Messages()), len(op.MessagesInRoom(roomID)))
}
