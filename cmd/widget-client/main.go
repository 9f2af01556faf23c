package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"pharmacy-chat-client/internal/env"
	"pharmacy-chat-client/internal/intake"
	"pharmacy-chat-client/internal/queue"
	"pharmacy-chat-client/internal/session"
	"pharmacy-chat-client/internal/supportapi"
	"pharmacy-chat-client/internal/transport"
)

func main() {
	name := flag.String("name", "", "visitor name")
	email := flag.String("email", "", "visitor email")
	phone := flag.String("phone", "", "visitor phone")
	message := flag.String("message", "", "opening message")
	flag.Parse()

	if err := env.Validate(env.SupportAPIURL, env.SupportWSURL); err != nil {
		log.Fatalf("config: %v", err)
	}

	tr := transport.NewWSTransport(env.Get(env.SupportWSURL))
	api := supportapi.New(env.Get(env.SupportAPIURL))
	workers := queue.NewWorkers(10, 2)
	defer workers.Shutdown()

	ctrl := session.NewController(session.Config{
		Transport: tr,
		API:       api,
		Workers:   workers,
	})
	defer ctrl.Close()

	printEvents(tr)

	err := ctrl.Start(context.Background(), intake.Form{
		Name:    *name,
		Email:   *email,
		Phone:   *phone,
		Message: *message,
	})
	if err != nil {
		if sessErr, ok := err.(*session.Error); ok && len(sessErr.Fields) > 0 {
			for field, msg := range sessErr.Fields {
				fmt.Printf("%s: %s\n", field, msg)
			}
			os.Exit(1)
		}
		log.Fatalf("start session: %v", err)
	}

	fmt.Printf("Session %s created, waiting for an agent...\n", ctrl.Session().ID)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "/quit" {
			if err := ctrl.EndChat(context.Background()); err != nil {
				log.Printf("end chat: %v", err)
			}
			time.Sleep(time.Second)
			return
		}
		if err := ctrl.SendMessage(context.Background(), text); err != nil {
			log.Printf("send: %v", err)
		}
	}
}

func printEvents(tr transport.Transport) {
	_ = tr.OnEvent(transport.EventNewMessage, func(env transport.Envelope) {
		msg := transport.DecodeNewMessage(env)
		who := msg.SenderName
		if who == "" {
			who = string(msg.Sender)
		}
		fmt.Printf("[%s] %s\n", who, msg.Content)
	})
	_ = tr.OnEvent(transport.EventAgentAssigned, func(env transport.Envelope) {
		p := transport.DecodeAgentAssigned(env)
		fmt.Printf("-- %s is now helping you --\n", p.AgentInfo.Name)
	})
	_ = tr.OnEvent(transport.EventStatusUpdated, func(env transport.Envelope) {
		p := transport.DecodeStatusUpdated(env)
		if p.Status == transport.StatusClosed {
			fmt.Println("-- chat ended --")
		}
	})
	tr.OnConnectionState(func(state transport.ConnState) {
		if state == transport.StateConnecting {
			fmt.Println("-- reconnecting... --")
		}
	})
}
