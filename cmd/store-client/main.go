package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pharmacy-chat-client/internal/env"
	"pharmacy-chat-client/internal/queue"
	"pharmacy-chat-client/internal/session"
	"pharmacy-chat-client/internal/supportapi"
	"pharmacy-chat-client/internal/transport"
)

// store-client runs at a pharmacy branch front desk. It skips the intake
// form: the session is created automatically with the branch identity and
// events travel over the redis channel the backend fans out on.
func main() {
	if err := env.Validate(env.SupportAPIURL, env.ChatRedisURL, env.StoreID); err != nil {
		log.Fatalf("config: %v", err)
	}

	go func() {
		addr := env.GetOrDefault("METRICS_ADDR", ":9190")
		if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	tr := transport.NewRedisTransport(
		env.Get(env.ChatRedisURL),
		env.Get(env.ChatRedisPass),
	)
	api := supportapi.New(env.Get(env.SupportAPIURL))
	workers := queue.NewWorkers(10, 2)
	defer workers.Shutdown()

	ctrl := session.NewController(session.Config{
		Transport: tr,
		API:       api,
		Workers:   workers,
	})
	defer ctrl.Close()

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
		fmt.Printf("-- %s picked up the request --\n", p.AgentInfo.Name)
	})

	err := ctrl.StartStore(context.Background(), env.Get(env.StoreID), env.Get(env.StoreName))
	if err != nil {
		log.Fatalf("store handshake: %v", err)
	}
	fmt.Printf("Support session %s open for store %s\n", ctrl.Session().ID, env.Get(env.StoreID))

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := ctrl.SendMessage(context.Background(), scanner.Text()); err != nil {
			log.Printf("send: %v", err)
		}
	}
}
