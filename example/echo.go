package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/rhmq"
)

const address = "tcp://127.0.0.1:12345"

// serve echoes every request back until ctx is done.
func serve(ctx context.Context, registry *rhmq.Registry) error {
	server := registry.CreateSocket("", rhmq.LabelOption("echo-server"))
	if err := server.Init(rhmq.Reply, address, rhmq.NoFlags); err != nil {
		return err
	}
	defer server.Close()

	buf := make([]byte, 1024)
	for ctx.Err() == nil {
		n, err := server.Receive(buf, 100*time.Millisecond)
		if err != nil {
			slog.Error("receive error", "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		if _, err := server.Send(buf[:n]); err != nil {
			slog.Error("send error", "error", err)
		}
	}
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := rhmq.NewRegistry()
	defer registry.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := serve(ctx, registry); err != nil {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	defer func() {
		cancel()
		<-done
	}()

	client := registry.CreateSocket("", rhmq.LabelOption("echo-client"),
		rhmq.ConnectTimeoutOption(5*time.Second))
	if err := client.Init(rhmq.Request, address, rhmq.NoFlags); err != nil {
		slog.Error("failed to create client", "error", err)
		return
	}
	defer client.Close()

	for i := 0; ctx.Err() == nil; i++ {
		if _, err := client.Send([]byte(fmt.Sprintf("hello %d", i))); err != nil {
			slog.Error("request failed", "error", err)
			return
		}

		reply, err := client.ReceiveBuffer(time.Second)
		if err != nil || reply == nil {
			slog.Warn("no reply, resetting client", "error", err)
			if err := client.ReInit(); err != nil {
				slog.Error("reinit failed", "error", err)
				return
			}
			continue
		}
		slog.Info("echo", "reply", string(reply))
		time.Sleep(time.Second)
	}
}
