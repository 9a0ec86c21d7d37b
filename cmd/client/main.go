package main

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/jpillora/backoff"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	pb "github.com/yitech/candlefeed/model/protobuf"
)

func main() {
	addr := getEnv("SERVER_ADDR", "localhost:50051")
	symbol := getEnv("SYMBOL", "BTCUSDT")
	interval := getEnv("INTERVAL", "1m")
	nKline := getEnvInt("N_KLINE", 48)

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}
	defer conn.Close()

	client := pb.NewCandleServiceClient(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan pb.Event, 128)
	go func() {
		b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
		for ctx.Err() == nil {
			err := streamEvents(ctx, client, symbol, interval, ch, b.Reset)
			if ctx.Err() != nil {
				return
			}
			d := b.Duration()
			log.Printf("stream error: %v, retrying in %s", err, d)
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		}
	}()

	reconnect := func(id string) error {
		rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
		defer rcancel()
		_, err := client.Reconnect(rctx, pb.ReconnectRequest{SubscriptionID: id}.Struct())
		return err
	}

	p := tea.NewProgram(
		newModel(symbol, interval, nKline, ch, reconnect),
		tea.WithAltScreen(),
	)
	if _, err := p.Run(); err != nil {
		log.Fatalf("tui error: %v", err)
	}
}

// streamEvents forwards one Subscribe stream into ch. connected is called
// once the snapshot has arrived.
func streamEvents(ctx context.Context, client pb.CandleServiceClient, symbol, interval string, ch chan<- pb.Event, connected func()) error {
	stream, err := client.Subscribe(ctx, pb.SubscribeRequest{Symbol: symbol, Interval: interval}.Struct())
	if err != nil {
		return err
	}
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		ev, err := pb.ParseEvent(msg)
		if err != nil {
			log.Printf("skipping event: %v", err)
			continue
		}
		if ev.Type == pb.EventSnapshot {
			connected()
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
